package netutil

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort grabs a free localhost TCP port and releases it.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
