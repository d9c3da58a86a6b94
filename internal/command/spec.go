// Package command builds the command line for the external Playwright MCP
// executable.
package command

import (
	"os"
	"path/filepath"
)

// DefaultCLIPath is where the bundled cli.js lands relative to the server's
// working directory.
const DefaultCLIPath = "cli.js"

// Spec describes how to invoke the external MCP executable. It is immutable
// once constructed; one Spec serves the whole server.
type Spec struct {
	// Node is the interpreter used to run the CLI.
	Node string

	// CLIPath is the primary location of the MCP CLI script.
	CLIPath string

	// SearchPath holds fallback directories scanned, in order, for the CLI
	// script's filename when CLIPath does not exist.
	SearchPath []string

	// Browser selects the browser engine the child should drive.
	Browser string
}

// Default returns the Spec matching the deployment layout: node on PATH,
// cli.js next to the server binary, chromium.
func Default() Spec {
	return Spec{
		Node:    "node",
		CLIPath: DefaultCLIPath,
		Browser: "chromium",
	}
}

// Resolve locates the CLI script. The primary path wins if it exists,
// otherwise the first search directory containing the script's filename.
// If nothing matches, the primary path is returned unchanged so the spawn
// fails with the OS error instead of a pre-validated one.
func (s Spec) Resolve() string {
	if _, err := os.Stat(s.CLIPath); err == nil {
		return s.CLIPath
	}
	name := filepath.Base(s.CLIPath)
	for _, dir := range s.SearchPath {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return s.CLIPath
}

// Argv returns the interpreter and its arguments. The flags are the binding
// contract with the MCP engine: headless, a fixed browser engine, sandboxing
// off, and port 0 selecting stdio transport instead of a network listener.
func (s Spec) Argv() (string, []string) {
	return s.Node, []string{
		s.Resolve(),
		"--headless",
		"--browser", s.Browser,
		"--no-sandbox",
		"--port", "0",
	}
}
