package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFeedReady reads until the feed's ready comment, then gives the
// provider a beat to register the subscription before sessions start.
func waitFeedReady(t *testing.T, reader *bufio.Reader) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.Contains(line, "ready") {
			time.Sleep(100 * time.Millisecond)
			return
		}
	}
	t.Fatal("event feed never signalled ready")
}

// readFeedStates consumes SSE frames off the lifecycle feed until wanted
// states for one session have been seen or the deadline hits.
func readFeedStates(t *testing.T, reader *bufio.Reader, until string) []sessionEvent {
	t.Helper()
	var events []sessionEvent
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev sessionEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev))
		events = append(events, ev)
		if ev.State == until {
			return events
		}
	}
	t.Fatalf("did not observe state %q on the event feed", until)
	return nil
}

func TestEventFeedPublishesSessionLifecycle(t *testing.T) {
	spawner := &fakeSpawner{script: func(h *fakeHandle) {
		h.writeStdout("only\n")
		h.exit(0)
	}}
	ts := newTestServer(t, spawner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	feedResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer feedResp.Body.Close()
	assert.Contains(t, feedResp.Header.Get("Content-Type"), "text/event-stream")
	reader := bufio.NewReader(feedResp.Body)
	waitFeedReady(t, reader)

	// run one complete session, draining it so it ends in completion rather
	// than cancellation
	streamResp, err := http.Get(ts.URL + "/mcp/sse")
	require.NoError(t, err)
	_, err = io.ReadAll(streamResp.Body)
	require.NoError(t, err)
	streamResp.Body.Close()

	events := readFeedStates(t, reader, stateReaped)

	var states []string
	sessionID := ""
	for _, ev := range events {
		states = append(states, ev.State)
		if sessionID == "" {
			sessionID = ev.Session
		}
		assert.Equal(t, sessionID, ev.Session, "feed interleaved a second session")
	}
	assert.Equal(t, []string{stateSpawned, stateCompleted, stateReaped}, states)
}

func TestEventFeedReportsCancellation(t *testing.T) {
	spawner := &fakeSpawner{script: func(h *fakeHandle) {
		h.writeStdout("first\n")
	}}
	ts := newTestServer(t, spawner)

	feedCtx, feedCancel := context.WithCancel(context.Background())
	defer feedCancel()
	req, err := http.NewRequestWithContext(feedCtx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	feedResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer feedResp.Body.Close()
	reader := bufio.NewReader(feedResp.Body)
	waitFeedReady(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	streamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/mcp/sse", nil)
	require.NoError(t, err)
	streamResp, err := http.DefaultClient.Do(streamReq)
	require.NoError(t, err)
	defer streamResp.Body.Close()

	buf := make([]byte, 16)
	_, err = streamResp.Body.Read(buf)
	require.NoError(t, err)
	cancel()

	events := readFeedStates(t, reader, stateReaped)
	var states []string
	for _, ev := range events {
		states = append(states, ev.State)
	}
	assert.Equal(t, []string{stateSpawned, stateCancelled, stateReaped}, states)
}
