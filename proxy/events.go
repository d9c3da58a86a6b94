package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	sse "github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

// feedTopic is the single topic session lifecycle events are published on.
const feedTopic = "sessions"

// sessionEvent is one lifecycle transition as delivered on /api/events.
type sessionEvent struct {
	Session string `json:"session"`
	State   string `json:"state"`
	At      int64  `json:"at"`
}

// eventFeed publishes session lifecycle transitions to SSE subscribers.
// Event IDs are ULIDs so reconnecting clients can resume with Last-Event-ID.
type eventFeed struct {
	log      *zap.SugaredLogger
	provider sse.Provider
}

func newEventFeed(log *zap.SugaredLogger) *eventFeed {
	replayer, err := sse.NewValidReplayer(time.Hour, false)
	if err != nil {
		panic(err)
	}
	return &eventFeed{
		log:      log,
		provider: &sse.Joe{Replayer: replayer},
	}
}

func (f *eventFeed) publish(sessionID, state string) {
	payload, err := json.Marshal(sessionEvent{
		Session: sessionID,
		State:   state,
		At:      time.Now().UnixMilli(),
	})
	if err != nil {
		f.log.Debugf("marshaling session event: %s", err)
		return
	}
	msg := &sse.Message{ID: sse.ID(ulid.Make().String())}
	msg.AppendData(string(payload))
	if err := f.provider.Publish(msg, []string{feedTopic}); err != nil {
		f.log.Debugf("publishing session event: %s", err)
	}
}

// channelMessageWriter buffers published messages for one subscriber so the
// provider never blocks on a slow client.
type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

func (f *eventFeed) serveHTTP(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, 128)}
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{feedTopic},
	}
	if lastEventID := strings.TrimSpace(r.Header.Get("Last-Event-ID")); lastEventID != "" {
		sub.LastEventID = sse.ID(lastEventID)
	}

	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- f.provider.Subscribe(r.Context(), sub)
	}()
	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				f.log.Debugf("event feed subscription ended: %s", err)
			}
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}

func (f *eventFeed) shutdown(ctx context.Context) {
	if err := f.provider.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		f.log.Debugf("shutting down event feed: %s", err)
	}
}
