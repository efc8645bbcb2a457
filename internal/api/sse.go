package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/e3brown-rba/ikoma-tracker/internal/run"
)

const (
	clientBuffer      = 64
	heartbeatInterval = 30 * time.Second
)

// changeEvent is the SSE payload: one applied change set for one run.
type changeEvent struct {
	ID      string      `json:"id"`
	Changes run.Changes `json:"changes"`
}

// eventBroker bridges the store's synchronous broadcasts to any number of
// SSE clients. publish runs under the store lock, so sends are non-blocking:
// a client that cannot keep up loses events rather than stalling ingest.
type eventBroker struct {
	mu      sync.Mutex
	clients map[chan changeEvent]struct{}
	logger  *zap.Logger
}

func newEventBroker(logger *zap.Logger) *eventBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &eventBroker{
		clients: make(map[chan changeEvent]struct{}),
		logger:  logger,
	}
}

// publish satisfies track.Subscriber.
func (b *eventBroker) publish(id string, changes run.Changes) {
	evt := changeEvent{ID: id, Changes: changes}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- evt:
		default:
			b.logger.Debug("sse client lagging, event dropped", zap.String("run_id", id))
		}
	}
}

func (b *eventBroker) subscribe() chan changeEvent {
	ch := make(chan changeEvent, clientBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[ch] = struct{}{}
	return ch
}

func (b *eventBroker) unsubscribe(ch chan changeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, ch)
}

// streamEvents handles GET /v1/events, pushing every broadcast change set to
// the client as an SSE "change" event with periodic keep-alive comments.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch := s.broker.subscribe()
	defer s.broker.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("marshal sse event failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
