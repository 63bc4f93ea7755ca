// Package ws pushes per-session events to connected clients over
// WebSocket. Clients subscribe to their own session's feed and receive
// notifications as scripts run and files land in the exports area.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/hesabu/internal/identity"
)

// Event types published by the service.
const (
	EventExecutionStarted  = "execution.started"
	EventExecutionFinished = "execution.finished"
	EventFileProduced      = "file.produced"
	EventUploadStored      = "upload.stored"
	EventSessionPurged     = "session.purged"
)

// Event is one message on a session's feed.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload,omitempty"`
}

// sendBuffer bounds the per-subscriber queue. A subscriber that cannot
// keep up loses events rather than blocking the publisher.
const sendBuffer = 16

type subscriber struct {
	ch chan Event
}

// Hub fans events out to every subscriber of a session. Safe for
// concurrent use; Publish never blocks.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[identity.SessionID]map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[identity.SessionID]map[*subscriber]struct{}),
	}
}

// Publish delivers an event to every subscriber of the session.
// Subscribers with a full queue are skipped.
func (h *Hub) Publish(id identity.SessionID, eventType string, payload any) {
	evt := Event{
		Type:      eventType,
		SessionID: string(id),
		At:        time.Now().UTC(),
		Payload:   payload,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[id] {
		select {
		case sub.ch <- evt:
		default:
			h.logger.Debug("event dropped, slow subscriber",
				slog.String("session_id", string(id)),
				slog.String("type", eventType),
			)
		}
	}
}

// Subscribers returns the number of open subscriptions for a session.
func (h *Hub) Subscribers(id identity.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

func (h *Hub) subscribe(id identity.SessionID) *subscriber {
	sub := &subscriber{ch: make(chan Event, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*subscriber]struct{})
	}
	h.subs[id][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(id identity.SessionID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[id], sub)
	if len(h.subs[id]) == 0 {
		delete(h.subs, id)
	}
}

// Handler returns an http.Handler that upgrades the connection and
// streams the session's events until the client disconnects. resolve
// maps the incoming request to its session, typically via the same
// header-derivation used by the HTTP API.
func (h *Hub) Handler(resolve func(r *http.Request) (identity.SessionID, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := resolve(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"hesabu-events-v1"},
		})
		if err != nil {
			h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
			return
		}

		h.serve(r.Context(), conn, id)
	})
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, id identity.SessionID) {
	sub := h.subscribe(id)
	defer func() {
		h.unsubscribe(id, sub)
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	h.logger.Debug("event subscriber connected", slog.String("session_id", string(id)))

	// Drain client frames so pings are answered and closes are noticed.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case evt := <-sub.ch:
			if err := h.writeEvent(ctx, conn, evt); err != nil {
				h.logger.Debug("event write failed",
					slog.String("session_id", string(id)),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (h *Hub) writeEvent(ctx context.Context, conn *websocket.Conn, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
