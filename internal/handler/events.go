package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/service"
	"github.com/tutorly/session-broker/internal/sse"
)

// Subscriber is satisfied by *sse.Broker.
type Subscriber interface {
	Subscribe(sessionID string) *sse.Client
	Unsubscribe(client *sse.Client)
}

type EventsHandler struct {
	broker      Subscriber
	coordinator *service.SessionCoordinator
	heartbeat   time.Duration
}

func NewEventsHandler(broker Subscriber, coordinator *service.SessionCoordinator) *EventsHandler {
	return &EventsHandler{
		broker:      broker,
		coordinator: coordinator,
		heartbeat:   sse.HeartbeatInterval,
	}
}

// GET /sessions/{id}/events
// Streams session transitions and agent replies. The first event is the
// current snapshot so a client never starts from a stale state.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	ctx := r.Context()
	snapshot, err := h.coordinator.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(id)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("sessionId", id).Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "connected", snapshot); err != nil {
		return
	}
	if snapshot.State.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("sessionId", id).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("sessionId", id).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Str("sessionId", id).Msg("failed to send event")
				return
			}
			if event.Type == sse.EventTransition && isTerminalTransition(event) {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("sessionId", id).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func isTerminalTransition(event sse.Event) bool {
	var s struct {
		State model.SessionState `json:"state"`
	}
	if err := json.Unmarshal(event.Data, &s); err != nil {
		return false
	}
	return s.State.IsTerminal()
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	event, err := sse.NewEvent(eventType, data)
	if err != nil {
		return err
	}
	return h.sendRawEvent(w, flusher, event)
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
