package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/session-broker/internal/sse"
)

type fakeSubscriber struct {
	subscribed   chan *sse.Client
	unsubscribed chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subscribed: make(chan *sse.Client, 1), unsubscribed: make(chan struct{}, 1)}
}

func (f *fakeSubscriber) Subscribe(sessionID string) *sse.Client {
	client := &sse.Client{SessionID: sessionID, Events: make(chan sse.Event, 4), Done: make(chan struct{})}
	f.subscribed <- client
	return client
}

func (f *fakeSubscriber) Unsubscribe(client *sse.Client) {
	f.unsubscribed <- struct{}{}
}

func eventsRouter(h *EventsHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/sessions/{id}/events", h.ServeHTTP)
	return r
}

func TestEventsHandler_EndedSessionSendsSnapshotAndCloses(t *testing.T) {
	s := newTestServer(t)
	s.store.SeedAccount("acc-1", 10)
	res, err := s.coordinator.Connect(context.Background(), "acc-1")
	require.NoError(t, err)
	_, err = s.coordinator.Disconnect(context.Background(), res.SessionID)
	require.NoError(t, err)

	sub := newFakeSubscriber()
	rec := httptest.NewRecorder()
	eventsRouter(NewEventsHandler(sub, s.coordinator)).ServeHTTP(rec, httptest.NewRequest("GET", "/sessions/"+res.SessionID+"/events", nil))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: connected\n")
	assert.Contains(t, rec.Body.String(), `"state":"ended"`)
}

func TestEventsHandler_StreamsUntilTerminalTransition(t *testing.T) {
	s := newTestServer(t)
	s.store.SeedAccount("acc-1", 10)
	res, err := s.coordinator.Connect(context.Background(), "acc-1")
	require.NoError(t, err)

	sub := newFakeSubscriber()
	h := NewEventsHandler(sub, s.coordinator)
	h.heartbeat = 10 * time.Millisecond

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		eventsRouter(h).ServeHTTP(rec, httptest.NewRequest("GET", "/sessions/"+res.SessionID+"/events", nil))
		done <- rec
	}()

	var client *sse.Client
	select {
	case client = <-sub.subscribed:
	case <-time.After(time.Second):
		t.Fatal("handler did not subscribe")
	}
	listening, _ := sse.NewEvent(sse.EventTransition, map[string]string{"state": "listening"})
	ended, _ := sse.NewEvent(sse.EventTransition, map[string]string{"state": "ended"})
	client.Events <- listening
	client.Events <- ended

	select {
	case rec := <-done:
		body := rec.Body.String()
		assert.Contains(t, body, `data: {"state":"listening"}`)
		assert.Contains(t, body, `data: {"state":"ended"}`)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after terminal transition")
	}
	<-sub.unsubscribed
}

func TestEventsHandler_UnknownSession(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()

	eventsRouter(NewEventsHandler(newFakeSubscriber(), s.coordinator)).
		ServeHTTP(rec, httptest.NewRequest("GET", "/sessions/3f2504e0-4f89-41d3-9a0c-0305e82c3301/events", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	handler := &EventsHandler{}
	rec := httptest.NewRecorder()

	err := handler.sendRawEvent(rec, rec, sse.Event{Type: "agent_reply", Data: json.RawMessage(`{"text":"hello"}`)})

	assert.NoError(t, err)
	assert.Equal(t, "event: agent_reply\ndata: {\"text\":\"hello\"}\n\n", rec.Body.String())
}
