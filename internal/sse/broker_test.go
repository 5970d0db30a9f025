package sse

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/tutorly/session-broker/internal/redis"
)

func testBroker(t *testing.T) *Broker {
	t.Helper()
	opts, err := redis.ParseURL("redis://localhost:6379/15")
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available for testing")
	}

	broker := NewBroker(&redisclient.Client{Client: client})
	t.Cleanup(broker.Close)
	return broker
}

func TestNewEvent(t *testing.T) {
	event, err := NewEvent(EventTransition, map[string]string{"state": "listening"})
	require.NoError(t, err)
	assert.Equal(t, EventTransition, event.Type)
	assert.JSONEq(t, `{"state":"listening"}`, string(event.Data))
}

func TestBroker_PublishReachesSubscribers(t *testing.T) {
	broker := testBroker(t)
	a := broker.Subscribe("s-1")
	b := broker.Subscribe("s-1")
	other := broker.Subscribe("s-2")
	assert.Equal(t, 2, broker.ClientCount("s-1"))

	event, err := NewEvent(EventTransition, map[string]string{"state": "thinking"})
	require.NoError(t, err)

	// The Redis subscription is established asynchronously.
	require.Eventually(t, func() bool {
		require.NoError(t, broker.Publish(context.Background(), "s-1", event))
		select {
		case got := <-a.Events:
			assert.Equal(t, EventTransition, got.Type)
			return true
		default:
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)

	select {
	case got := <-b.Events:
		assert.JSONEq(t, `{"state":"thinking"}`, string(got.Data))
	case <-time.After(time.Second):
		t.Fatal("second subscriber did not receive the event")
	}

	select {
	case <-other.Events:
		t.Fatal("event leaked to another session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	broker := testBroker(t)
	client := broker.Subscribe("s-1")

	broker.Unsubscribe(client)
	assert.Equal(t, 0, broker.ClientCount("s-1"))
	select {
	case <-client.Done:
	default:
		t.Fatal("Done not closed")
	}

	// A second unsubscribe is a no-op.
	broker.Unsubscribe(client)
}
