package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// connectTestRedis dials a local Redis instance, skipping with a clear
// message if one is not reachable.
func connectTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("pubsub: Redis not reachable at localhost:6379: %v", err)
	}
	return client
}

func TestRedis_PublishDeliversToSubscriber(t *testing.T) {
	client := connectTestRedis(t)
	defer client.Close()

	bus := NewRedis(client, nil)
	defer bus.Close()

	received := make(chan []byte, 1)
	sub, err := bus.Subscribe(context.Background(), "contentcore-test-topic", func(payload []byte) {
		received <- payload
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Give Redis a moment to register the subscription before publishing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), "contentcore-test-topic", []byte("hello")))

	select {
	case payload := <-received:
		require.Equal(t, []byte("hello"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedis_UnsubscribeStopsDelivery(t *testing.T) {
	client := connectTestRedis(t)
	defer client.Close()

	bus := NewRedis(client, nil)
	defer bus.Close()

	calls := make(chan []byte, 1)
	sub, err := bus.Subscribe(context.Background(), "contentcore-test-topic-2", func(payload []byte) {
		calls <- payload
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, bus.Publish(context.Background(), "contentcore-test-topic-2", []byte("x")))

	select {
	case <-calls:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRedis_CloseIsIdempotent(t *testing.T) {
	client := connectTestRedis(t)
	defer client.Close()

	bus := NewRedis(client, nil)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
}
