package events

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-server/internal/logging"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

func testBus(cacheSize int) *Bus {
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	return NewBus(cacheSize, log)
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := testBus(0)
	sub := bus.Subscribe(16)
	defer sub.Close()

	org := models.OrganizationID("Org")
	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), org, Pinged{Ping: string(rune('a' + i))})
	}

	for i := 0; i < 5; i++ {
		env := <-sub.C()
		require.Equal(t, org, env.Organization)
		require.Equal(t, string(rune('a'+i)), env.Event.(Pinged).Ping)
	}
}

func TestOverflowClosesSubscriber(t *testing.T) {
	bus := testBus(0)
	sub := bus.Subscribe(2)

	org := models.OrganizationID("Org")
	bus.Publish(context.Background(), org, Pinged{Ping: "1"})
	bus.Publish(context.Background(), org, Pinged{Ping: "2"})
	// Queue full: this one evicts the subscriber.
	bus.Publish(context.Background(), org, Pinged{Ping: "3"})

	var got []string
	for env := range sub.C() {
		got = append(got, env.Event.(Pinged).Ping)
	}
	// Channel closed after the buffered events: the subscriber knows it
	// lost events and must resynchronize.
	require.Equal(t, []string{"1", "2"}, got)

	// A late Close must not panic.
	sub.Close()
}

func TestReplayFromEventID(t *testing.T) {
	bus := testBus(0)
	org := models.OrganizationID("Org")

	var envs []*Envelope
	for i := 0; i < 10; i++ {
		envs = append(envs, bus.Publish(context.Background(), org, Pinged{Ping: string(rune('0' + i))}))
	}

	replayed, ok := bus.Replay(envs[4].ID)
	require.True(t, ok)
	require.Len(t, replayed, 5)
	for i, env := range replayed {
		require.Equal(t, envs[5+i].ID, env.ID)
	}

	_, ok = bus.Replay("not-a-cached-id")
	require.False(t, ok)
}

func TestReplayCacheEviction(t *testing.T) {
	bus := testBus(4)
	org := models.OrganizationID("Org")

	first := bus.Publish(context.Background(), org, Pinged{Ping: "first"})
	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), org, Pinged{Ping: "x"})
	}

	// The first event fell out of the bounded cache.
	_, ok := bus.Replay(first.ID)
	require.False(t, ok)
}
