// ABOUTME: Tests for the app payload broadcaster
// ABOUTME: Covers fan-out delivery, unsubscription, and publish/unsubscribe races

package mesh

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mesh/internal/wire"
)

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(slog.Default())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)

	env, err := wire.New("agent-1", wire.KindAppPayload, 1, map[string]string{"task": "build"})
	require.NoError(t, err)
	b.Publish(env)

	for _, ch := range []<-chan wire.Envelope{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "agent-1", got.Sender)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the envelope")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(slog.Default())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, subID := b.Subscribe(ctx)
	b.Unsubscribe(subID)

	select {
	case _, open := <-ch:
		assert.False(t, open, "channel must be closed after unsubscription")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}

func TestPublishDuringUnsubscribeDoesNotPanic(t *testing.T) {
	b := NewBroadcaster(slog.Default())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var subIDs []string
	for i := 0; i < 50; i++ {
		_, subID := b.Subscribe(ctx)
		subIDs = append(subIDs, subID)
	}

	env, err := wire.New("agent-1", wire.KindAppPayload, 1, nil)
	require.NoError(t, err)

	// Hammer Publish while every subscription is torn down. A send on a
	// closed channel would panic here.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			b.Publish(env)
		}
	}()
	for _, subID := range subIDs {
		b.Unsubscribe(subID)
	}
	<-done
}
