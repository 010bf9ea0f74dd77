package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/streamweave/backend/internal/models"
)

func TestBusFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(16)
	go bus.Run(ctx)

	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)

	sid := uuid.New()
	bus.Publish(New(models.EventSessionStarted, sid, nil))

	for _, ch := range []<-chan models.Event{a, b} {
		select {
		case e := <-ch:
			require.Equal(t, models.EventSessionStarted, e.Type)
			require.Equal(t, sid, e.SessionID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	cancelB()
	_, open := <-b
	require.False(t, open)

	bus.Publish(New(models.EventSessionEnded, sid, nil))
	select {
	case e := <-a:
		require.Equal(t, models.EventSessionEnded, e.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second event")
	}
}

func TestBusStopClosesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus(4)
	stopped := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(stopped)
	}()

	ch, _ := bus.Subscribe(1)
	cancel()
	<-stopped

	_, open := <-ch
	require.False(t, open)

	late, _ := bus.Subscribe(1)
	_, open = <-late
	require.False(t, open)
}

func TestDiscard(t *testing.T) {
	Discard.Publish(New(models.EventViewerJoined, uuid.New(), nil))
}
