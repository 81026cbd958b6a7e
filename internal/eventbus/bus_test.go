package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nondetchain/consensus-core/internal/domain"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := New(zap.NewNop())
	require.NoError(t, bus.Start())
	defer bus.Stop()

	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(Event{Name: "transaction_status_updated", TxHash: domain.Hash{0x01}})

	select {
	case evt := <-events:
		assert.Equal(t, "transaction_status_updated", evt.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusDropsForSlowSubscriberWithoutBlocking(t *testing.T) {
	bus := New(zap.NewNop())
	require.NoError(t, bus.Start())
	defer bus.Stop()

	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Name: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestBusStopClosesSubscriberChannels(t *testing.T) {
	bus := New(zap.NewNop())
	require.NoError(t, bus.Start())

	events, _ := bus.Subscribe()
	require.NoError(t, bus.Stop())

	_, open := <-events
	assert.False(t, open)
}

func TestBusDoubleStartErrors(t *testing.T) {
	bus := New(zap.NewNop())
	require.NoError(t, bus.Start())
	defer bus.Stop()
	assert.ErrorIs(t, bus.Start(), ErrBusAlreadyRunning)
}
