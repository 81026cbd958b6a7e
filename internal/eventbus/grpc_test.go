package eventbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nondetchain/consensus-core/internal/domain"
)

func TestGRPCStreamRelaysPublishedEvents(t *testing.T) {
	bus := New(zap.NewNop())
	require.NoError(t, bus.Start())
	defer bus.Stop()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer()
	NewGRPCServer(bus).Register(server)
	go server.Serve(lis)
	defer server.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received, err := StreamClient(ctx, NewEventServiceClient(conn))
	require.NoError(t, err)

	// Give the server goroutine time to register the subscription before
	// publishing, since StreamEvents subscribes asynchronously from the
	// client's point of view.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(Event{
		Name:    "transaction_status_updated",
		TxHash:  domain.Hash{0x42},
		Account: domain.Address{0x07},
		Data:    map[string]any{"new_status": "ACCEPTED"},
	})

	select {
	case evt := <-received:
		assert.Equal(t, "transaction_status_updated", evt.Name)
		assert.Equal(t, domain.Hash{0x42}, evt.TxHash)
		assert.Equal(t, "ACCEPTED", evt.Data["new_status"])
	case <-ctx.Done():
		t.Fatal("timed out waiting for streamed event")
	}
}
