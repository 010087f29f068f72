package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dev.c0redev.blockwire/internal/proto"
	"dev.c0redev.blockwire/internal/transport"
)

// peer answers requests with the given function from its read loop.
func peer(t *testing.T, answer func(ctx context.Context, c *transport.Conn, m proto.Message) error) *Client {
	t.Helper()
	a, b := net.Pipe()
	srv, err := transport.NewConn(b, transport.Options{})
	require.NoError(t, err)
	go srv.ReadLoop(context.Background(), answer)
	t.Cleanup(func() { srv.Close() })

	cc, err := transport.NewConn(a, transport.Options{})
	require.NoError(t, err)
	c := New(cc)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRpcOutOfOrderReplies(t *testing.T) {
	var held *proto.RpcRequest
	c := peer(t, func(ctx context.Context, conn *transport.Conn, m proto.Message) error {
		req := m.(*proto.RpcRequest)
		if held == nil {
			held = req
			return nil
		}
		// answer the second request first
		if err := conn.Send(ctx, &proto.RpcResponse{RequestID: req.RequestID, Payload: req.Payload}); err != nil {
			return err
		}
		return conn.Send(ctx, &proto.RpcResponse{RequestID: held.RequestID, Payload: held.Payload})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first := make(chan []byte, 1)
	go func() {
		out, err := c.Rpc(ctx, []byte("one"))
		if err != nil {
			out = nil
		}
		first <- out
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.rpcs) == 1
	}, time.Second, time.Millisecond)

	out, err := c.Rpc(ctx, []byte("two"))
	require.NoError(t, err)
	require.Equal(t, "two", string(out))
	require.Equal(t, "one", string(<-first))
}

func TestOpenBlocksInSendOrder(t *testing.T) {
	next := int64(100)
	c := peer(t, func(ctx context.Context, conn *transport.Conn, m proto.Message) error {
		ob := m.(*proto.OpenBlocks)
		next++
		return conn.Send(ctx, &proto.StreamHandle{StreamID: next, NumChunks: int32(len(ob.BlockIDs))})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 1; i <= 3; i++ {
		h, err := c.OpenBlocks(ctx, "app", make([]string, i))
		require.NoError(t, err)
		require.Equal(t, int64(100+i), h.StreamID)
		require.Equal(t, int32(i), h.NumChunks)
	}
}

func TestChunkFailureAndSuccess(t *testing.T) {
	c := peer(t, func(ctx context.Context, conn *transport.Conn, m proto.Message) error {
		id := m.(*proto.ChunkFetchRequest).StreamChunkID
		if id.ChunkIndex == 0 {
			return conn.Send(ctx, &proto.ChunkFetchSuccess{StreamChunkID: id, Body: proto.BytesPayload("data")})
		}
		return conn.Send(ctx, &proto.ChunkFetchFailure{StreamChunkID: id, Error: "gone"})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := c.FetchChunk(ctx, proto.StreamChunkID{StreamID: 1})
	require.NoError(t, err)
	require.Equal(t, "data", string(b))
	_, err = c.FetchChunk(ctx, proto.StreamChunkID{StreamID: 1, ChunkIndex: 1})
	require.ErrorIs(t, err, ErrChunkFailure)
	require.Contains(t, err.Error(), "gone")
}

func TestPendingCallsFailOnClose(t *testing.T) {
	got := make(chan struct{})
	c := peer(t, func(context.Context, *transport.Conn, proto.Message) error {
		close(got)
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := c.Rpc(ctx, []byte("never answered"))
		errc <- err
	}()
	<-got
	require.NoError(t, c.Close())
	require.ErrorIs(t, <-errc, ErrClosed)

	_, err := c.Rpc(ctx, nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.OpenBlocks(ctx, "app", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.Send(ctx, nil), ErrClosed)
}
