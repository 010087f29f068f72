// Package client issues block and RPC requests over one blockwire connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"dev.c0redev.blockwire/internal/crypto"
	"dev.c0redev.blockwire/internal/proto"
	"dev.c0redev.blockwire/internal/transport"
)

var (
	ErrClosed = errors.New("client: connection closed")
	// ErrChunkFailure wraps the server's ChunkFetchFailure message.
	ErrChunkFailure = errors.New("client: chunk fetch failed")
	// ErrRpcFailure wraps the server's RpcFailure message.
	ErrRpcFailure = errors.New("client: rpc failed")
)

const dialTimeout = 10 * time.Second

// Options for Dial.
type Options struct {
	Network      string
	Keys         *crypto.KeyRing
	RateLimit    float64
	RateBurst    int
	MaxFrameSize int64
	Logger       *slog.Logger
	Metrics      *transport.Metrics
}

type chunkResult struct {
	body []byte
	err  error
}

type rpcResult struct {
	payload []byte
	err     error
}

// Client correlates responses with requests. StreamHandle carries no request
// id, so concurrent OpenBlocks calls are answered in send order.
type Client struct {
	conn *transport.Conn
	log  *slog.Logger
	g    *errgroup.Group

	mu      sync.Mutex
	opens   []chan *proto.StreamHandle
	chunks  map[proto.StreamChunkID]chan chunkResult
	rpcs    map[int64]chan rpcResult
	err     error
	openMu  sync.Mutex
	nextReq atomic.Int64
	cancel  context.CancelFunc
}

// Dial connects to addr and starts the response reader.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	nc, err := transport.Dial(dctx, opts.Network, addr)
	cancel()
	if err != nil {
		return nil, err
	}
	topts := transport.Options{
		RateLimit:    opts.RateLimit,
		RateBurst:    opts.RateBurst,
		MaxFrameSize: opts.MaxFrameSize,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	}
	if opts.Keys != nil {
		send, recv := opts.Keys.SendParams(), opts.Keys.RecvParams()
		topts.Send, topts.Recv = &send, &recv
	}
	c, err := transport.NewConn(nc, topts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return New(c), nil
}

// New takes over conn and reads responses from it in the background.
func New(conn *transport.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		log:    conn.Logger(),
		g:      new(errgroup.Group),
		chunks: make(map[proto.StreamChunkID]chan chunkResult),
		rpcs:   make(map[int64]chan rpcResult),
		cancel: cancel,
	}
	c.g.Go(func() error {
		err := conn.ReadLoop(ctx, c.dispatch)
		if err == nil || errors.Is(err, transport.ErrClosed) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			err = ErrClosed
		} else {
			err = fmt.Errorf("%w: %v", ErrClosed, err)
		}
		c.failAll(err)
		return nil
	})
	return c
}

func (c *Client) dispatch(_ context.Context, _ *transport.Conn, m proto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m := m.(type) {
	case *proto.StreamHandle:
		if len(c.opens) == 0 {
			c.log.Warn("unsolicited stream handle", "stream", m.StreamID)
			return nil
		}
		ch := c.opens[0]
		c.opens = c.opens[1:]
		ch <- m
	case *proto.ChunkFetchSuccess:
		if ch, ok := c.chunks[m.StreamChunkID]; ok {
			delete(c.chunks, m.StreamChunkID)
			ch <- chunkResult{body: m.Body.(proto.BytesPayload)}
		}
	case *proto.ChunkFetchFailure:
		if ch, ok := c.chunks[m.StreamChunkID]; ok {
			delete(c.chunks, m.StreamChunkID)
			ch <- chunkResult{err: fmt.Errorf("%w: %s: %s", ErrChunkFailure, m.StreamChunkID, m.Error)}
		}
	case *proto.RpcResponse:
		if ch, ok := c.rpcs[m.RequestID]; ok {
			delete(c.rpcs, m.RequestID)
			ch <- rpcResult{payload: m.Payload}
		}
	case *proto.RpcFailure:
		if ch, ok := c.rpcs[m.RequestID]; ok {
			delete(c.rpcs, m.RequestID)
			ch <- rpcResult{err: fmt.Errorf("%w: %s", ErrRpcFailure, m.Error)}
		}
	default:
		c.log.Debug("ignored message", "type", m.Type().String())
	}
	return nil
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	for _, ch := range c.opens {
		close(ch)
	}
	c.opens = nil
	for id, ch := range c.chunks {
		ch <- chunkResult{err: err}
		delete(c.chunks, id)
	}
	for id, ch := range c.rpcs {
		ch <- rpcResult{err: err}
		delete(c.rpcs, id)
	}
}

// OpenBlocks registers a stream over the given blocks.
func (c *Client) OpenBlocks(ctx context.Context, appID string, blockIDs []string) (*proto.StreamHandle, error) {
	ch := make(chan *proto.StreamHandle, 1)
	// queue order must match send order
	c.openMu.Lock()
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		c.openMu.Unlock()
		return nil, c.err
	}
	c.opens = append(c.opens, ch)
	c.mu.Unlock()
	err := c.conn.Send(ctx, &proto.OpenBlocks{AppID: appID, BlockIDs: blockIDs})
	if err != nil {
		c.forget(func() {
			if n := len(c.opens); n > 0 && c.opens[n-1] == ch {
				c.opens = c.opens[:n-1]
			}
		})
	}
	c.openMu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case h, ok := <-ch:
		if !ok {
			return nil, c.closedErr()
		}
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchChunk returns the chunk body. Only one fetch per chunk id may be in flight.
func (c *Client) FetchChunk(ctx context.Context, id proto.StreamChunkID) ([]byte, error) {
	ch := make(chan chunkResult, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	if _, dup := c.chunks[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: chunk %s already in flight", id)
	}
	c.chunks[id] = ch
	c.mu.Unlock()

	if err := c.conn.Send(ctx, &proto.ChunkFetchRequest{StreamChunkID: id}); err != nil {
		c.forget(func() { delete(c.chunks, id) })
		return nil, err
	}
	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		c.forget(func() { delete(c.chunks, id) })
		return nil, ctx.Err()
	}
}

// Rpc sends payload and waits for the matching response.
func (c *Client) Rpc(ctx context.Context, payload []byte) ([]byte, error) {
	id := c.nextReq.Inc()
	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.rpcs[id] = ch
	c.mu.Unlock()

	if err := c.conn.Send(ctx, &proto.RpcRequest{RequestID: id, Payload: payload}); err != nil {
		c.forget(func() { delete(c.rpcs, id) })
		return nil, err
	}
	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		c.forget(func() { delete(c.rpcs, id) })
		return nil, ctx.Err()
	}
}

// Send delivers a one-way message.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	if err := c.closedErr(); err != nil {
		return err
	}
	return c.conn.Send(ctx, &proto.OneWayMessage{Payload: payload})
}

func (c *Client) forget(f func()) {
	c.mu.Lock()
	f()
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and waits for the reader to stop.
func (c *Client) Close() error {
	c.cancel()
	err := c.conn.Close()
	c.g.Wait()
	return err
}
