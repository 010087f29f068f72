// Package server answers block and RPC requests on blockwire connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"dev.c0redev.blockwire/internal/crypto"
	"dev.c0redev.blockwire/internal/proto"
	"dev.c0redev.blockwire/internal/store"
	"dev.c0redev.blockwire/internal/transport"
)

// RpcHandler answers an RpcRequest payload; an error becomes RpcFailure.
type RpcHandler func(ctx context.Context, payload []byte) ([]byte, error)

// OneWayHandler receives OneWayMessage payloads.
type OneWayHandler func(ctx context.Context, connID string, payload []byte)

// Options for New. Nil handlers: RPC echoes, one-way messages are logged.
type Options struct {
	Keys         *crypto.KeyRing
	RateLimit    float64
	RateBurst    int
	MaxFrameSize int64
	Rpc          RpcHandler
	OneWay       OneWayHandler
	Logger       *slog.Logger
	Metrics      *transport.Metrics
}

type Server struct {
	db      *store.DB
	opts    Options
	log     *slog.Logger
	codec   *proto.Codec
	streams *Streams
}

func New(db *store.DB, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Rpc == nil {
		opts.Rpc = func(_ context.Context, p []byte) ([]byte, error) { return p, nil }
	}
	return &Server{
		db:      db,
		opts:    opts,
		log:     log,
		codec:   proto.NewCodec(log),
		streams: NewStreams(),
	}
}

// Streams exposes the open-stream registry.
func (s *Server) Streams() *Streams { return s.streams }

// Serve accepts until ctx ends or the listener fails, then waits for all
// connections to finish.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			g.Go(func() error {
				s.ServeConn(ctx, nc)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ServeConn runs one connection to completion.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	opts := transport.Options{
		Codec:        s.codec,
		RateLimit:    s.opts.RateLimit,
		RateBurst:    s.opts.RateBurst,
		MaxFrameSize: s.opts.MaxFrameSize,
		Logger:       s.log,
		Metrics:      s.opts.Metrics,
	}
	if s.opts.Keys != nil {
		send, recv := s.opts.Keys.SendParams(), s.opts.Keys.RecvParams()
		opts.Send, opts.Recv = &send, &recv
	}
	c, err := transport.NewConn(nc, opts)
	if err != nil {
		s.log.Error("new conn", "error", err)
		nc.Close()
		return
	}
	defer c.Close()
	c.Logger().Info("conn open")

	err = c.ReadLoop(ctx, s.handle)
	dropped := s.streams.ConnClosed(c.ID())
	if err != nil && !errors.Is(err, transport.ErrClosed) && ctx.Err() == nil {
		c.Logger().Warn("conn closed", "error", err, "streams", dropped)
		return
	}
	c.Logger().Info("conn closed", "streams", dropped)
}

func (s *Server) handle(ctx context.Context, c *transport.Conn, m proto.Message) error {
	switch m := m.(type) {
	case *proto.OpenBlocks:
		return c.Send(ctx, s.openBlocks(c, m))
	case *proto.ChunkFetchRequest:
		return c.Send(ctx, s.fetchChunk(c, m))
	case *proto.RpcRequest:
		out, err := s.opts.Rpc(ctx, m.Payload)
		if err != nil {
			return c.Send(ctx, &proto.RpcFailure{RequestID: m.RequestID, Error: err.Error()})
		}
		resp := &proto.RpcResponse{RequestID: m.RequestID, Payload: out}
		if n, limit := proto.FrameSize(resp), proto.FrameLimit(s.opts.MaxFrameSize); n > limit {
			return c.Send(ctx, &proto.RpcFailure{RequestID: m.RequestID, Error: fmt.Sprintf("%v: response frame %d > %d", proto.ErrFrameTooLarge, n, limit)})
		}
		return c.Send(ctx, resp)
	case *proto.OneWayMessage:
		if s.opts.OneWay != nil {
			s.opts.OneWay(ctx, c.ID(), m.Payload)
		} else {
			c.Logger().Debug("one-way message", "bytes", len(m.Payload))
		}
		return nil
	default:
		c.Logger().Warn("unexpected message from client", "type", m.Type().String())
		return nil
	}
}

func (s *Server) openBlocks(c *transport.Conn, m *proto.OpenBlocks) proto.Message {
	blocks := make([]*store.Block, len(m.BlockIDs))
	missing := 0
	for i, id := range m.BlockIDs {
		b, err := s.db.BlockByID(m.AppID, id)
		if err != nil {
			c.Logger().Error("block lookup", "app", m.AppID, "block", id, "error", err)
		}
		if b == nil {
			missing++
		}
		blocks[i] = b
	}
	sid := s.streams.Register(c.ID(), m.AppID, m.BlockIDs, blocks)
	c.Logger().Debug("stream open", "stream", sid, "app", m.AppID, "blocks", len(blocks), "missing", missing)
	return &proto.StreamHandle{StreamID: sid, NumChunks: int32(len(blocks))}
}

func (s *Server) fetchChunk(c *transport.Conn, m *proto.ChunkFetchRequest) proto.Message {
	p, err := s.streams.Chunk(c.ID(), m.StreamChunkID)
	if err != nil {
		return &proto.ChunkFetchFailure{StreamChunkID: m.StreamChunkID, Error: err.Error()}
	}
	if limit := proto.MaxChunkSize(s.opts.MaxFrameSize); p.Length > limit {
		err := fmt.Errorf("%w: %d > %d bytes", ErrChunkTooLarge, p.Length, limit)
		c.Logger().Warn("chunk fetch", "chunk", m.StreamChunkID.String(), "error", err)
		return &proto.ChunkFetchFailure{StreamChunkID: m.StreamChunkID, Error: err.Error()}
	}
	return &proto.ChunkFetchSuccess{StreamChunkID: m.StreamChunkID, Body: p}
}
