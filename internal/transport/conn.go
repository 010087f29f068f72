// Package transport: one message stream per byte stream (TCP or QUIC), with
// optional segmented encryption per frame and a throttled outbound pump.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"dev.c0redev.blockwire/internal/crypto"
	"dev.c0redev.blockwire/internal/proto"
	"dev.c0redev.blockwire/internal/region"
)

var ErrClosed = errors.New("transport: connection closed")

const (
	readBufferSize = 64 << 10
	idleWait       = time.Millisecond
)

// Options for NewConn. Zero value: plaintext, unthrottled, default codec.
type Options struct {
	Codec *proto.Codec
	// Send and Recv enable the cipher for each direction independently.
	Send *crypto.Params
	Recv *crypto.Params
	// RateLimit caps outbound bytes per second (0 = unlimited).
	RateLimit    float64
	RateBurst    int
	MaxFrameSize int64
	Logger       *slog.Logger
	Metrics      *Metrics
}

// Handler receives inbound messages in arrival order.
type Handler func(ctx context.Context, c *Conn, m proto.Message) error

// Conn moves messages over one byte stream.
type Conn struct {
	id      string
	rw      io.ReadWriteCloser
	ch      region.Channel
	codec   *proto.Codec
	enc     *crypto.Encryptor
	recv    *crypto.Params
	max     int64
	log     *slog.Logger
	metrics *Metrics

	sendMu sync.Mutex
	closed atomic.Bool
	once   sync.Once
}

var defaultMetrics = NewMetrics(nil)

func NewConn(rw io.ReadWriteCloser, opts Options) (*Conn, error) {
	c := &Conn{
		id:      uuid.NewString(),
		rw:      rw,
		ch:      rw,
		codec:   opts.Codec,
		max:     opts.MaxFrameSize,
		metrics: opts.Metrics,
	}
	if c.codec == nil {
		c.codec = proto.NewCodec(opts.Logger)
	}
	if c.metrics == nil {
		c.metrics = defaultMetrics
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c.log = log.With("conn", c.id)
	if nc, ok := rw.(net.Conn); ok {
		c.log = c.log.With("remote", nc.RemoteAddr().String())
	}
	if opts.Send != nil {
		enc, err := crypto.NewEncryptor(*opts.Send)
		if err != nil {
			return nil, err
		}
		c.enc = enc
	}
	if opts.Recv != nil {
		// fail early on bad receive parameters
		if _, err := crypto.NewDecryptor(*opts.Recv, io.Discard); err != nil {
			return nil, err
		}
		p := *opts.Recv
		c.recv = &p
	}
	if opts.RateLimit > 0 {
		c.ch = NewThrottle(rw, opts.RateLimit, opts.RateBurst)
	}
	c.metrics.OpenConns.Inc()
	return c, nil
}

// ID is a random per-connection identifier used in logs.
func (c *Conn) ID() string { return c.id }

func (c *Conn) Logger() *slog.Logger { return c.log }

// Send encodes m and pumps it out. Sends are serialized; the encoded region
// is released on every return path.
func (c *Conn) Send(ctx context.Context, m proto.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	// the peer runs the same limit and drops the connection on a bigger frame
	if n, limit := proto.FrameSize(m), proto.FrameLimit(c.max); n > limit {
		return fmt.Errorf("send %s: %w: %d > %d", m.Type(), proto.ErrFrameTooLarge, n, limit)
	}
	r, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	if c.enc != nil {
		er, err := c.enc.Encrypt(r)
		if err != nil {
			r.Release()
			return err
		}
		r = er
	}
	defer r.Release()

	if err := c.pump(ctx, r); err != nil {
		if r.Transferred() > 0 {
			// the peer saw part of a frame; the stream cannot be resynchronized
			c.Close()
		}
		return fmt.Errorf("send %s: %w", m.Type(), err)
	}
	c.metrics.FramesSent.WithLabelValues(m.Type().String()).Inc()
	return nil
}

// pump calls TransferTo until r is complete, waiting whenever the channel
// takes nothing.
func (c *Conn) pump(ctx context.Context, r region.Region) error {
	for !region.Done(r) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.closed.Load() {
			return ErrClosed
		}
		n, err := r.TransferTo(c.ch)
		c.metrics.BytesSent.Add(float64(n))
		if err != nil {
			return err
		}
		if n == 0 {
			if err := c.wait(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) wait(ctx context.Context) error {
	if w, ok := c.ch.(interface{ Wait(context.Context) error }); ok {
		return w.Wait(ctx)
	}
	t := time.NewTimer(idleWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReadLoop reads until EOF, error or ctx cancellation, handing each message to
// h. Undecodable frames are logged and skipped; cipher errors end the loop.
func (c *Conn) ReadLoop(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	frames := proto.NewFrameDecoder(c.codec, c.max, func(m proto.Message) error {
		c.metrics.FramesReceived.WithLabelValues(m.Type().String()).Inc()
		return h(ctx, c, m)
	})
	frames.OnBadFrame = func(err error) {
		c.metrics.BadFrames.Inc()
		c.log.Warn("drop frame", "error", err)
	}

	var sink io.Writer = frames
	var chain *crypto.Chain
	if c.recv != nil {
		var err error
		if chain, err = crypto.NewChain(*c.recv, frames); err != nil {
			return err
		}
		sink = chain
		defer chain.Close()
	}

	buf := make([]byte, readBufferSize)
	for {
		n, rerr := c.rw.Read(buf)
		if n > 0 {
			c.metrics.BytesReceived.Add(float64(n))
			if _, err := sink.Write(buf[:n]); err != nil {
				if isCipherError(err) {
					c.metrics.CipherFailures.Inc()
					c.log.Error("cipher stream", "error", err)
				}
				c.Close()
				return err
			}
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(rerr, io.EOF) {
			if chain != nil {
				if err := chain.Close(); err != nil {
					c.metrics.CipherFailures.Inc()
					return err
				}
			}
			if frames.Pending() {
				return fmt.Errorf("transport: %w mid-frame", io.ErrUnexpectedEOF)
			}
			return nil
		}
		if c.closed.Load() {
			return ErrClosed
		}
		return rerr
	}
}

func isCipherError(err error) bool {
	return errors.Is(err, crypto.ErrAuthenticationSetup) ||
		errors.Is(err, crypto.ErrAuthenticationFailure) ||
		errors.Is(err, crypto.ErrLengthOverrun)
}

// Close closes the byte stream. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		c.metrics.OpenConns.Dec()
		err = c.rw.Close()
	})
	return err
}
