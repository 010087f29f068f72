package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const quicIdleTimeout = 30 * time.Second

// streamConn wraps one QUIC stream as a net.Conn. Closing it closes the
// stream's send side and the QUIC connection that carries it.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error {
	err := c.Stream.Close()
	c.Stream.CancelRead(0)
	if cerr := c.conn.CloseWithError(0, ""); err == nil {
		err = cerr
	}
	return err
}

func quicConfig() *quic.Config {
	return &quic.Config{MaxIdleTimeout: quicIdleTimeout, KeepAlivePeriod: quicIdleTimeout / 3}
}

// DialQUIC opens a QUIC connection to addr with a single stream.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig == nil {
		tlsConfig = ClientTLS()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// quicListener accepts QUIC connections in the background and waits for each
// connection's first stream on its own goroutine. A stream only reaches the
// server once the peer writes to it, so an idle dialer must not hold up the
// connections behind it.
type quicListener struct {
	ln       *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	accepted chan net.Conn
	done     chan struct{}
	err      error
}

// ListenQUIC listens on addr; tlsConfig nil = fresh self-signed certificate.
// Each accepted QUIC connection yields its first stream.
func ListenQUIC(addr string, tlsConfig *tls.Config) (Listener, error) {
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = SelfSignedTLS(); err != nil {
			return nil, err
		}
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:       ln,
		ctx:      ctx,
		cancel:   cancel,
		accepted: make(chan net.Conn),
		done:     make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *quicListener) run() {
	defer close(l.done)
	for {
		qconn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) || l.ctx.Err() != nil {
				err = net.ErrClosed
			}
			l.err = err
			return
		}
		go l.firstStream(qconn)
	}
}

func (l *quicListener) firstStream(qconn *quic.Conn) {
	stream, err := qconn.AcceptStream(l.ctx)
	if err != nil {
		_ = qconn.CloseWithError(0, "")
		return
	}
	sc := &streamConn{Stream: stream, conn: qconn}
	select {
	case l.accepted <- sc:
	case <-l.ctx.Done():
		_ = sc.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.done:
		return nil, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error {
	l.cancel()
	return l.ln.Close()
}
