package transport

import (
	"context"
	"fmt"
	"net"
)

// Listener accepts byte streams for NewConn.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

type tcpListener struct {
	ln net.Listener
}

func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()
	c, err := l.ln.Accept()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return c, err
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tcpListener) Close() error   { return l.ln.Close() }

// Listen picks the listener for network "tcp" or "quic".
func Listen(network, addr string) (Listener, error) {
	switch network {
	case "", "tcp":
		return ListenTCP(addr)
	case "quic":
		return ListenQUIC(addr, nil)
	}
	return nil, fmt.Errorf("transport: unknown network %q", network)
}

// Dial connects over "tcp" or "quic".
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "", "tcp":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	case "quic":
		return DialQUIC(ctx, addr, nil)
	}
	return nil, fmt.Errorf("transport: unknown network %q", network)
}
