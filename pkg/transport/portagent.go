// Package transport connects to an instrument port agent and exposes its
// byte stream as an io.Reader. Connections are re-dialed with backoff; bytes
// from successive connections form one continuous stream.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

type PortAgent struct {
	addr         string
	reconnect    time.Duration
	reconnectMax time.Duration
	bufSize      int
	dialTimeout  time.Duration
	readTimeout  time.Duration
	errorHandler func(error)
	onConnect    func(addr string)

	pr *io.PipeReader
	pw *io.PipeWriter
}

type Option func(*PortAgent)

func WithReconnectInterval(d time.Duration) Option {
	return func(p *PortAgent) {
		if d > 0 {
			p.reconnect = d
		}
	}
}

func WithReconnectMax(d time.Duration) Option {
	return func(p *PortAgent) {
		if d > 0 {
			p.reconnectMax = d
		}
	}
}

func WithBufferSize(n int) Option {
	return func(p *PortAgent) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(p *PortAgent) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(p *PortAgent) {
		if d > 0 {
			p.readTimeout = d
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(p *PortAgent) {
		if fn != nil {
			p.errorHandler = fn
		}
	}
}

// WithConnectHandler is called after every successful dial.
func WithConnectHandler(fn func(addr string)) Option {
	return func(p *PortAgent) {
		if fn != nil {
			p.onConnect = fn
		}
	}
}

// StartPortAgent dials addr in the background. Reads return io.EOF once ctx
// ends or Close is called.
func StartPortAgent(ctx context.Context, addr string, opts ...Option) *PortAgent {
	pr, pw := io.Pipe()
	p := &PortAgent{
		addr:         addr,
		reconnect:    1 * time.Second,
		reconnectMax: 30 * time.Second,
		bufSize:      64 * 1024,
		dialTimeout:  5 * time.Second,
		pr:           pr,
		pw:           pw,
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run(ctx)
	return p
}

func (p *PortAgent) Read(b []byte) (int, error) {
	return p.pr.Read(b)
}

// Close stops delivery; the dial loop exits on its next write.
func (p *PortAgent) Close() error {
	return p.pr.Close()
}

func (p *PortAgent) run(ctx context.Context) {
	defer p.pw.Close()
	stop := context.AfterFunc(ctx, func() { _ = p.pw.Close() })
	defer stop()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		dialer := net.Dialer{Timeout: p.dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", p.addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.handleError(err)
			attempt++
			p.sleepBackoff(ctx, attempt)
			continue
		}
		if p.onConnect != nil {
			p.onConnect(p.addr)
		}

		attempt = 0
		err = p.handleConn(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
			return
		}
		if err != nil {
			p.handleError(err)
		}
		p.sleepBackoff(ctx, 1)
	}
}

func (p *PortAgent) handleConn(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, p.bufSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(p.readTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := p.pw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return err
		}
	}
}

func (p *PortAgent) sleepBackoff(ctx context.Context, attempt int) {
	wait := min(p.reconnect*time.Duration(attempt), p.reconnectMax)
	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()
}

func (p *PortAgent) handleError(err error) {
	if p.errorHandler != nil {
		p.errorHandler(err)
	}
}
