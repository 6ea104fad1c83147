package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Handler runs the server side of one accepted connection.
type Handler interface {
	ServeConn(context.Context, *Conn) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Conn) error

func (f HandlerFunc) ServeConn(ctx context.Context, conn *Conn) error {
	return f(ctx, conn)
}

// ServeOptions configures per-connection behavior for Serve.
type ServeOptions struct {
	ReadTimeout time.Duration
	// OnError observes handler errors; nil discards them.
	OnError func(net.Addr, error)
}

// Serve accepts TCP clients until context cancellation or listener close.
func Serve(ctx context.Context, listener net.Listener, handler Handler, opts ServeOptions) error {
	var wg sync.WaitGroup

	connCtx, cancelConns := context.WithCancel(ctx)
	defer cancelConns()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		raw, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				cancelConns()
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept connection: %w", err)
		}

		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			defer c.Close()

			stop := context.AfterFunc(connCtx, func() { _ = c.Close() })
			defer stop()

			if err := handler.ServeConn(connCtx, c); err != nil && opts.OnError != nil {
				opts.OnError(c.RemoteAddr(), err)
			}
		}(NewConn(raw, opts.ReadTimeout))
	}
}
