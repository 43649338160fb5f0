// Package client is the session-side library for talking to a quarry
// server: submitting graphs, pinning and releasing objects, and waiting
// for results.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrylab/quarry/internal/protocol"
)

var (
	ErrClosed      = errors.New("client: connection closed")
	ErrCallTimeout = errors.New("client: call timed out")
)

// ServerError is a negative reply from the server, carrying its
// protocol error code.
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server error %d: %s", e.Code, e.Message)
}

const callTimeout = 30 * time.Second

// Client owns one control connection. A background read loop routes
// responses to in-flight calls and Notify pushes to registered watches.
type Client struct {
	log  zerolog.Logger
	nc   net.Conn
	conn *protocol.Conn

	mu      sync.Mutex
	calls   map[uint64]chan protocol.Envelope
	watches map[string]chan protocol.Notify
	err     error

	done chan struct{}
}

// Connect dials the server's control address.
func Connect(ctx context.Context, addr string, log zerolog.Logger) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return NewClient(nc, log), nil
}

// NewClient wraps an established connection; useful for tests.
func NewClient(nc net.Conn, log zerolog.Logger) *Client {
	c := &Client{
		log:     log.With().Str("component", "client").Logger(),
		nc:      nc,
		conn:    protocol.NewConn(nc),
		calls:   make(map[uint64]chan protocol.Envelope),
		watches: make(map[string]chan protocol.Notify),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		env, err := c.conn.Receive()
		if err != nil {
			c.mu.Lock()
			c.err = err
			for _, ch := range c.watches {
				close(ch)
			}
			c.watches = make(map[string]chan protocol.Notify)
			c.mu.Unlock()
			close(c.done)
			return
		}
		if env.IsResponse {
			c.mu.Lock()
			ch, ok := c.calls[env.MessageID]
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		if n, ok := env.Msg.(*protocol.Notify); ok {
			c.mu.Lock()
			ch, ok := c.watches[watchKey(n.Session, n.Object)]
			if ok {
				delete(c.watches, watchKey(n.Session, n.Object))
			}
			c.mu.Unlock()
			if ok {
				ch <- *n
				close(ch)
			}
			continue
		}
		c.log.Warn().Uint16("type", env.Type).Msg("unexpected push from server")
	}
}

func watchKey(session, object string) string { return session + "/" + object }

func (c *Client) call(ctx context.Context, msg any) (protocol.Envelope, error) {
	ch := make(chan protocol.Envelope, 1)
	id, err := c.conn.Send(msg)
	if err != nil {
		return protocol.Envelope{}, err
	}
	c.mu.Lock()
	c.calls[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
	}()

	select {
	case env := <-ch:
		if reply, ok := env.Msg.(*protocol.ErrorReply); ok {
			return env, &ServerError{Code: reply.Code, Message: reply.Message}
		}
		return env, nil
	case <-c.done:
		return protocol.Envelope{}, ErrClosed
	case <-time.After(callTimeout):
		return protocol.Envelope{}, ErrCallTimeout
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Submit sends one graph batch. An empty session asks the server to
// open a fresh one; the minted id comes back in the result.
func (c *Client) Submit(ctx context.Context, session string, tasks []protocol.TaskSpec, objects []protocol.ObjectSpec) (*protocol.SubmitResult, error) {
	env, err := c.call(ctx, protocol.SubmitGraph{Session: session, Tasks: tasks, Objects: objects})
	if err != nil {
		return nil, err
	}
	res, ok := env.Msg.(*protocol.SubmitResult)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected reply %T", protocol.ErrInvalidMessage, env.Msg)
	}
	return res, nil
}

// Keep pins an object against garbage collection.
func (c *Client) Keep(ctx context.Context, session, objectID string) error {
	_, err := c.call(ctx, protocol.KeepObject{Session: session, ID: objectID})
	return err
}

// Release drops a pin; an unconsumed object may be collected at once.
func (c *Client) Release(ctx context.Context, session, objectID string) error {
	_, err := c.call(ctx, protocol.ReleaseObject{Session: session, ID: objectID})
	return err
}

// WaitFor blocks until every named object resolves, returning one
// Notify per object. Objects already resolved answer immediately.
func (c *Client) WaitFor(ctx context.Context, session string, objects []string) (map[string]protocol.Notify, error) {
	chans := make(map[string]chan protocol.Notify, len(objects))
	c.mu.Lock()
	for _, id := range objects {
		ch := make(chan protocol.Notify, 1)
		chans[id] = ch
		c.watches[watchKey(session, id)] = ch
	}
	c.mu.Unlock()

	if _, err := c.call(ctx, protocol.WaitFor{Session: session, Objects: objects}); err != nil {
		c.mu.Lock()
		for _, id := range objects {
			delete(c.watches, watchKey(session, id))
		}
		c.mu.Unlock()
		return nil, err
	}

	out := make(map[string]protocol.Notify, len(objects))
	for id, ch := range chans {
		select {
		case n, ok := <-ch:
			if !ok {
				return nil, ErrClosed
			}
			out[id] = n
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// CloseSession cancels a session's pending work and frees its objects.
func (c *Client) CloseSession(ctx context.Context, session string) error {
	_, err := c.call(ctx, protocol.CloseSession{Session: session})
	return err
}

// Close tears down the connection. Sessions opened here are closed by
// the server as a consequence.
func (c *Client) Close() error {
	err := c.nc.Close()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return err
}
