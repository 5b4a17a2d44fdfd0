package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/codefionn/codehub/internal/consts"
	"github.com/codefionn/codehub/internal/logger"
)

// Caller issues requests over a Transport and matches responses by id.
// It serves no methods itself: requests from the peer are answered with
// method_not_found.
type Caller struct {
	t      *Transport
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *Frame // nil once the read loop has stopped
	err     error

	closed chan struct{}
}

// NewCaller starts reading responses from t
func NewCaller(t *Transport) *Caller {
	c := &Caller{
		t:       t,
		pending: make(map[uint64]chan *Frame),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends method with params and decodes the response into result, which
// may be nil. If ctx ends first a cancel frame is sent and ctx.Err() returned.
func (c *Caller) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *Frame, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return c.closedErr()
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.t.Send(ctx, req); err != nil {
		c.forget(id)
		return err
	}

	select {
	case resp := <-ch:
		return decodeResult(method, resp, result)

	case <-ctx.Done():
		c.forget(id)
		sendCtx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
		defer cancel()
		if err := c.t.Send(sendCtx, NewCancel(id)); err != nil {
			logger.Debug("Failed to send cancel for %s (%d): %v", method, id, err)
		}
		return ctx.Err()

	case <-c.closed:
		select {
		case resp := <-ch:
			return decodeResult(method, resp, result)
		default:
		}
		return c.closedErr()
	}
}

// Close closes the underlying transport
func (c *Caller) Close() error {
	return c.t.Close()
}

// Done is closed when no more responses can arrive
func (c *Caller) Done() <-chan struct{} {
	return c.closed
}

func (c *Caller) forget(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Caller) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil || c.err == ErrClosed {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}

func (c *Caller) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		c.pending = nil
		c.mu.Unlock()
		close(c.closed)
	}()

	for {
		var f *Frame
		f, err = c.t.Recv(context.Background())
		if err != nil {
			return
		}

		switch f.Kind {
		case KindResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if !ok {
				logger.Debug("Dropping response for unknown call %d", f.ID)
				continue
			}
			ch <- f

		case KindRequest:
			resp := NewErrorResponse(f.ID, Errorf(CodeMethodNotFound, "method %q is not served here", f.Method))
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
				defer cancel()
				_ = c.t.Send(ctx, resp)
			}()

		case KindCancel:
		}
	}
}

func decodeResult(method string, resp *Frame, result any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
