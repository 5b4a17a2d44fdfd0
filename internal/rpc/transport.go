package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/codefionn/codehub/internal/consts"
	"github.com/codefionn/codehub/internal/logger"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned once the transport has been closed locally
var ErrClosed = errors.New("rpc: transport closed")

// Options tunes a Transport
type Options struct {
	// Maximum frame size accepted from the peer
	MaxMessageSize int64
	// Send pings to peer with this period. Must be less than PongWait.
	PingInterval time.Duration
	// Time allowed to read the next frame or pong from the peer
	PongWait time.Duration
	// Time allowed to write a frame to the peer
	WriteWait time.Duration
	// Depth of the inbound and outbound queues
	Buffer int
}

// DefaultOptions returns the transport defaults
func DefaultOptions() Options {
	return Options{
		MaxMessageSize: consts.DefaultMaxMessageSize,
		PingInterval:   consts.DefaultPingInterval,
		PongWait:       consts.DefaultPongWait,
		WriteWait:      consts.DefaultWriteWait,
		Buffer:         consts.DefaultFrameBuffer,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.Buffer <= 0 {
		o.Buffer = d.Buffer
	}
	return o
}

// Transport turns a WebSocket connection into a duplex stream of frames.
//
// Inbound frames are delivered by Recv and outbound frames accepted by Send.
// Both queues are bounded: a slow consumer stalls the read pump, which stops
// reading from the socket, and a slow peer makes Send block. When the peer
// closes, Recv returns io.EOF while Send keeps working until Close.
type Transport struct {
	conn *websocket.Conn
	opts Options

	inbound  chan *Frame
	outbound chan []byte
	readErr  error // written before inbound is closed

	closeOnce sync.Once
	closing   chan struct{}
	readDone  chan struct{}
	done      chan struct{}
}

// NewTransport starts the read and write pumps for conn. The transport owns
// conn from here on.
func NewTransport(conn *websocket.Conn, opts Options) *Transport {
	opts = opts.withDefaults()
	t := &Transport{
		conn:     conn,
		opts:     opts,
		inbound:  make(chan *Frame, opts.Buffer),
		outbound: make(chan []byte, opts.Buffer),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go t.readPump()
	go t.writePump()

	return t
}

// RemoteAddr returns the peer's network address
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Recv returns the next inbound frame. It returns io.EOF after the peer
// closed the connection cleanly, ErrClosed after Close, and the transport
// error otherwise.
func (t *Transport) Recv(ctx context.Context) (*Frame, error) {
	select {
	case f, ok := <-t.inbound:
		if !ok {
			return nil, t.readErr
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send queues f for the write pump, blocking while the queue is full.
func (t *Transport) Send(ctx context.Context, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	select {
	case <-t.closing:
		return ErrClosed
	default:
	}

	select {
	case t.outbound <- data:
		return nil
	case <-t.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued frames, sends a close message and releases the
// connection. It is safe to call more than once.
func (t *Transport) Close() error {
	t.markClosing()
	<-t.done
	return nil
}

// ReadDone is closed once the read pump has stopped, after the peer closed the
// connection, the socket failed or Close was called. Frames still queued for
// Recv remain readable.
func (t *Transport) ReadDone() <-chan struct{} {
	return t.readDone
}

// Done is closed once the underlying connection has been released
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) markClosing() {
	t.closeOnce.Do(func() { close(t.closing) })
}

// readPump pumps frames from the WebSocket connection into the inbound queue
func (t *Transport) readPump() {
	defer close(t.readDone)
	defer close(t.inbound)

	t.conn.SetReadLimit(t.opts.MaxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	})

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.readErr = t.classifyReadError(err)
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))

		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("Dropping malformed frame from %s: %v", t.conn.RemoteAddr(), err)
			continue
		}
		if err := f.validate(); err != nil {
			logger.Warn("Dropping invalid frame from %s: %v", t.conn.RemoteAddr(), err)
			continue
		}

		select {
		case t.inbound <- &f:
		case <-t.closing:
			t.readErr = ErrClosed
			return
		}
	}
}

func (t *Transport) classifyReadError(err error) error {
	select {
	case <-t.closing:
		return ErrClosed
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Debug("Connection %s closed unexpectedly: %v", t.conn.RemoteAddr(), err)
	}
	return err
}

// writePump pumps frames from the outbound queue to the WebSocket connection
func (t *Transport) writePump() {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer func() {
		ticker.Stop()
		t.markClosing()
		t.conn.Close()
		close(t.done)
	}()

	for {
		select {
		case data := <-t.outbound:
			if err := t.write(websocket.BinaryMessage, data); err != nil {
				logger.Debug("Failed to write frame to %s: %v", t.conn.RemoteAddr(), err)
				return
			}

		case <-ticker.C:
			if err := t.write(websocket.PingMessage, nil); err != nil {
				logger.Debug("Failed to ping %s: %v", t.conn.RemoteAddr(), err)
				return
			}

		case <-t.closing:
			t.flush()
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(t.opts.WriteWait))
			return
		}
	}
}

// flush writes whatever is still queued without waiting for more.
func (t *Transport) flush() {
	for {
		select {
		case data := <-t.outbound:
			if err := t.write(websocket.BinaryMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *Transport) write(msgType int, data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(msgType, data)
}
