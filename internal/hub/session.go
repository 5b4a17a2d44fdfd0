package hub

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/codefionn/codehub/internal/consts"
	"github.com/codefionn/codehub/internal/logger"
	"github.com/codefionn/codehub/internal/rpc"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Session serves the calls of one connection
type Session struct {
	id        string
	server    *Server
	locator   ServiceLocator
	transport *rpc.Transport
	intent    ConnectionIntent
	// workerAddr is set at construction for worker peers and is the only key
	// used to unregister them.
	workerAddr string

	mu    sync.Mutex
	calls map[uint64]context.CancelFunc

	terminateOnce sync.Once
}

func newSession(id string, server *Server, transport *rpc.Transport, intent ConnectionIntent, workerAddr string) *Session {
	return &Session{
		id:         id,
		server:     server,
		locator:    server.locator,
		transport:  transport,
		intent:     intent,
		workerAddr: workerAddr,
		calls:      make(map[uint64]context.CancelFunc),
	}
}

// ID returns the connection id
func (s *Session) ID() string {
	return s.id
}

// WorkerAddr returns the registered worker address, empty for schedulers
func (s *Session) WorkerAddr() string {
	return s.workerAddr
}

// serve reads frames until the peer goes away or ctx ends, then cancels
// in-flight calls and terminates the session.
func (s *Session) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var inflight conc.WaitGroup
	sem := make(chan struct{}, s.server.opts.MaxInflight)

	defer func() {
		cancel()
		inflight.Wait()
		s.terminate()
		s.transport.Close()
		logger.Info("Hub session %s (%s) closed", s.id, s.intent.intentKind())
	}()

	for {
		f, err := s.transport.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug("Hub session %s: peer closed the connection", s.id)
			case ctx.Err() != nil:
				logger.Debug("Hub session %s: cancelled", s.id)
			default:
				logger.Warn("Hub session %s: transport error: %v", s.id, err)
			}
			return
		}

		switch f.Kind {
		case rpc.KindRequest:
			// With every slot taken the loop stops calling Recv, so the
			// end of the read side has to be watched here as well.
			select {
			case sem <- struct{}{}:
			case <-s.transport.ReadDone():
				logger.Debug("Hub session %s: connection ended with %d calls in flight", s.id, cap(sem))
				return
			case <-ctx.Done():
				return
			}

			callCtx, callCancel, ok := s.startCall(ctx, f.ID)
			if !ok {
				<-sem
				s.reply(ctx, rpc.NewErrorResponse(f.ID, rpc.Errorf(rpc.CodeInvalidParams, "request id %d is already in flight", f.ID)))
				continue
			}

			inflight.Go(func() {
				defer func() { <-sem }()
				defer s.finishCall(f.ID, callCancel)
				s.serveCall(callCtx, f)
			})

		case rpc.KindCancel:
			s.cancelCall(f.ID)

		case rpc.KindResponse:
			logger.Debug("Hub session %s: ignoring response %d", s.id, f.ID)
		}
	}
}

func (s *Session) serveCall(ctx context.Context, f *rpc.Frame) {
	op, ok := operations[f.Method]
	if !ok {
		s.reply(ctx, rpc.NewErrorResponse(f.ID, rpc.Errorf(rpc.CodeMethodNotFound, "unknown method %q", f.Method)))
		return
	}

	var (
		result any
		rerr   *rpc.Error
		pc     panics.Catcher
	)
	pc.Try(func() { result, rerr = op(ctx, s.locator, f.Params) })
	if r := pc.Recovered(); r != nil {
		logger.Error("Panic while serving %s on session %s: %v", f.Method, s.id, r.Value)
		rerr = rpc.Errorf(rpc.CodeInternal, "internal error serving %s", f.Method)
	}

	// Cancelled calls get no response.
	if ctx.Err() != nil {
		return
	}

	if rerr != nil {
		s.reply(ctx, rpc.NewErrorResponse(f.ID, rerr))
		return
	}
	resp, err := rpc.NewResponse(f.ID, result)
	if err != nil {
		logger.Error("Failed to encode %s result: %v", f.Method, err)
		resp = rpc.NewErrorResponse(f.ID, rpc.Errorf(rpc.CodeInternal, "failed to encode result"))
	}
	s.reply(ctx, resp)
}

func (s *Session) reply(ctx context.Context, f *rpc.Frame) {
	if err := s.transport.Send(ctx, f); err != nil {
		logger.Debug("Hub session %s: failed to send response %d: %v", s.id, f.ID, err)
	}
}

func (s *Session) startCall(parent context.Context, id uint64) (context.Context, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.calls[id]; dup {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.calls[id] = cancel
	return ctx, cancel, true
}

func (s *Session) finishCall(id uint64, cancel context.CancelFunc) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
	cancel()
}

func (s *Session) cancelCall(id uint64) {
	s.mu.Lock()
	cancel, ok := s.calls[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// terminate hands the worker's deregistration to the server's task group.
// It runs at most once per session however the connection ended, and is a
// no-op for the registry when a newer connection took over the address.
func (s *Session) terminate() {
	s.terminateOnce.Do(func() {
		s.server.untrack(s)
		if s.workerAddr == "" {
			return
		}
		addr := s.workerAddr
		s.server.tasks.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout10Seconds)
			defer cancel()
			if !s.server.owners.unregister(ctx, s.locator.Worker(), s.id, addr) {
				logger.Info("Worker %s is held by a newer connection, keeping it registered", addr)
				return
			}
			logger.Info("Unregistered worker %s", addr)
		})
	})
}
