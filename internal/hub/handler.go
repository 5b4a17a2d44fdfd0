package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/codehub/internal/consts"
	"github.com/codefionn/codehub/internal/logger"
	"github.com/codefionn/codehub/internal/rpc"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// handleConnect is the upgrade endpoint. Nothing is registered before the
// caller is authorized and its intent decoded.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()

	if err := Authorize(ctx, r, s.locator.Worker()); err != nil {
		logger.Warn("Rejected hub connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	intent, err := DecodeIntent(r.Header.Get(ConnectHeader))
	if err != nil {
		logger.Warn("Rejected hub connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.reserve(); err != nil {
		logger.Warn("Rejected hub connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	var workerAddr string
	if wi, ok := intent.(WorkerIntent); ok {
		ip, err := originIP(r)
		if err != nil {
			s.release()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		worker := NewWorker(ip, wi.Descriptor, time.Now().UTC())
		if err := s.owners.register(ctx, s.locator.Worker(), id, worker); err != nil {
			s.release()
			logger.Error("Failed to register worker %s: %v", worker.Addr, err)
			http.Error(w, "Failed to register worker", http.StatusInternalServerError)
			return
		}
		workerAddr = worker.Addr
		logger.Info("Registered %s worker %s (%s)", wi.Descriptor.Kind, worker.Addr, wi.Descriptor.Name)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn("Failed to upgrade hub connection from %s: %v", r.RemoteAddr, err)
		s.abort(id, workerAddr)
		return
	}

	sess := newSession(id, s, rpc.NewTransport(conn, s.opts.Transport), intent, workerAddr)
	if !s.start(sess) {
		sess.transport.Close()
		s.abort(id, workerAddr)
		return
	}
	logger.Info("Hub session %s (%s) opened from %s", sess.id, intent.intentKind(), r.RemoteAddr)
}

// abort undoes a registration whose session never started.
func (s *Server) abort(id, workerAddr string) {
	s.release()
	if workerAddr == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout10Seconds)
	defer cancel()
	s.owners.unregister(ctx, s.locator.Worker(), id, workerAddr)
}

func originIP(r *http.Request) (string, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", err
	}
	if host == "" {
		return "", errors.New("connection has no origin address")
	}
	return host, nil
}
