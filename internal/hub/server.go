package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/codehub/internal/config"
	"github.com/codefionn/codehub/internal/consts"
	"github.com/codefionn/codehub/internal/logger"
	"github.com/codefionn/codehub/internal/rpc"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/sourcegraph/conc"
)

// Options configures a Server
type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	// MaxConnections bounds attached peers; further upgrades get 503
	MaxConnections int
	// MaxInflight bounds concurrently served calls per connection
	MaxInflight int
	// AdminToken enables the admin API when non-empty
	AdminToken string
	Transport  rpc.Options
}

// OptionsFromConfig maps the loaded configuration onto server options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxConnections:    cfg.Server.MaxConnections,
		MaxInflight:       cfg.Hub.MaxInflight,
		AdminToken:        cfg.Admin.Token,
		Transport: rpc.Options{
			MaxMessageSize: cfg.Hub.MaxMessageSize,
			PingInterval:   cfg.Hub.PingInterval,
			PongWait:       cfg.Hub.PongWait,
			WriteWait:      cfg.Hub.WriteWait,
		},
	}
}

// Server accepts hub connections and serves the admin API
type Server struct {
	locator    ServiceLocator
	opts       Options
	router     *httprouter.Router
	upgrader   websocket.Upgrader
	httpServer *http.Server

	baseCtx context.Context
	cancel  context.CancelFunc

	// tasks tracks session goroutines and their deregistrations
	tasks  conc.WaitGroup
	owners *workerOwners

	mu       sync.Mutex
	closed   bool
	slots    int // reserved by pending upgrades and live sessions
	sessions map[string]*Session
}

// NewServer creates a hub server for locator
func NewServer(locator ServiceLocator, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = consts.DefaultMaxConnections
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = consts.DefaultMaxInflight
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = consts.Timeout10Seconds
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		locator: locator,
		opts:    opts,
		router:  httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are processes, not browsers; the bearer token is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx:  ctx,
		cancel:   cancel,
		owners:   newWorkerOwners(),
		sessions: make(map[string]*Session),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.GET("/hub", s.handleConnect)
	s.router.GET("/health", s.handleHealth)

	s.router.GET("/api/workers", s.requireAdmin(s.handleListWorkers))
	s.router.POST("/api/registration-token/reset", s.requireAdmin(s.handleResetToken))
	s.router.GET("/api/jobs", s.requireAdmin(s.handleListJobs))
	s.router.GET("/api/jobs/:id", s.requireAdmin(s.handleGetJob))
	s.router.GET("/api/repositories", s.requireAdmin(s.handleListRepositories))
	s.router.POST("/api/repositories", s.requireAdmin(s.handleCreateRepository))
	s.router.DELETE("/api/repositories/:id", s.requireAdmin(s.handleDeleteRepository))
	s.router.POST("/api/documents", s.requireAdmin(s.handleIndexDocument))
}

// Handler returns the HTTP handler serving all routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on the configured address and serves until Shutdown
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves connections accepted from ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		ErrorLog:          logger.StdLogger(logger.Global(), slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	srv := s.httpServer
	s.mu.Unlock()

	logger.Info("Hub listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("hub server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, cancels every session and waits for
// sessions and worker deregistrations to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("sessions still running: %w", ctx.Err()))
	}
}

// SessionCount returns the number of attached peers
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// reserve claims a connection slot. It fails once the server is shutting
// down or every slot is taken.
func (s *Server) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return http.ErrServerClosed
	}
	if s.slots >= s.opts.MaxConnections {
		return fmt.Errorf("connection limit of %d reached", s.opts.MaxConnections)
	}
	s.slots++
	return nil
}

func (s *Server) release() {
	s.mu.Lock()
	s.slots--
	s.mu.Unlock()
}

// start serves sess on the reserved slot, which the session releases when it
// ends. It returns false if the server shut down meanwhile.
func (s *Server) start(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	s.tasks.Go(func() { sess.serve(s.baseCtx) })
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	if _, ok := s.sessions[sess.id]; ok {
		delete(s.sessions, sess.id)
		s.slots--
	}
	s.mu.Unlock()
}
