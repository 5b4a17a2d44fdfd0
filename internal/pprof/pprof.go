// Package pprof exposes runtime profiles of a running hub.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"

	"github.com/codefionn/codehub/internal/logger"
	"github.com/julienschmidt/httprouter"
)

// Config selects which profilers run
type Config struct {
	// Addr serves /debug/pprof/* when non-empty, e.g. "localhost:6060"
	Addr string
	// CPUProfile is recorded from Start until Stop when non-empty
	CPUProfile string
}

// Profiler owns the debug listener and the CPU profile file
type Profiler struct {
	cfg Config

	mu      sync.Mutex
	server  *http.Server
	addr    net.Addr
	cpuFile *os.File
	stopped bool
}

// New returns an idle profiler
func New(cfg Config) *Profiler {
	return &Profiler{cfg: cfg}
}

// Router serves the net/http/pprof handlers under /debug/pprof
func Router() *httprouter.Router {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		router.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
	return router
}

// Start begins CPU profiling and binds the debug listener as configured
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.CPUProfile != "" {
		if err := os.MkdirAll(filepath.Dir(p.cfg.CPUProfile), 0755); err != nil {
			return fmt.Errorf("failed to create directory for CPU profile: %w", err)
		}
		f, err := os.Create(p.cfg.CPUProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		p.cpuFile = f
	}

	if p.cfg.Addr != "" {
		ln, err := net.Listen("tcp", p.cfg.Addr)
		if err != nil {
			p.stopCPU()
			return fmt.Errorf("failed to bind pprof listener: %w", err)
		}
		p.addr = ln.Addr()
		p.server = &http.Server{Handler: Router()}
		srv := p.server

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("pprof server: %v", err)
			}
		}()
		logger.Info("pprof listening on %s", ln.Addr())
	}
	return nil
}

// Addr returns the bound debug address, or nil when none is served
func (p *Profiler) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Stop flushes the CPU profile and closes the listener. It is safe to call twice.
func (p *Profiler) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	var errs []error
	if err := p.stopCPU(); err != nil {
		errs = append(errs, err)
	}
	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown pprof server: %w", err))
		}
		p.server = nil
	}
	return errors.Join(errs...)
}

func (p *Profiler) stopCPU() error {
	if p.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := p.cpuFile.Close()
	p.cpuFile = nil
	if err != nil {
		return fmt.Errorf("failed to close CPU profile: %w", err)
	}
	return nil
}
