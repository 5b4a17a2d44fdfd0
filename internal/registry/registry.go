// Package registry keeps the set of workers currently attached to the hub.
// The in-memory map is authoritative; every change is mirrored to the
// workers table so operators can inspect it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/codehub/internal/hub"
	"github.com/codefionn/codehub/internal/logger"
	"github.com/codefionn/codehub/internal/store"
)

// ErrClosed is returned by Register after Close
var ErrClosed = errors.New("registry closed")

const stripes = 64

// Store is the persistence the registry needs
type Store interface {
	ReadRegistrationToken(ctx context.Context) (string, error)
	ResetRegistrationToken(ctx context.Context) (string, error)
	UpsertWorker(ctx context.Context, w store.WorkerRow) error
	DeleteWorker(ctx context.Context, addr string) error
	ClearWorkers(ctx context.Context) error
}

// Registry implements hub.WorkerService
type Registry struct {
	store Store

	// Mutations of one address are serialized by its stripe so the map and
	// the table agree on the last write.
	locks [stripes]sync.Mutex

	mu      sync.RWMutex
	workers map[string]hub.Worker
	closed  bool
}

var _ hub.WorkerService = (*Registry)(nil)

// New creates an empty registry. Rows left over from a previous process are
// dropped since none of their connections survived.
func New(ctx context.Context, st Store) (*Registry, error) {
	if err := st.ClearWorkers(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear stale workers: %w", err)
	}
	return &Registry{
		store:   st,
		workers: make(map[string]hub.Worker),
	}, nil
}

func (r *Registry) stripe(addr string) *sync.Mutex {
	return &r.locks[xxhash.Sum64String(addr)%stripes]
}

// ReadRegistrationToken returns the current token, read fresh from the store
func (r *Registry) ReadRegistrationToken(ctx context.Context) (string, error) {
	return r.store.ReadRegistrationToken(ctx)
}

// ResetRegistrationToken rotates the token
func (r *Registry) ResetRegistrationToken(ctx context.Context) (string, error) {
	return r.store.ResetRegistrationToken(ctx)
}

// RegisterWorker adds w, replacing any entry with the same address. If the
// store write fails the registry is left unchanged.
func (r *Registry) RegisterWorker(ctx context.Context, w hub.Worker) error {
	lock := r.stripe(w.Addr)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if err := r.store.UpsertWorker(ctx, toRow(w)); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", w.Addr, err)
	}

	r.mu.Lock()
	_, replaced := r.workers[w.Addr]
	r.workers[w.Addr] = w
	r.mu.Unlock()

	if replaced {
		logger.Debug("Worker %s re-registered", w.Addr)
	}
	return nil
}

// UnregisterWorker removes addr. Unknown addresses are ignored and store
// errors are only logged.
func (r *Registry) UnregisterWorker(ctx context.Context, addr string) {
	lock := r.stripe(addr)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	delete(r.workers, addr)
	r.mu.Unlock()

	if err := r.store.DeleteWorker(ctx, addr); err != nil {
		logger.Warn("Failed to unregister worker %s: %v", addr, err)
	}
}

// ListWorkers returns the attached workers ordered by address
func (r *Registry) ListWorkers(_ context.Context) []hub.Worker {
	r.mu.RLock()
	out := make([]hub.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Get returns the worker registered at addr
func (r *Registry) Get(addr string) (hub.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[addr]
	return w, ok
}

// Len returns the number of attached workers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Close rejects further registrations and clears the mirrored rows
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.workers = make(map[string]hub.Worker)
	r.mu.Unlock()
	return r.store.ClearWorkers(ctx)
}

func toRow(w hub.Worker) store.WorkerRow {
	d := w.Descriptor
	return store.WorkerRow{
		Addr:         w.Addr,
		Kind:         string(d.Kind),
		Name:         d.Name,
		Device:       d.Device,
		Arch:         d.Arch,
		CPUInfo:      d.CPUInfo,
		CPUCount:     d.CPUCount,
		CUDADevices:  d.CUDADevices,
		RegisteredAt: w.RegisteredAt,
	}
}
