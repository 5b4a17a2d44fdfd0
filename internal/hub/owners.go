package hub

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const ownerStripes = 64

// workerOwners records which session holds each registered worker address.
// Registering and unregistering one address are serialized so that a session
// torn down late never removes the entry of a newer connection.
type workerOwners struct {
	stripes [ownerStripes]sync.Mutex

	mu     sync.Mutex
	owners map[string]string // address -> session id
}

func newWorkerOwners() *workerOwners {
	return &workerOwners{owners: make(map[string]string)}
}

func (o *workerOwners) stripe(addr string) *sync.Mutex {
	return &o.stripes[xxhash.Sum64String(addr)%ownerStripes]
}

// register stores w through ws and makes sessionID its owner
func (o *workerOwners) register(ctx context.Context, ws WorkerService, sessionID string, w Worker) error {
	lock := o.stripe(w.Addr)
	lock.Lock()
	defer lock.Unlock()

	if err := ws.RegisterWorker(ctx, w); err != nil {
		return err
	}
	o.mu.Lock()
	o.owners[w.Addr] = sessionID
	o.mu.Unlock()
	return nil
}

// unregister removes addr through ws if sessionID still owns it and reports
// whether it did.
func (o *workerOwners) unregister(ctx context.Context, ws WorkerService, sessionID, addr string) bool {
	lock := o.stripe(addr)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	if o.owners[addr] != sessionID {
		o.mu.Unlock()
		return false
	}
	delete(o.owners, addr)
	o.mu.Unlock()

	ws.UnregisterWorker(ctx, addr)
	return true
}
