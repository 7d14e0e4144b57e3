package state

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"repod/internal/backend"
)

// Lease pins a ready version instance for the duration of one inference
// request. Unload waits for outstanding leases to drain before the
// backend releases resources, so a slow request never observes a
// half-torn-down instance.
type Lease struct {
	ID uuid.UUID
	// Instance is the backend instance captured at acquisition; it stays
	// valid until Release even if the handle swaps instances mid-reload.
	Instance backend.Instance

	handle  *Handle
	release sync.Once
}

// Acquire returns a lease on the currently serving instance, failing when
// the version is not READY.
func (h *Handle) Acquire() (*Lease, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if VersionState(h.fsm.Current()) != StateReady || h.instance == nil {
		return nil, fmt.Errorf("version %d is not at ready state", h.Version)
	}
	h.leaseCount++
	return &Lease{ID: uuid.New(), Instance: h.instance, handle: h}, nil
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.release.Do(func() {
		l.handle.mu.Lock()
		l.handle.leaseCount--
		l.handle.mu.Unlock()
	})
}
