package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"repod/internal/backend"
)

// Defaults applied when the corresponding Options fields are unset.
const (
	defaultDrainTimeout = 30 * time.Second
	drainPollInterval   = 10 * time.Millisecond
)

// LoadFunc performs the backend load for a version and returns the
// servable instance. It runs to a terminal state; the context it receives
// is detached from caller cancellation.
type LoadFunc func(ctx context.Context) (backend.Instance, error)

// Options configures a Handle.
type Options struct {
	DrainTimeout time.Duration
	Logger       zerolog.Logger
}

// Handle owns the lifecycle of one (model, version). All state
// transitions are serialized behind its lock; State never blocks on an
// in-flight load or unload because backend calls run outside the lock.
type Handle struct {
	Model   string
	Version int64

	log          zerolog.Logger
	drainTimeout time.Duration

	mu          sync.Mutex
	fsm         *fsm.FSM
	reason      string
	instance    backend.Instance
	loadDone    chan struct{}
	loadErr     error
	fingerprint string
	leaseCount  int

	success atomic.Uint64
	failure atomic.Uint64
}

// NewHandle creates a handle in state UNKNOWN.
func NewHandle(model string, version int64, opts Options) *Handle {
	h := &Handle{
		Model:        model,
		Version:      version,
		log:          opts.Logger.With().Str("model", model).Int64("version", version).Logger(),
		drainTimeout: opts.DrainTimeout,
	}
	if h.drainTimeout <= 0 {
		h.drainTimeout = defaultDrainTimeout
	}
	h.fsm = newVersionFSM(func(from, to VersionState) {
		h.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("version state")
	})
	return h
}

// State returns the current lifecycle state. Short-held lock, never
// blocks on backend work.
func (h *Handle) State() VersionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return VersionState(h.fsm.Current())
}

// Reason returns the recorded failure reason when the state is
// UNAVAILABLE, empty otherwise.
func (h *Handle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Fingerprint returns the repository fingerprint recorded by the most
// recent load attempt. The manager compares it against fresh scans to
// decide whether a failed version is worth retrying.
func (h *Handle) Fingerprint() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fingerprint
}

// InFlight returns the number of outstanding leases.
func (h *Handle) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaseCount
}

// Load drives one load attempt. At most one attempt is in flight per
// handle: a concurrent call is coalesced onto the running attempt and
// returns its result once it reaches a terminal state.
//
// When the version is already READY this is a reload: the serving
// instance keeps answering requests for the whole window and is retired
// only after the replacement is READY, or torn down when the attempt
// fails and the version becomes UNAVAILABLE.
func (h *Handle) Load(ctx context.Context, fingerprint string, fn LoadFunc) error {
	h.mu.Lock()
	if h.loadDone != nil {
		done := h.loadDone
		h.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		h.mu.Lock()
		err := h.loadErr
		h.mu.Unlock()
		return err
	}

	cur := VersionState(h.fsm.Current())
	reload := cur == StateReady
	switch cur {
	case StateUnloading:
		h.mu.Unlock()
		return fmt.Errorf("model '%s' version %d is unloading", h.Model, h.Version)
	case StateReady:
		// Stay READY through the reload window.
	default:
		if cur == StateUnloaded {
			// Re-adding a previously removed version starts its
			// statistics fresh.
			h.success.Store(0)
			h.failure.Store(0)
		}
		if err := h.fsm.Event(context.Background(), eventLoad); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	done := make(chan struct{})
	h.loadDone = done
	h.mu.Unlock()

	// No mid-load cancellation: the attempt completes or fails even if
	// the requesting client goes away.
	inst, err := fn(context.WithoutCancel(ctx))

	h.mu.Lock()
	h.loadErr = err
	h.loadDone = nil
	h.fingerprint = fingerprint
	var retired backend.Instance
	if err == nil {
		retired = h.instance
		h.instance = inst
		h.reason = ""
		if !reload {
			_ = h.fsm.Event(context.Background(), eventLoadSucceeded)
		}
	} else {
		h.reason = err.Error()
		if reload {
			retired = h.instance
			h.instance = nil
			_ = h.fsm.Event(context.Background(), eventReloadFailed)
		} else {
			_ = h.fsm.Event(context.Background(), eventLoadFailed)
		}
	}
	h.mu.Unlock()
	close(done)

	if retired != nil {
		go h.retire(retired)
	}
	return err
}

// Unload transitions the version toward UNLOADED, waiting for any
// in-flight load to finish first and for all outstanding leases to drain
// before the backend is told to release resources. Unloading an already
// unloaded or unloading version is a no-op.
func (h *Handle) Unload(ctx context.Context) error {
	h.mu.Lock()
	if h.loadDone != nil {
		done := h.loadDone
		h.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		h.mu.Lock()
	}
	switch VersionState(h.fsm.Current()) {
	case StateUnloaded, StateUnloading:
		h.mu.Unlock()
		return nil
	}
	if err := h.fsm.Event(context.Background(), eventUnload); err != nil {
		h.mu.Unlock()
		return err
	}
	inst := h.instance
	h.instance = nil
	h.mu.Unlock()

	h.drainLeases()

	var err error
	if inst != nil {
		err = inst.Unload(context.WithoutCancel(ctx))
	}
	h.mu.Lock()
	_ = h.fsm.Event(context.Background(), eventUnloadDone)
	h.mu.Unlock()
	return err
}

// Fail marks a version UNAVAILABLE without a backend attempt. Used for
// configuration errors and ambiguity, where contacting the backend would
// be wrong.
func (h *Handle) Fail(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch VersionState(h.fsm.Current()) {
	case StateUnknown, StateUnloaded:
		_ = h.fsm.Event(context.Background(), eventLoad)
		_ = h.fsm.Event(context.Background(), eventLoadFailed)
	case StateReady:
		retired := h.instance
		h.instance = nil
		_ = h.fsm.Event(context.Background(), eventReloadFailed)
		if retired != nil {
			go h.retire(retired)
		}
	case StateUnavailable:
		// keep the newest reason below
	default:
		return
	}
	h.reason = reason
}

// RecordSuccess counts one successful inference against this version.
func (h *Handle) RecordSuccess() { h.success.Add(1) }

// RecordFailure counts one failed inference against this version.
func (h *Handle) RecordFailure() { h.failure.Add(1) }

// Stats returns the success and failure counters.
func (h *Handle) Stats() (success, failure uint64) {
	return h.success.Load(), h.failure.Load()
}

// drainLeases waits until no leases are outstanding or the drain timeout
// elapses.
func (h *Handle) drainLeases() {
	deadline := time.Now().Add(h.drainTimeout)
	for {
		h.mu.Lock()
		n := h.leaseCount
		h.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			h.log.Warn().Int("inflight", n).Msg("drain timeout, releasing with leases outstanding")
			return
		}
		time.Sleep(drainPollInterval)
	}
}

// retire releases a replaced instance once current leases drain. Requests
// admitted after the swap already hold the replacement, so waiting on the
// shared lease count only overshoots, never undershoots.
func (h *Handle) retire(inst backend.Instance) {
	h.drainLeases()
	if err := inst.Unload(context.Background()); err != nil {
		h.log.Warn().Err(err).Msg("retiring replaced instance")
	}
}
