package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"repod/internal/backend"
	"repod/pkg/types"
)

// fakeInstance records whether it was unloaded.
type fakeInstance struct {
	id       int
	unloaded atomic.Bool
}

func (f *fakeInstance) Infer(context.Context, *types.InferRequest) (*types.InferResponse, error) {
	return &types.InferResponse{}, nil
}

func (f *fakeInstance) Unload(context.Context) error {
	f.unloaded.Store(true)
	return nil
}

func newTestHandle() *Handle {
	return NewHandle("m", 1, Options{DrainTimeout: 500 * time.Millisecond})
}

func loadOK(inst backend.Instance) LoadFunc {
	return func(context.Context) (backend.Instance, error) { return inst, nil }
}

func TestInitialStateUnknown(t *testing.T) {
	h := newTestHandle()
	if got := h.State(); got != StateUnknown {
		t.Fatalf("state: %s", got)
	}
}

func TestLoadSuccessReachesReady(t *testing.T) {
	h := newTestHandle()
	if err := h.Load(context.Background(), "fp1", loadOK(&fakeInstance{id: 1})); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := h.State(); got != StateReady {
		t.Fatalf("state: %s", got)
	}
	if h.Reason() != "" {
		t.Fatalf("reason should be empty, got %q", h.Reason())
	}
	if h.Fingerprint() != "fp1" {
		t.Fatalf("fingerprint: %q", h.Fingerprint())
	}
}

func TestLoadFailureRecordsReason(t *testing.T) {
	h := newTestHandle()
	boom := errors.New("no CUDA device")
	err := h.Load(context.Background(), "fp", func(context.Context) (backend.Instance, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err: %v", err)
	}
	if got := h.State(); got != StateUnavailable {
		t.Fatalf("state: %s", got)
	}
	if h.Reason() != "no CUDA device" {
		t.Fatalf("reason: %q", h.Reason())
	}
}

func TestConcurrentLoadsCoalesce(t *testing.T) {
	h := newTestHandle()
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context) (backend.Instance, error) {
		calls.Add(1)
		close(started)
		<-release
		return &fakeInstance{}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.Load(context.Background(), "fp", slow)
	}()
	<-started

	// Second caller must not spawn a second backend load, but must wait
	// for the in-flight attempt to finish.
	wg.Add(1)
	var secondErr error
	go func() {
		defer wg.Done()
		secondErr = h.Load(context.Background(), "fp", slow)
	}()

	time.Sleep(20 * time.Millisecond)
	if got := h.State(); got != StateLoading {
		t.Fatalf("state during load: %s", got)
	}
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("backend called %d times, want 1", calls.Load())
	}
	if secondErr != nil {
		t.Fatalf("coalesced caller: %v", secondErr)
	}
	if got := h.State(); got != StateReady {
		t.Fatalf("state: %s", got)
	}
}

func TestReloadKeepsServingUntilReplacementReady(t *testing.T) {
	h := newTestHandle()
	first := &fakeInstance{id: 1}
	if err := h.Load(context.Background(), "fp1", loadOK(first)); err != nil {
		t.Fatalf("load: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- h.Load(context.Background(), "fp2", func(context.Context) (backend.Instance, error) {
			close(started)
			<-release
			return &fakeInstance{id: 2}, nil
		})
	}()
	<-started

	// The old instance answers requests throughout the reload window.
	if got := h.State(); got != StateReady {
		t.Fatalf("state during reload: %s", got)
	}
	lease, err := h.Acquire()
	if err != nil {
		t.Fatalf("acquire during reload: %v", err)
	}
	if lease.Instance.(*fakeInstance).id != 1 {
		t.Fatalf("lease should pin the serving instance")
	}
	lease.Release()

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := h.State(); got != StateReady {
		t.Fatalf("state after reload: %s", got)
	}
	lease2, err := h.Acquire()
	if err != nil {
		t.Fatalf("acquire after reload: %v", err)
	}
	if lease2.Instance.(*fakeInstance).id != 2 {
		t.Fatalf("expected swapped instance")
	}
	lease2.Release()

	// The replaced instance is retired once leases drain.
	deadline := time.Now().Add(time.Second)
	for !first.unloaded.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("old instance never retired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReloadFailureBecomesUnavailable(t *testing.T) {
	h := newTestHandle()
	if err := h.Load(context.Background(), "fp1", loadOK(&fakeInstance{})); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := h.Load(context.Background(), "fp2", func(context.Context) (backend.Instance, error) {
		return nil, errors.New("corrupt payload")
	})
	if err == nil {
		t.Fatalf("expected reload failure")
	}
	if got := h.State(); got != StateUnavailable {
		t.Fatalf("state: %s", got)
	}
	if h.Reason() != "corrupt payload" {
		t.Fatalf("reason: %q", h.Reason())
	}
}

func TestUnloadWaitsForLeases(t *testing.T) {
	h := newTestHandle()
	inst := &fakeInstance{}
	if err := h.Load(context.Background(), "fp", loadOK(inst)); err != nil {
		t.Fatalf("load: %v", err)
	}
	lease, err := h.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.Unload(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	if inst.unloaded.Load() {
		t.Fatalf("backend released while a lease was outstanding")
	}
	if got := h.State(); got != StateUnloading {
		t.Fatalf("state while draining: %s", got)
	}

	lease.Release()
	if err := <-done; err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !inst.unloaded.Load() {
		t.Fatalf("backend never released")
	}
	if got := h.State(); got != StateUnloaded {
		t.Fatalf("state: %s", got)
	}
}

func TestUnloadIdempotent(t *testing.T) {
	h := newTestHandle()
	if err := h.Unload(context.Background()); err != nil {
		t.Fatalf("unload of never-loaded handle: %v", err)
	}
	if got := h.State(); got != StateUnloaded {
		t.Fatalf("state: %s", got)
	}
	if err := h.Unload(context.Background()); err != nil {
		t.Fatalf("second unload: %v", err)
	}
}

func TestStatsResetOnReloadAfterUnload(t *testing.T) {
	h := newTestHandle()
	if err := h.Load(context.Background(), "fp", loadOK(&fakeInstance{})); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.RecordSuccess()
	h.RecordSuccess()
	h.RecordFailure()
	if s, f := h.Stats(); s != 2 || f != 1 {
		t.Fatalf("stats: %d/%d", s, f)
	}
	if err := h.Unload(context.Background()); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := h.Load(context.Background(), "fp", loadOK(&fakeInstance{})); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s, f := h.Stats(); s != 0 || f != 0 {
		t.Fatalf("stats should reset, got %d/%d", s, f)
	}
}

func TestAcquireNotReady(t *testing.T) {
	h := newTestHandle()
	if _, err := h.Acquire(); err == nil {
		t.Fatalf("expected error acquiring unknown version")
	}
}

func TestFailMarksUnavailable(t *testing.T) {
	h := newTestHandle()
	h.Fail("model appears in two or more repositories")
	if got := h.State(); got != StateUnavailable {
		t.Fatalf("state: %s", got)
	}
	if h.Reason() != "model appears in two or more repositories" {
		t.Fatalf("reason: %q", h.Reason())
	}
}

func TestLeaseReleaseIdempotent(t *testing.T) {
	h := newTestHandle()
	if err := h.Load(context.Background(), "fp", loadOK(&fakeInstance{})); err != nil {
		t.Fatalf("load: %v", err)
	}
	lease, _ := h.Acquire()
	lease.Release()
	lease.Release()
	if n := h.InFlight(); n != 0 {
		t.Fatalf("inflight: %d", n)
	}
}
