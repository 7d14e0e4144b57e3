package lifecycle

import (
	"sort"
	"sync"

	"repod/internal/repository"
	"repod/internal/state"
	"repod/internal/version"
)

// Entry is the manager's live record for one model (per namespace). Its
// version handles own their own transition serialization; the entry lock
// only guards the entry's fields and the handle map.
type Entry struct {
	mu sync.Mutex

	key       string
	name      string
	namespace string

	// def is the most recent scan of this model, nil once it disappears
	// from every root.
	def    *repository.ModelDef
	policy version.Policy

	// conflict marks an unqualified name observed in two or more roots
	// while namespacing is disabled.
	conflict bool

	// failReason records an entry-level condition (descriptor parse
	// error, ensemble resolution error) that prevents any load.
	failReason string

	// deps holds the entry keys of resolved composing models when this
	// entry is a loaded ensemble.
	deps []string

	versions map[int64]*state.Handle
}

func newEntry(key, name, namespace string) *Entry {
	return &Entry{
		key:       key,
		name:      name,
		namespace: namespace,
		policy:    version.Default(),
		versions:  make(map[int64]*state.Handle),
	}
}

// Name returns the unqualified model name.
func (e *Entry) Name() string { return e.name }

// Namespace returns the repository-derived namespace, empty when
// namespacing is disabled.
func (e *Entry) Namespace() string { return e.namespace }

// Key returns the namespace-qualified identity.
func (e *Entry) Key() string { return e.key }

// Conflicted reports whether direct addressing of this entry is blocked
// by a cross-repository duplicate.
func (e *Entry) Conflicted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conflict
}

// Policy returns the entry's current version policy.
func (e *Entry) Policy() version.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// Versions returns the entry's handles, sorted by version.
func (e *Entry) Versions() []*state.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*state.Handle, 0, len(e.versions))
	for _, h := range e.versions {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Handle returns the handle for one version.
func (e *Entry) Handle(v int64) (*state.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.versions[v]
	return h, ok
}

// ensureHandle returns the handle for v, creating it on first sight.
func (e *Entry) ensureHandle(v int64, opts state.Options) *state.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.versions[v]; ok {
		return h
	}
	h := state.NewHandle(e.key, v, opts)
	e.versions[v] = h
	return h
}

// dropHandle removes a fully unloaded handle from the state table.
func (e *Entry) dropHandle(v int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.versions[v]; ok {
		if h.State() == state.StateUnloaded && h.InFlight() == 0 {
			delete(e.versions, v)
		}
	}
}

// setDef records the latest scan result and derived policy.
func (e *Entry) setDef(def *repository.ModelDef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.def = def
	if def != nil && def.Config != nil {
		e.policy = def.Config.Policy()
	}
}

// Def returns the most recent scan of this model, nil when it is gone
// from disk.
func (e *Entry) Def() *repository.ModelDef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.def
}

func (e *Entry) setConflict(c bool) {
	e.mu.Lock()
	e.conflict = c
	e.mu.Unlock()
}

func (e *Entry) setFailReason(reason string) {
	e.mu.Lock()
	e.failReason = reason
	e.mu.Unlock()
}

// FailReason returns the entry-level failure reason, if any.
func (e *Entry) FailReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failReason
}

func (e *Entry) setDeps(deps []string) {
	e.mu.Lock()
	e.deps = append([]string(nil), deps...)
	e.mu.Unlock()
}

// Deps returns the entry keys of the resolved composing models.
func (e *Entry) Deps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.deps...)
}

// readyVersions returns versions currently in READY state, ascending.
func (e *Entry) readyVersions() []int64 {
	var out []int64
	for _, h := range e.Versions() {
		if h.State() == state.StateReady {
			out = append(out, h.Version)
		}
	}
	return out
}

// anyReady reports whether at least one version is READY.
func (e *Entry) anyReady() bool { return len(e.readyVersions()) > 0 }
