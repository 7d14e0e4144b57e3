// Package router resolves an inference target (name, optional version,
// optional namespace) to a concrete ready version instance. It consults
// only the live state table, never the repository scanner.
package router

import (
	"repod/internal/state"
	"repod/internal/version"
)

// Entry is the router's view of one model in the state table.
type Entry interface {
	Name() string
	Namespace() string
	// Conflicted marks an unqualified name duplicated across roots.
	Conflicted() bool
	Policy() version.Policy
	Versions() []*state.Handle
	Handle(v int64) (*state.Handle, bool)
}

// Table is the live state table the router reads.
type Table interface {
	// Lookup returns every entry whose unqualified name matches, across
	// namespaces.
	Lookup(name string) []Entry
}

// Router resolves inference targets.
type Router struct {
	table Table
}

// New returns a router over the given table.
func New(table Table) *Router { return &Router{table: table} }

// Resolve picks the serving version for a request and acquires a lease on
// it. version 0 means unspecified: the policy's deterministic choice is
// used when it narrows to one candidate, otherwise the caller must name a
// version. The caller releases the lease when the request finishes.
func (r *Router) Resolve(name string, ver int64, namespace string) (*state.Handle, *state.Lease, error) {
	entry, err := r.Target(name, namespace)
	if err != nil {
		return nil, nil, err
	}

	if ver > 0 {
		h, ok := entry.Handle(ver)
		if !ok || h.State() != state.StateReady {
			return nil, nil, ErrVersionNotReady(name, ver)
		}
		lease, err := h.Acquire()
		if err != nil {
			// Lost a race with an unload between the state read and
			// the acquire.
			return nil, nil, ErrVersionNotReady(name, ver)
		}
		return h, lease, nil
	}

	ready := readyHandles(entry)
	if len(ready) == 0 {
		return nil, nil, ErrNoAvailableVersions(name)
	}
	var h *state.Handle
	switch {
	case len(ready) == 1:
		h = ready[0]
	case entry.Policy().Kind == version.KindLatest:
		// Latest(n) orders candidates numerically; the greatest ready
		// version is the deterministic default.
		h = ready[len(ready)-1]
	default:
		return nil, nil, ErrVersionRequired(name)
	}
	lease, err := h.Acquire()
	if err != nil {
		return nil, nil, ErrNoAvailableVersions(name)
	}
	return h, lease, nil
}

// Target resolves a name (+ optional namespace) to exactly one entry or
// fails with unknown-model or ambiguity.
func (r *Router) Target(name, namespace string) (Entry, error) {
	candidates := r.table.Lookup(name)
	if namespace != "" {
		filtered := candidates[:0:0]
		for _, e := range candidates {
			if e.Namespace() == namespace {
				filtered = append(filtered, e)
			}
		}
		candidates = filtered
	}
	switch {
	case len(candidates) == 0:
		return nil, ErrUnknownModel(name)
	case len(candidates) > 1:
		// Identically named, unrelated entries in different namespaces
		// require a qualified reference.
		return nil, ErrAmbiguousModel(name)
	}
	entry := candidates[0]
	if entry.Conflicted() {
		return nil, ErrAmbiguousModel(name)
	}
	return entry, nil
}

// readyHandles returns the entry's READY versions in ascending order.
func readyHandles(entry Entry) []*state.Handle {
	var out []*state.Handle
	for _, h := range entry.Versions() {
		if h.State() == state.StateReady {
			out = append(out, h)
		}
	}
	return out
}
