package lifecycle

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"repod/internal/graph"
	"repod/internal/repository"
	"repod/internal/state"
)

// reasonDuplicate is the canonical reason for cross-repository name
// collisions; the repository index and direct-inference rejections must
// both carry it.
const reasonDuplicate = "model appears in two or more repositories"

type loadTask struct {
	entry *Entry
	def   *repository.ModelDef
	v     int64
	depth int // ensemble nesting depth, 0 for leaf models
}

type unloadTask struct {
	entry *Entry
	v     int64
}

// Reconcile runs one full pass: scan all roots, rebuild the dependency
// graph, diff desired state against the table and apply it. Errors in one
// model never abort the pass for others; they are aggregated.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	inv, err := m.scanner.Scan()
	if err != nil {
		return err
	}
	res := graph.Build(inv, m.cfg.Namespacing)
	return m.apply(ctx, inv, res)
}

func (m *Manager) apply(ctx context.Context, inv *repository.Inventory, res *graph.Result) error {
	var errs *multierror.Error

	// Dirs pinned as some ensemble's own-root dependency. A conflicted
	// name may still serve ensemble traffic through exactly one such
	// pinned def.
	depDirs := make(map[string]bool)
	for _, deps := range res.Dependencies {
		for _, dep := range deps {
			depDirs[dep.Dir] = true
		}
	}

	seen := make(map[string]bool)
	var loads []loadTask
	var unloads []unloadTask

	for _, name := range inv.Names {
		defs := inv.Defs(name)
		if m.cfg.Namespacing {
			for _, def := range defs {
				key := def.Key()
				seen[key] = true
				entry := m.ensureEntry(key, name, def.Namespace)
				l, u := m.planEntry(entry, def, res)
				loads = append(loads, l...)
				unloads = append(unloads, u...)
			}
			continue
		}

		seen[name] = true
		entry := m.ensureEntry(name, name, "")
		if res.Conflicts[name] {
			entry.setConflict(true)
			entry.setFailReason(reasonDuplicate)
			var pinned *repository.ModelDef
			for _, d := range defs {
				if depDirs[d.Dir] {
					if pinned != nil {
						pinned = nil
						break
					}
					pinned = d
				}
			}
			if pinned != nil {
				l, u := m.planEntry(entry, pinned, res)
				entry.setFailReason(reasonDuplicate)
				loads = append(loads, l...)
				unloads = append(unloads, u...)
			} else {
				// Loaded versions keep serving in-flight traffic; the
				// entry is re-evaluated every pass and recovers when
				// the duplicate disappears.
				entry.setDef(defs[0])
			}
			continue
		}
		entry.setConflict(false)
		l, u := m.planEntry(entry, defs[0], res)
		loads = append(loads, l...)
		unloads = append(unloads, u...)
	}

	// Loads are issued before any unload so a model moving between
	// roots never has a window of full unavailability while a valid
	// copy exists.
	for _, err := range m.runLoads(ctx, loads) {
		errs = multierror.Append(errs, err)
	}

	// Version-level unloads, cascading to loaded dependents when the
	// entry is about to lose its last ready version.
	visited := make(map[string]bool)
	for _, t := range unloads {
		if m.losesLastReady(t.entry, t.v) {
			m.unloadDependents(ctx, t.entry, visited)
		}
		if err := m.unloadVersion(ctx, t.entry, t.v); err != nil {
			errs = multierror.Append(errs, err)
		}
		if !t.entry.anyReady() {
			m.loaded.DeleteVertex(t.entry.key)
		}
	}

	// Models gone from every root: unload entirely and purge.
	for key, e := range m.entries.Items() {
		if seen[key] {
			continue
		}
		e.setDef(nil)
		m.unloadEntry(ctx, e, false, visited)
		if len(e.Versions()) == 0 {
			m.entries.Remove(key)
			readyVersionsGauge.DeleteLabelValues(key)
		}
	}

	return errs.ErrorOrNil()
}

// planEntry diffs one scanned def against the entry's state table and
// returns the version loads/unloads the pass must issue.
func (m *Manager) planEntry(entry *Entry, def *repository.ModelDef, res *graph.Result) ([]loadTask, []unloadTask) {
	entry.setDef(def)

	if def.ConfigErr != nil {
		entry.setFailReason(def.ConfigErr.Error())
		m.failVersions(entry, def.ConfigErr.Error())
		return nil, nil
	}
	if gerr := res.ErrorOf(def); gerr != nil {
		entry.setFailReason(gerr.Error())
		m.failVersions(entry, gerr.Error())
		return nil, nil
	}
	entry.setFailReason("")

	depth := 0
	if def.Config.IsEnsemble() {
		keys := make([]string, 0)
		for _, dep := range res.DependenciesOf(def) {
			keys = append(keys, m.defKey(dep))
		}
		entry.setDeps(keys)
		depth = ensembleDepth(res, def, make(map[string]int))
	}

	desired := def.Config.Policy().Resolve(def.Versions)
	desiredSet := make(map[int64]bool, len(desired))
	var loads []loadTask
	for _, v := range desired {
		desiredSet[v] = true
		h := entry.ensureHandle(v, m.handleOptions())
		switch h.State() {
		case state.StateUnknown, state.StateUnloaded:
			loads = append(loads, loadTask{entry: entry, def: def, v: v, depth: depth})
		case state.StateReady, state.StateUnavailable:
			// Reload or retry only when the underlying files changed;
			// a failed load is never retried spontaneously.
			if h.Fingerprint() != def.Fingerprint {
				loads = append(loads, loadTask{entry: entry, def: def, v: v, depth: depth})
			}
		}
	}

	var unloads []unloadTask
	for _, h := range entry.Versions() {
		if desiredSet[h.Version] {
			continue
		}
		switch h.State() {
		case state.StateUnloaded:
			entry.dropHandle(h.Version)
		case state.StateUnloading:
			// already on its way out
		default:
			unloads = append(unloads, unloadTask{entry: entry, v: h.Version})
		}
	}
	return loads, unloads
}

// runLoads executes load tasks: leaf models in parallel, ensembles
// afterwards ordered by nesting depth so composing models are READY
// before anything depends on them.
func (m *Manager) runLoads(ctx context.Context, loads []loadTask) []error {
	var leaves, ensembles []loadTask
	for _, t := range loads {
		if t.def.Config.IsEnsemble() {
			ensembles = append(ensembles, t)
		} else {
			leaves = append(leaves, t)
		}
	}

	var mu sync.Mutex
	var errs []error
	record := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.LoadConcurrency)
	for _, t := range leaves {
		t := t
		g.Go(func() error {
			err := m.loadVersion(ctx, t.entry, t.def, t.v)
			record(err)
			if err == nil {
				m.trackLoaded(t.entry)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(ensembles, func(i, j int) bool { return ensembles[i].depth < ensembles[j].depth })
	for _, t := range ensembles {
		err := m.loadVersion(ctx, t.entry, t.def, t.v)
		record(err)
		if err == nil {
			m.trackLoaded(t.entry)
			m.trackEdges(t.entry)
		}
	}
	return errs
}

// trackLoaded ensures the loaded-model graph has a vertex for the entry.
func (m *Manager) trackLoaded(entry *Entry) {
	_ = m.loaded.AddVertex(entry.key, entry)
}

// trackEdges records ensemble -> composing edges for a loaded ensemble.
func (m *Manager) trackEdges(entry *Entry) {
	for _, dep := range entry.Deps() {
		_ = m.loaded.AddVertex(dep, nil)
		if depEntry, ok := m.entries.Get(dep); ok {
			_ = m.loaded.AddVertex(dep, depEntry)
		}
		_ = m.loaded.AddEdge(entry.key, dep)
	}
}

// losesLastReady reports whether unloading v leaves the entry with no
// READY version.
func (m *Manager) losesLastReady(entry *Entry, v int64) bool {
	ready := entry.readyVersions()
	return len(ready) == 1 && ready[0] == v
}

// unloadDependents force-unloads every loaded ensemble that depends on
// the entry. A dependency is always cascaded; there is no pin.
func (m *Manager) unloadDependents(ctx context.Context, entry *Entry, visited map[string]bool) {
	vertex, err := m.loaded.GetVertex(entry.key)
	if err != nil {
		return
	}
	for _, parentKey := range vertex.Parents() {
		if parent, ok := m.entries.Get(parentKey); ok {
			m.unloadEntry(ctx, parent, false, visited)
		}
	}
}

// failVersions marks every live version handle UNAVAILABLE with reason.
func (m *Manager) failVersions(entry *Entry, reason string) {
	for _, h := range entry.Versions() {
		switch h.State() {
		case state.StateUnloaded, state.StateUnloading:
		default:
			h.Fail(reason)
		}
	}
	m.syncReadyGauge(entry)
}

// ensembleDepth returns how deeply nested an ensemble def is in the
// resolved dependency graph; leaves score zero.
func ensembleDepth(res *graph.Result, def *repository.ModelDef, memo map[string]int) int {
	if def.Config == nil || !def.Config.IsEnsemble() {
		return 0
	}
	if d, ok := memo[def.Dir]; ok {
		return d
	}
	memo[def.Dir] = 0 // cycle guard; real cycles were rejected at build
	depth := 1
	for _, dep := range res.DependenciesOf(def) {
		if d := ensembleDepth(res, dep, memo) + 1; d > depth {
			depth = d
		}
	}
	memo[def.Dir] = depth
	return depth
}
