package lifecycle

import (
	"context"
	"sort"

	"github.com/hashicorp/go-multierror"

	"repod/internal/graph"
	"repod/internal/repository"
	"repod/internal/state"
)

// LoadModel loads (or reloads) a model by explicit request. The model and,
// for an ensemble, its composing models are re-scanned on demand; no full
// repository walk happens. An empty version set fails without ever
// contacting the backend.
func (m *Manager) LoadModel(ctx context.Context, name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	inv := m.scanModelClosure(name)
	defs := inv.Defs(name)
	if len(defs) == 0 {
		return ErrLoadFailed(name, "model not found in any model repository")
	}
	res := graph.Build(inv, m.cfg.Namespacing)

	if !m.cfg.Namespacing && len(defs) > 1 {
		entry := m.ensureEntry(name, name, "")
		entry.setConflict(true)
		entry.setFailReason(reasonDuplicate)
		// An explicitly requested duplicate never stays loaded.
		m.unloadEntry(ctx, entry, false, make(map[string]bool))
		return ErrLoadFailed(name, reasonDuplicate)
	}

	var errs *multierror.Error
	for _, def := range defs {
		entry := m.ensureEntry(m.defKey(def), def.Name, m.entryNamespace(def))
		entry.setConflict(false)

		// Composing models first, leaves before the ensembles above them.
		for _, dep := range dependencyClosure(res, def) {
			depEntry := m.ensureEntry(m.defKey(dep), dep.Name, m.entryNamespace(dep))
			if !m.cfg.Namespacing && len(inv.Defs(dep.Name)) > 1 {
				// The name stays blocked for direct requests; the
				// resolved def still loads for ensemble use.
				depEntry.setConflict(true)
				depEntry.setFailReason(reasonDuplicate)
			} else {
				depEntry.setConflict(false)
			}
			if err := m.loadDef(ctx, depEntry, dep, res); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if err := m.loadDef(ctx, entry, def, res); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// UnloadModel unloads every version of a model. Loaded ensembles that
// depend on it are always unloaded first; its own composing models are
// unloaded too only when unloadDependents is set and nothing else still
// needs them. Unloading an unknown or never-loaded model is a no-op.
func (m *Manager) UnloadModel(ctx context.Context, name string, unloadDependents bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	entries := m.Lookup(name)
	if len(entries) == 0 {
		return nil
	}
	visited := make(map[string]bool)
	var errs *multierror.Error
	for _, e := range entries {
		if err := m.unloadEntry(ctx, e, unloadDependents, visited); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// loadDef converges one entry onto one scanned def: load the desired
// versions, unload the rest.
func (m *Manager) loadDef(ctx context.Context, entry *Entry, def *repository.ModelDef, res *graph.Result) error {
	entry.setDef(def)

	if def.ConfigErr != nil {
		entry.setFailReason(def.ConfigErr.Error())
		m.failVersions(entry, def.ConfigErr.Error())
		return ErrLoadFailed(entry.name, def.ConfigErr.Error())
	}
	if gerr := res.ErrorOf(def); gerr != nil {
		entry.setFailReason(gerr.Error())
		m.failVersions(entry, gerr.Error())
		return ErrLoadFailed(entry.name, gerr.Error())
	}
	if !entry.Conflicted() {
		entry.setFailReason("")
	}

	if def.Config.IsEnsemble() {
		keys := make([]string, 0)
		for _, dep := range res.DependenciesOf(def) {
			keys = append(keys, m.defKey(dep))
		}
		entry.setDeps(keys)
	}

	desired := def.Config.Policy().Resolve(def.Versions)
	if len(desired) == 0 {
		return ErrNoVersionAvailable(entry.name)
	}
	desiredSet := make(map[int64]bool, len(desired))

	var errs *multierror.Error
	loadedAny := false
	for _, v := range desired {
		desiredSet[v] = true
		h := entry.ensureHandle(v, m.handleOptions())
		switch h.State() {
		case state.StateReady:
			if h.Fingerprint() == def.Fingerprint {
				loadedAny = true
				continue
			}
		case state.StateLoading, state.StateUnloading:
			continue
		}
		// An explicit load always retries an UNAVAILABLE version, even
		// when the files did not change.
		if err := m.loadVersion(ctx, entry, def, v); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		loadedAny = true
	}
	if loadedAny {
		m.trackLoaded(entry)
		if def.Config.IsEnsemble() {
			m.trackEdges(entry)
		}
	}

	for _, h := range entry.Versions() {
		if desiredSet[h.Version] {
			continue
		}
		switch h.State() {
		case state.StateUnloaded:
			entry.dropHandle(h.Version)
		case state.StateUnloading:
		default:
			if err := m.unloadVersion(ctx, entry, h.Version); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

// unloadEntry unloads every version of an entry. Dependents go first so no
// ensemble ever serves over a missing composing model; composing models go
// last and only when cascadeChildren is set and no other loaded ensemble
// still needs them.
func (m *Manager) unloadEntry(ctx context.Context, e *Entry, cascadeChildren bool, visited map[string]bool) error {
	if visited[e.key] {
		return nil
	}
	visited[e.key] = true

	if vertex, err := m.loaded.GetVertex(e.key); err == nil {
		for _, parentKey := range vertex.Parents() {
			if parent, ok := m.entries.Get(parentKey); ok {
				m.unloadEntry(ctx, parent, cascadeChildren, visited)
			}
		}
	}

	var errs *multierror.Error
	for _, h := range e.Versions() {
		if err := m.unloadVersion(ctx, e, h.Version); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	var children []string
	if vertex, err := m.loaded.GetVertex(e.key); err == nil {
		children = vertex.Children()
	}
	m.loaded.DeleteVertex(e.key)

	if cascadeChildren {
		for _, childKey := range children {
			child, ok := m.entries.Get(childKey)
			if !ok {
				continue
			}
			if v, err := m.loaded.GetVertex(childKey); err == nil && v.InDegree() > 0 {
				continue
			}
			if err := m.unloadEntry(ctx, child, cascadeChildren, visited); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

// scanModelClosure scans name and, transitively, every model referenced by
// its ensemble steps into a minimal inventory.
func (m *Manager) scanModelClosure(name string) *repository.Inventory {
	inv := &repository.Inventory{Models: make(map[string][]*repository.ModelDef)}
	var collect func(n string)
	collect = func(n string) {
		if _, ok := inv.Models[n]; ok {
			return
		}
		defs := m.scanner.ScanModel(n)
		inv.Models[n] = defs
		if len(defs) > 0 {
			inv.Names = append(inv.Names, n)
		}
		for _, def := range defs {
			if def.Config == nil || !def.Config.IsEnsemble() {
				continue
			}
			for _, step := range def.Config.Ensemble.Steps {
				collect(step.Model)
			}
		}
	}
	collect(name)
	sort.Strings(inv.Names)
	return inv
}

// dependencyClosure returns def's transitive composing models, leaves
// first, deduplicated by directory.
func dependencyClosure(res *graph.Result, def *repository.ModelDef) []*repository.ModelDef {
	var out []*repository.ModelDef
	seen := make(map[string]bool)
	var walk func(d *repository.ModelDef)
	walk = func(d *repository.ModelDef) {
		for _, dep := range res.DependenciesOf(d) {
			if seen[dep.Dir] {
				continue
			}
			seen[dep.Dir] = true
			walk(dep)
			out = append(out, dep)
		}
	}
	walk(def)
	return out
}

// entryNamespace maps a def to the namespace its entry carries.
func (m *Manager) entryNamespace(def *repository.ModelDef) string {
	if m.cfg.Namespacing {
		return def.Namespace
	}
	return ""
}
