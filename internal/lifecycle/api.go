package lifecycle

import (
	"sort"
	"strconv"

	"repod/internal/router"
	"repod/internal/state"
	"repod/pkg/types"
)

// ModelReady reports whether a model can answer inference right now.
// Version 0 asks about the model as a whole: any READY version counts.
func (m *Manager) ModelReady(name string, ver int64, namespace string) bool {
	entry, err := m.target(name, namespace)
	if err != nil {
		return false
	}
	if ver > 0 {
		h, ok := entry.Handle(ver)
		return ok && h.State() == state.StateReady
	}
	return entry.anyReady()
}

// ModelMetadata returns the declared shape of a model. Only models present
// in the state table are describable.
func (m *Manager) ModelMetadata(name, namespace string) (*types.ModelMetadata, error) {
	entry, err := m.target(name, namespace)
	if err != nil {
		return nil, err
	}
	def := entry.Def()
	if def == nil || def.Config == nil {
		return nil, router.ErrUnknownModel(name)
	}
	md := &types.ModelMetadata{
		Name:     entry.name,
		Platform: def.Config.Platform,
		Versions: []string{},
		Inputs:   []types.TensorMetadata{},
		Outputs:  []types.TensorMetadata{},
	}
	for _, v := range entry.readyVersions() {
		md.Versions = append(md.Versions, strconv.FormatInt(v, 10))
	}
	for _, t := range def.Config.Inputs {
		md.Inputs = append(md.Inputs, types.TensorMetadata{Name: t.Name, Datatype: t.Datatype, Shape: t.Shape})
	}
	for _, t := range def.Config.Outputs {
		md.Outputs = append(md.Outputs, types.TensorMetadata{Name: t.Name, Datatype: t.Datatype, Shape: t.Shape})
	}
	return md, nil
}

// ModelStats returns per-version inference counters. Version 0 covers every
// version the state table knows.
func (m *Manager) ModelStats(name string, ver int64, namespace string) (*types.ModelStatsResponse, error) {
	entry, err := m.target(name, namespace)
	if err != nil {
		return nil, err
	}
	resp := &types.ModelStatsResponse{Name: entry.name, Versions: []types.ModelVersionStats{}}
	if ver > 0 {
		h, ok := entry.Handle(ver)
		if !ok {
			return nil, router.ErrVersionNotReady(name, ver)
		}
		resp.Versions = append(resp.Versions, versionStats(h))
		return resp, nil
	}
	for _, h := range entry.Versions() {
		resp.Versions = append(resp.Versions, versionStats(h))
	}
	return resp, nil
}

// RepositoryIndex lists every model the repository knows about, loaded or
// not: a fresh scan is unioned with the live state table so models that
// were never loaded still appear, with an empty state. When onlyReady is
// set, only READY rows are returned.
func (m *Manager) RepositoryIndex(onlyReady bool) (*types.RepositoryIndexResponse, error) {
	inv, err := m.scanner.Scan()
	if err != nil {
		return nil, err
	}

	var rows []types.RepositoryIndexEntry
	seen := make(map[string]bool)

	for _, name := range inv.Names {
		defs := inv.Defs(name)
		if !m.cfg.Namespacing && len(defs) > 1 {
			seen[name] = true
			rows = append(rows, types.RepositoryIndexEntry{
				Name:   name,
				State:  string(state.StateUnavailable),
				Reason: reasonDuplicate,
			})
			continue
		}
		for _, def := range defs {
			key := m.defKey(def)
			seen[key] = true
			row := types.RepositoryIndexEntry{Name: key}
			if m.cfg.Namespacing {
				row.Namespace = def.Namespace
			}
			rows = append(rows, m.entryRows(key, row)...)
		}
	}

	// Still loaded but gone from every root; visible until the next
	// reconciliation unloads them.
	for key, e := range m.entries.Items() {
		if seen[key] {
			continue
		}
		row := types.RepositoryIndexEntry{Name: key, Namespace: e.namespace}
		rows = append(rows, m.entryRows(key, row)...)
	}

	if onlyReady {
		filtered := rows[:0]
		for _, r := range rows {
			if r.State == string(state.StateReady) {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].Version < rows[j].Version
	})
	if rows == nil {
		rows = []types.RepositoryIndexEntry{}
	}
	return &types.RepositoryIndexResponse{Models: rows}, nil
}

// entryRows expands one model into index rows: one per live version, or a
// single stateless or failure row when nothing is loaded.
func (m *Manager) entryRows(key string, base types.RepositoryIndexEntry) []types.RepositoryIndexEntry {
	entry, ok := m.entries.Get(key)
	if !ok {
		return []types.RepositoryIndexEntry{base}
	}
	var rows []types.RepositoryIndexEntry
	for _, h := range entry.Versions() {
		row := base
		row.Version = strconv.FormatInt(h.Version, 10)
		switch h.State() {
		case state.StateReady:
			row.State = string(state.StateReady)
		case state.StateUnavailable:
			row.State = string(state.StateUnavailable)
			row.Reason = h.Reason()
		case state.StateUnloading:
			row.State = string(state.StateUnloading)
		default:
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		if reason := entry.FailReason(); reason != "" {
			base.State = string(state.StateUnavailable)
			base.Reason = reason
		}
		rows = append(rows, base)
	}
	return rows
}

// target resolves a name (+ optional namespace) to exactly one addressable
// entry, mirroring the router's disambiguation rules.
func (m *Manager) target(name, namespace string) (*Entry, error) {
	entries := m.Lookup(name)
	if namespace != "" {
		var filtered []*Entry
		for _, e := range entries {
			if e.namespace == namespace {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	switch {
	case len(entries) == 0:
		return nil, router.ErrUnknownModel(name)
	case len(entries) > 1:
		return nil, router.ErrAmbiguousModel(name)
	}
	if entries[0].Conflicted() {
		return nil, router.ErrAmbiguousModel(name)
	}
	return entries[0], nil
}

func versionStats(h *state.Handle) types.ModelVersionStats {
	success, failure := h.Stats()
	return types.ModelVersionStats{
		Version:      strconv.FormatInt(h.Version, 10),
		SuccessCount: success,
		FailureCount: failure,
	}
}
