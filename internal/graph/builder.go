// Package graph resolves ensemble composing-model references over an
// inventory snapshot and detects name ambiguity and dependency cycles
// before any load is attempted.
package graph

import (
	"fmt"

	"repod/internal/dag"
	"repod/internal/repository"
)

// Result is the outcome of analyzing one inventory snapshot.
type Result struct {
	// Conflicts holds unqualified names that resolve to distinct model
	// entries in two or more repository roots while namespacing is
	// disabled. Conflicted models stay visible but are unavailable for
	// direct inference.
	Conflicts map[string]bool

	// Dependencies maps an ensemble def (by directory, which is unique
	// across roots) to its resolved composing defs in step order.
	Dependencies map[string][]*repository.ModelDef

	// Errors records per-def resolution failures: unresolvable or
	// ambiguous composing references and dependency cycles. Keyed by
	// def directory.
	Errors map[string]error
}

// DependenciesOf returns the resolved composing defs for an ensemble def.
func (r *Result) DependenciesOf(def *repository.ModelDef) []*repository.ModelDef {
	return r.Dependencies[def.Dir]
}

// ErrorOf returns the resolution error recorded for a def, if any.
func (r *Result) ErrorOf(def *repository.ModelDef) error {
	return r.Errors[def.Dir]
}

// Build analyzes the snapshot. Duplicate unqualified names are surfaced as
// conflicts rather than resolved by scan order; an ensemble may still
// resolve a same-named dependency deterministically because resolution is
// scoped to the ensemble's own root first.
func Build(inv *repository.Inventory, namespacing bool) *Result {
	res := &Result{
		Conflicts:    make(map[string]bool),
		Dependencies: make(map[string][]*repository.ModelDef),
		Errors:       make(map[string]error),
	}

	if !namespacing {
		for _, name := range inv.Names {
			if len(inv.Defs(name)) > 1 {
				res.Conflicts[name] = true
			}
		}
	}

	// Vertices are keyed by model directory so duplicate unqualified
	// names across roots stay distinct during cycle detection.
	g := dag.New[*repository.ModelDef]()
	for _, name := range inv.Names {
		for _, def := range inv.Defs(name) {
			_ = g.AddVertex(def.Dir, def)
		}
	}

	for _, name := range inv.Names {
		for _, def := range inv.Defs(name) {
			if def.Config == nil || !def.Config.IsEnsemble() {
				continue
			}
			deps, err := resolveSteps(inv, def)
			if err != nil {
				res.Errors[def.Dir] = err
				continue
			}
			res.Dependencies[def.Dir] = deps
			for _, dep := range deps {
				if err := g.AddEdge(def.Dir, dep.Dir); err == dag.ErrCycleBetweenVertices {
					res.Errors[def.Dir] = fmt.Errorf(
						"ensemble '%s' has a circular dependency through '%s'", def.Name, dep.Name)
					break
				}
			}
		}
	}
	return res
}

// resolveSteps picks exactly one composing def per step or fails.
func resolveSteps(inv *repository.Inventory, ensemble *repository.ModelDef) ([]*repository.ModelDef, error) {
	deps := make([]*repository.ModelDef, 0, len(ensemble.Config.Ensemble.Steps))
	seen := make(map[string]bool)
	for _, step := range ensemble.Config.Ensemble.Steps {
		dep, err := resolveStep(inv, ensemble, step)
		if err != nil {
			return nil, err
		}
		if !seen[dep.Dir] {
			seen[dep.Dir] = true
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

func resolveStep(inv *repository.Inventory, ensemble *repository.ModelDef, step repository.EnsembleStep) (*repository.ModelDef, error) {
	candidates := inv.Defs(step.Model)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("ensemble '%s' depends on '%s' which is not in the model repository",
			ensemble.Name, step.Model)
	}

	// An explicit namespace qualifier addresses exactly one entry.
	if step.Namespace != "" {
		for _, c := range candidates {
			if c.Namespace == step.Namespace {
				return c, nil
			}
		}
		return nil, fmt.Errorf("ensemble '%s' depends on '%s' which is not in namespace '%s'",
			ensemble.Name, step.Model, step.Namespace)
	}

	// Unqualified references resolve within the ensemble's own root
	// first, so identically named models elsewhere are not ambiguous
	// for dependency resolution.
	for _, c := range candidates {
		if c.Root == ensemble.Root {
			return c, nil
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return nil, fmt.Errorf("ensemble '%s' depends on '%s' which is ambiguous, model appears in two or more repositories",
		ensemble.Name, step.Model)
}
