package backend

import (
	"context"
	"fmt"

	"repod/pkg/types"
)

// StepRunner executes one composing model on behalf of an ensemble. The
// lifecycle manager provides it so ensemble execution goes through the
// same resolution and lease accounting as direct inference.
type StepRunner func(ctx context.Context, name, namespace string, req *types.InferRequest) (*types.InferResponse, error)

// EnsembleEngine serves composite models by cascading a request through
// their composing models in step order, feeding each step's outputs to the
// next step as inputs.
type EnsembleEngine struct {
	run StepRunner
}

// NewEnsembleEngine returns an engine backed by the given step runner.
func NewEnsembleEngine(run StepRunner) *EnsembleEngine {
	return &EnsembleEngine{run: run}
}

// Load implements Engine. An ensemble holds no backend resources of its
// own; readiness of the composing models is the manager's concern.
func (e *EnsembleEngine) Load(_ context.Context, spec Spec) (Instance, error) {
	if spec.Config == nil || spec.Config.Ensemble == nil || len(spec.Config.Ensemble.Steps) == 0 {
		return nil, fmt.Errorf("ensemble has no steps")
	}
	return &ensembleInstance{spec: spec, run: e.run}, nil
}

type ensembleInstance struct {
	spec Spec
	run  StepRunner
}

func (i *ensembleInstance) Infer(ctx context.Context, req *types.InferRequest) (*types.InferResponse, error) {
	cur := req
	var last *types.InferResponse
	for _, step := range i.spec.Config.Ensemble.Steps {
		// Unqualified references resolve in the ensemble's own
		// namespace first.
		ns := step.Namespace
		if ns == "" {
			ns = i.spec.Namespace
		}
		resp, err := i.run(ctx, step.Model, ns, cur)
		if err != nil {
			return nil, fmt.Errorf("ensemble '%s' step '%s': %w", i.spec.Name, step.Model, err)
		}
		last = resp
		cur = &types.InferRequest{ID: req.ID, Inputs: resp.Outputs}
	}
	last.ModelName = i.spec.Name
	last.ModelVersion = fmt.Sprintf("%d", i.spec.Version)
	last.ID = req.ID
	return last, nil
}

func (i *ensembleInstance) Unload(context.Context) error { return nil }
