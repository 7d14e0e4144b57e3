// Package backend defines the contract between the lifecycle manager and
// the execution engines that actually serve model versions. Engines are
// black boxes: the manager only loads, unloads and infers through them.
package backend

import (
	"context"
	"fmt"

	"repod/internal/repository"
	"repod/pkg/types"
)

// Spec identifies one loadable model version and carries its parsed
// configuration.
type Spec struct {
	Name      string
	Namespace string
	Version   int64
	// VersionDir is the on-disk payload directory for this version.
	VersionDir string
	Config     *repository.ModelConfig
}

// Instance is a loaded model version. Unload releases its resources; the
// caller guarantees all in-flight requests drained first.
type Instance interface {
	Infer(ctx context.Context, req *types.InferRequest) (*types.InferResponse, error)
	Unload(ctx context.Context) error
}

// Engine loads model versions for one platform. Load blocks until the
// version is servable or returns the reason it is not; there is no
// mid-load cancellation.
type Engine interface {
	Load(ctx context.Context, spec Spec) (Instance, error)
}

// Registry maps platforms to engines.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry returns an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register installs an engine for a platform, replacing any previous one.
func (r *Registry) Register(platform string, e Engine) {
	r.engines[platform] = e
}

// EngineFor resolves the engine serving a platform.
func (r *Registry) EngineFor(platform string) (Engine, error) {
	if platform == "" {
		return nil, fmt.Errorf("model configuration has no platform")
	}
	e, ok := r.engines[platform]
	if !ok {
		return nil, fmt.Errorf("no backend engine for platform '%s'", platform)
	}
	return e, nil
}
