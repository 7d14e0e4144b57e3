package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"repod/pkg/types"
)

// Control files an operator (or a test) can drop into a version directory
// to steer the simulated engine.
const (
	// failMarker makes every load of the version fail; its contents, if
	// any, become the failure reason.
	failMarker = "FAIL"
	// failOnceMarker makes the first load attempt fail and later
	// attempts succeed. The engine tracks attempts itself; the manager
	// never retries spontaneously, so the second attempt only happens
	// on an explicit re-load.
	failOnceMarker = "FAIL_ONCE"
)

// SimEngine is an in-process engine that stands in for real execution
// backends. It answers inference by echoing input tensors back as outputs.
type SimEngine struct {
	// LoadDelay artificially slows loads so reload windows are
	// observable in tests.
	LoadDelay time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

// NewSimEngine returns a simulated engine with no load delay.
func NewSimEngine() *SimEngine {
	return &SimEngine{attempts: make(map[string]int)}
}

// Load implements Engine. It runs to a terminal state regardless of the
// caller's context; inference serving must never observe a half-loaded
// version.
func (e *SimEngine) Load(_ context.Context, spec Spec) (Instance, error) {
	if e.LoadDelay > 0 {
		time.Sleep(e.LoadDelay)
	}

	if _, err := os.Stat(spec.VersionDir); err != nil {
		return nil, fmt.Errorf("version directory is not accessible: %v", err)
	}

	if b, err := os.ReadFile(filepath.Join(spec.VersionDir, failMarker)); err == nil {
		reason := strings.TrimSpace(string(b))
		if reason == "" {
			reason = "load failed"
		}
		return nil, fmt.Errorf("%s", reason)
	}

	if _, err := os.Stat(filepath.Join(spec.VersionDir, failOnceMarker)); err == nil {
		e.mu.Lock()
		e.attempts[spec.VersionDir]++
		first := e.attempts[spec.VersionDir] == 1
		e.mu.Unlock()
		if first {
			return nil, fmt.Errorf("load failed, retry load to succeed")
		}
	}

	return &simInstance{spec: spec}, nil
}

type simInstance struct {
	spec Spec
}

// Infer echoes inputs back, renaming them after the declared outputs when
// the configuration declares any.
func (i *simInstance) Infer(_ context.Context, req *types.InferRequest) (*types.InferResponse, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("inference request has no inputs")
	}
	resp := &types.InferResponse{
		ID:           req.ID,
		ModelName:    i.spec.Name,
		ModelVersion: fmt.Sprintf("%d", i.spec.Version),
	}
	outputs := i.spec.Config.Outputs
	for idx, in := range req.Inputs {
		out := types.InferTensor{
			Name:     in.Name,
			Datatype: in.Datatype,
			Shape:    in.Shape,
			Data:     in.Data,
		}
		if idx < len(outputs) {
			out.Name = outputs[idx].Name
			if outputs[idx].Datatype != "" {
				out.Datatype = outputs[idx].Datatype
			}
		}
		resp.Outputs = append(resp.Outputs, out)
	}
	return resp, nil
}

func (i *simInstance) Unload(context.Context) error { return nil }
