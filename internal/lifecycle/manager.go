// Package lifecycle reconciles the on-disk model repository against the
// live state table: it discovers models, resolves ensemble dependencies,
// and drives per-version load/unload transitions while inference keeps
// serving.
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"repod/internal/backend"
	"repod/internal/dag"
	"repod/internal/repository"
	"repod/internal/router"
	"repod/internal/state"
	"repod/pkg/types"
)

// ControlMode selects how the repository is reconciled.
type ControlMode string

const (
	// ModePoll re-scans the repository periodically.
	ModePoll ControlMode = "poll"
	// ModeExplicit reconciles only on load/unload calls.
	ModeExplicit ControlMode = "explicit"
	// ModeNone scans and loads once at startup, then never changes.
	ModeNone ControlMode = "none"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultPollInterval    = 15 * time.Second
	defaultLoadConcurrency = 4
)

// simPlatforms are the platforms served by the built-in simulated engine
// when the caller does not install its own registry.
var simPlatforms = []string{
	"onnxruntime_onnx",
	"tensorflow_graphdef",
	"tensorflow_savedmodel",
	"pytorch_libtorch",
	"tensorrt_plan",
	"llama",
	"python",
}

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Roots           []repository.Root
	Mode            ControlMode
	PollInterval    time.Duration
	Namespacing     bool
	StrictReadiness bool
	DrainTimeout    time.Duration
	LoadConcurrency int
	// StartupModels are loaded at Start in explicit mode.
	StartupModels []string
	Logger        zerolog.Logger
	Publisher     EventPublisher
	// Engines overrides the default simulated registry.
	Engines *backend.Registry
}

// Manager owns the state table and is the single writer of version
// states. The router and all control-plane reads go through it.
type Manager struct {
	cfg     Config
	scanner *repository.Scanner
	engines *backend.Registry
	log     zerolog.Logger
	pub     EventPublisher

	entries cmap.ConcurrentMap[string, *Entry]
	// loaded tracks dependency edges between loaded models: an edge
	// points from a loaded ensemble to each model it composes.
	loaded *dag.DAG[*Entry]
	router *router.Router

	// opMu serializes reconciliation passes and explicit control-plane
	// mutations. Serving and state reads never take it.
	opMu sync.Mutex

	live        atomic.Bool
	startupDone atomic.Bool
	startupOK   atomic.Bool
}

// New constructs a Manager from Config.
func New(cfg Config) *Manager {
	if cfg.Mode == "" {
		cfg.Mode = ModePoll
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LoadConcurrency <= 0 {
		cfg.LoadConcurrency = defaultLoadConcurrency
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	m := &Manager{
		cfg:     cfg,
		scanner: repository.NewScanner(cfg.Roots),
		log:     cfg.Logger,
		pub:     cfg.Publisher,
		entries: cmap.New[*Entry](),
		loaded:  dag.New[*Entry](),
	}
	if cfg.Engines != nil {
		m.engines = cfg.Engines
	} else {
		m.engines = backend.NewRegistry()
		sim := backend.NewSimEngine()
		for _, p := range simPlatforms {
			m.engines.Register(p, sim)
		}
	}
	m.engines.Register(repository.PlatformEnsemble, backend.NewEnsembleEngine(m.runStep))
	m.router = router.New(tableAdapter{m})
	return m
}

// Start performs the startup reconciliation and, in polling mode, begins
// the periodic pass. Server readiness reflects whether every startup load
// reached READY.
func (m *Manager) Start(ctx context.Context) error {
	m.live.Store(true)
	var err error
	switch m.cfg.Mode {
	case ModeExplicit:
		for _, name := range m.cfg.StartupModels {
			if lerr := m.LoadModel(ctx, name); lerr != nil {
				err = lerr
			}
		}
	default:
		err = m.Reconcile(ctx)
		if err == nil && !m.allDesiredReady() {
			err = fmt.Errorf("one or more models failed to load at startup")
		}
	}
	m.startupOK.Store(err == nil)
	m.startupDone.Store(true)
	if m.cfg.Mode == ModePoll {
		go m.pollLoop(ctx)
	}
	return err
}

func (m *Manager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				m.log.Warn().Err(err).Msg("reconciliation pass")
			}
		}
	}
}

// ServerLive reports process liveness.
func (m *Manager) ServerLive() bool { return m.live.Load() }

// ServerReady reports server-wide readiness: with strict readiness every
// startup load must have succeeded, otherwise live implies ready.
func (m *Manager) ServerReady() bool {
	if !m.live.Load() {
		return false
	}
	if !m.cfg.StrictReadiness {
		return true
	}
	return m.startupDone.Load() && m.startupOK.Load()
}

// allDesiredReady reports whether no entry carries a failure and every
// created version handle reached READY or UNLOADED.
func (m *Manager) allDesiredReady() bool {
	for _, e := range m.entries.Items() {
		if e.Conflicted() || e.FailReason() != "" {
			return false
		}
		for _, h := range e.Versions() {
			switch h.State() {
			case state.StateReady, state.StateUnloaded:
			default:
				return false
			}
		}
	}
	return true
}

// ensureEntry returns the entry for key, creating it on first sight.
func (m *Manager) ensureEntry(key, name, namespace string) *Entry {
	if e, ok := m.entries.Get(key); ok {
		return e
	}
	e := newEntry(key, name, namespace)
	m.entries.Set(key, e)
	return e
}

// Lookup returns every entry whose unqualified name matches.
func (m *Manager) Lookup(name string) []*Entry {
	var out []*Entry
	for _, e := range m.entries.Items() {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

// tableAdapter exposes the entry table to the router without handing it
// the manager.
type tableAdapter struct{ m *Manager }

func (t tableAdapter) Lookup(name string) []router.Entry {
	entries := t.m.Lookup(name)
	out := make([]router.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	return out
}

// handleOptions builds the state handle options shared by all versions.
func (m *Manager) handleOptions() state.Options {
	return state.Options{DrainTimeout: m.cfg.DrainTimeout, Logger: m.log}
}

// defKey maps a scanned def to its entry key: the namespace-qualified key
// when namespacing is enabled, the bare name otherwise (duplicates then
// share one conflicted entry).
func (m *Manager) defKey(def *repository.ModelDef) string {
	if m.cfg.Namespacing {
		return def.Key()
	}
	return def.Name
}

// loadVersion drives one backend load through the version's handle.
func (m *Manager) loadVersion(ctx context.Context, entry *Entry, def *repository.ModelDef, v int64) error {
	h := entry.ensureHandle(v, m.handleOptions())
	engine, err := m.engines.EngineFor(def.Config.Platform)
	if err != nil {
		h.Fail(err.Error())
		loadsTotal.WithLabelValues(entry.key, "failure").Inc()
		return ErrLoadFailed(entry.name, err.Error())
	}
	spec := backend.Spec{
		Name:       entry.name,
		Namespace:  entry.namespace,
		Version:    v,
		VersionDir: versionDir(def, v),
		Config:     def.Config,
	}
	m.pub.Publish(Event{Name: "load_start", Model: entry.key, Version: v})
	err = h.Load(ctx, def.Fingerprint, func(ctx context.Context) (backend.Instance, error) {
		return engine.Load(ctx, spec)
	})
	if err != nil {
		m.pub.Publish(Event{Name: "load_failed", Model: entry.key, Version: v, Fields: map[string]any{"reason": err.Error()}})
		loadsTotal.WithLabelValues(entry.key, "failure").Inc()
		m.log.Warn().Str("model", entry.key).Int64("version", v).Err(err).Msg("load failed")
		return ErrLoadFailed(entry.name, err.Error())
	}
	m.pub.Publish(Event{Name: "load_done", Model: entry.key, Version: v})
	loadsTotal.WithLabelValues(entry.key, "success").Inc()
	m.syncReadyGauge(entry)
	return nil
}

// unloadVersion drives one version toward UNLOADED and purges the handle
// once it drains.
func (m *Manager) unloadVersion(ctx context.Context, entry *Entry, v int64) error {
	h, ok := entry.Handle(v)
	if !ok {
		return nil
	}
	m.pub.Publish(Event{Name: "unload_start", Model: entry.key, Version: v})
	err := h.Unload(ctx)
	m.pub.Publish(Event{Name: "unload_done", Model: entry.key, Version: v})
	unloadsTotal.WithLabelValues(entry.key).Inc()
	entry.dropHandle(v)
	m.syncReadyGauge(entry)
	return err
}

func (m *Manager) syncReadyGauge(entry *Entry) {
	readyVersionsGauge.WithLabelValues(entry.key).Set(float64(len(entry.readyVersions())))
}

func versionDir(def *repository.ModelDef, v int64) string {
	return def.Dir + "/" + strconv.FormatInt(v, 10)
}

// Infer resolves the target, leases the serving instance and runs the
// request. A client abandoning the call does not cancel the backend
// execution; counters record the backend outcome either way.
func (m *Manager) Infer(ctx context.Context, name string, ver int64, namespace string, req *types.InferRequest) (*types.InferResponse, error) {
	h, lease, err := m.router.Resolve(name, ver, namespace)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	resp, err := lease.Instance.Infer(context.WithoutCancel(ctx), req)
	if err != nil {
		h.RecordFailure()
		inferenceTotal.WithLabelValues(h.Model, strconv.FormatInt(h.Version, 10), "failure").Inc()
		return nil, err
	}
	h.RecordSuccess()
	inferenceTotal.WithLabelValues(h.Model, strconv.FormatInt(h.Version, 10), "success").Inc()
	return resp, nil
}

// runStep executes one composing model on behalf of an ensemble. Step
// resolution tolerates the conflict flag: the ensemble pinned a concrete
// def at load time, so a cross-repository duplicate does not make its own
// dependency ambiguous.
func (m *Manager) runStep(ctx context.Context, name, namespace string, req *types.InferRequest) (*types.InferResponse, error) {
	entries := m.Lookup(name)
	if namespace != "" {
		var filtered []*Entry
		for _, e := range entries {
			if e.namespace == namespace {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) > 0 {
			entries = filtered
		}
	}
	if len(entries) == 0 {
		return nil, router.ErrUnknownModel(name)
	}
	if len(entries) > 1 {
		return nil, router.ErrAmbiguousModel(name)
	}
	entry := entries[0]

	ready := entry.readyVersions()
	if len(ready) == 0 {
		return nil, router.ErrNoAvailableVersions(name)
	}
	h, _ := entry.Handle(ready[len(ready)-1])
	lease, err := h.Acquire()
	if err != nil {
		return nil, router.ErrNoAvailableVersions(name)
	}
	defer lease.Release()

	resp, err := lease.Instance.Infer(ctx, req)
	if err != nil {
		h.RecordFailure()
		return nil, err
	}
	h.RecordSuccess()
	return resp, nil
}
