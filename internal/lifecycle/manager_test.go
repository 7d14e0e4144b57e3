package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"repod/internal/repository"
	"repod/internal/router"
	"repod/pkg/types"
)

func addModel(t *testing.T, root, name string, versions ...string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	for _, v := range versions {
		vdir := filepath.Join(dir, v)
		if err := os.MkdirAll(vdir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", vdir, err)
		}
		if err := os.WriteFile(filepath.Join(vdir, "model.onnx"), []byte("weights"), 0o644); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
	if len(versions) == 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return dir
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	return New(cfg)
}

func pollConfig(roots ...string) Config {
	rs := make([]repository.Root, 0, len(roots))
	for _, r := range roots {
		rs = append(rs, repository.Root{Path: r})
	}
	// ModeNone keeps startup deterministic; Reconcile is still callable
	// directly.
	return Config{Roots: rs, Mode: ModeNone}
}

func explicitConfig(roots ...string) Config {
	cfg := pollConfig(roots...)
	cfg.Mode = ModeExplicit
	return cfg
}

func echoRequest() *types.InferRequest {
	return &types.InferRequest{
		ID:     "req-1",
		Inputs: []types.InferTensor{{Name: "input0", Datatype: "FP32", Shape: []int64{2}, Data: []any{1.5, 2.5}}},
	}
}

func TestStartLoadsLatestVersion(t *testing.T) {
	root := t.TempDir()
	addModel(t, root, "densenet", "1", "2", "3")

	m := newManager(t, pollConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !m.ModelReady("densenet", 3, "") {
		t.Fatalf("version 3 should be ready")
	}
	for _, v := range []int64{1, 2} {
		if m.ModelReady("densenet", v, "") {
			t.Fatalf("version %d should not be loaded under latest(1)", v)
		}
	}

	resp, err := m.Infer(context.Background(), "densenet", 0, "", echoRequest())
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if resp.ModelName != "densenet" || resp.ModelVersion != "3" {
		t.Fatalf("served by %s/%s, want densenet/3", resp.ModelName, resp.ModelVersion)
	}
	if len(resp.Outputs) != 1 || resp.Outputs[0].Name != "input0" {
		t.Fatalf("unexpected outputs: %+v", resp.Outputs)
	}
}

func TestReconcileFollowsRepositoryChanges(t *testing.T) {
	root := t.TempDir()
	dir := addModel(t, root, "resnet", "1")

	m := newManager(t, pollConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.ModelReady("resnet", 1, "") {
		t.Fatalf("version 1 should be ready")
	}

	addModel(t, root, "resnet", "2")
	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !m.ModelReady("resnet", 2, "") {
		t.Fatalf("version 2 should be ready after reconcile")
	}
	if m.ModelReady("resnet", 1, "") {
		t.Fatalf("version 1 should be unloaded once 2 is the latest")
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove model: %v", err)
	}
	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile after removal: %v", err)
	}
	if m.ModelReady("resnet", 0, "") {
		t.Fatalf("removed model should not be ready")
	}
	if _, err := m.ModelStats("resnet", 0, ""); !router.IsUnknownModel(err) {
		t.Fatalf("purged model should be unknown, got %v", err)
	}
}

func TestVersionPolicyAll(t *testing.T) {
	root := t.TempDir()
	dir := addModel(t, root, "resnet", "1", "2", "3")
	writeConfig(t, dir, "platform: onnxruntime_onnx\nversion_policy:\n  all: {}\n")

	m := newManager(t, pollConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, v := range []int64{1, 2, 3} {
		if !m.ModelReady("resnet", v, "") {
			t.Fatalf("version %d should be ready under all policy", v)
		}
	}

	// Unversioned inference cannot pick among multiple ready versions.
	_, err := m.Infer(context.Background(), "resnet", 0, "", echoRequest())
	if !router.IsVersionRequired(err) {
		t.Fatalf("expected version-required, got %v", err)
	}
}

func TestExplicitLoadUnload(t *testing.T) {
	root := t.TempDir()
	addModel(t, root, "densenet", "1")

	m := newManager(t, explicitConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.ModelReady("densenet", 0, "") {
		t.Fatalf("nothing should load before an explicit request")
	}

	if err := m.LoadModel(context.Background(), "densenet"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !m.ModelReady("densenet", 1, "") {
		t.Fatalf("version 1 should be ready after explicit load")
	}

	if err := m.UnloadModel(context.Background(), "densenet", false); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if m.ModelReady("densenet", 0, "") {
		t.Fatalf("model should not be ready after unload")
	}

	// Unloading something never loaded is a no-op.
	if err := m.UnloadModel(context.Background(), "ghost", false); err != nil {
		t.Fatalf("unload of unknown model: %v", err)
	}
}

func TestExplicitLoadZeroVersions(t *testing.T) {
	root := t.TempDir()
	dir := addModel(t, root, "empty")
	writeConfig(t, dir, "platform: onnxruntime_onnx\n")

	m := newManager(t, explicitConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := m.LoadModel(context.Background(), "empty")
	if err == nil {
		t.Fatalf("expected load failure")
	}
	want := "failed to load 'empty', no version is available"
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q should contain %q", err.Error(), want)
	}
}

func TestExplicitLoadUnknownModel(t *testing.T) {
	m := newManager(t, explicitConfig(t.TempDir()))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := m.LoadModel(context.Background(), "ghost")
	if !IsLoadFailed(err) {
		t.Fatalf("expected load failure, got %v", err)
	}
}

func TestLoadFailureMarker(t *testing.T) {
	root := t.TempDir()
	dir := addModel(t, root, "broken", "1")
	if err := os.WriteFile(filepath.Join(dir, "1", "FAIL"), []byte("no CUDA device"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	m := newManager(t, explicitConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := m.LoadModel(context.Background(), "broken")
	if err == nil || !strings.Contains(err.Error(), "failed to load 'broken', no CUDA device") {
		t.Fatalf("unexpected error: %v", err)
	}

	idx, ierr := m.RepositoryIndex(false)
	if ierr != nil {
		t.Fatalf("index: %v", ierr)
	}
	var found bool
	for _, row := range idx.Models {
		if row.Name == "broken" && row.Version == "1" {
			found = true
			if row.State != "UNAVAILABLE" || row.Reason != "no CUDA device" {
				t.Fatalf("row %+v, want UNAVAILABLE/no CUDA device", row)
			}
		}
	}
	if !found {
		t.Fatalf("failed version missing from index: %+v", idx.Models)
	}
}

func TestFailOnceRetriesOnExplicitLoad(t *testing.T) {
	root := t.TempDir()
	dir := addModel(t, root, "flaky", "1")
	if err := os.WriteFile(filepath.Join(dir, "1", "FAIL_ONCE"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	m := newManager(t, explicitConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := m.LoadModel(context.Background(), "flaky")
	if err == nil || !strings.Contains(err.Error(), "retry load to succeed") {
		t.Fatalf("first load should fail with retry hint, got %v", err)
	}
	if m.ModelReady("flaky", 1, "") {
		t.Fatalf("version should be unavailable after first attempt")
	}

	if err := m.LoadModel(context.Background(), "flaky"); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !m.ModelReady("flaky", 1, "") {
		t.Fatalf("version should be ready after retry")
	}
}

func TestDuplicateAcrossRoots(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	addModel(t, rootA, "dup", "1")
	addModel(t, rootB, "dup", "1")

	m := newManager(t, pollConfig(rootA, rootB))
	_ = m.Start(context.Background())

	_, err := m.Infer(context.Background(), "dup", 0, "", echoRequest())
	if !router.IsAmbiguous(err) {
		t.Fatalf("expected ambiguity, got %v", err)
	}

	idx, ierr := m.RepositoryIndex(false)
	if ierr != nil {
		t.Fatalf("index: %v", ierr)
	}
	var found bool
	for _, row := range idx.Models {
		if row.Name == "dup" {
			found = true
			if row.State != "UNAVAILABLE" || row.Reason != "model appears in two or more repositories" {
				t.Fatalf("row %+v, want duplicate reason", row)
			}
		}
	}
	if !found {
		t.Fatalf("duplicate missing from index: %+v", idx.Models)
	}
}

func TestNamespacingDisambiguates(t *testing.T) {
	base := t.TempDir()
	rootA := filepath.Join(base, "repo_a")
	rootB := filepath.Join(base, "repo_b")
	addModel(t, rootA, "dup", "1")
	addModel(t, rootB, "dup", "2")

	roots, err := repository.Roots([]string{rootA, rootB}, true)
	if err != nil {
		t.Fatalf("roots: %v", err)
	}
	m := newManager(t, Config{Roots: roots, Mode: ModeNone, Namespacing: true})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !m.ModelReady("dup", 1, "repo_a") || !m.ModelReady("dup", 2, "repo_b") {
		t.Fatalf("both namespaced copies should be ready")
	}

	resp, err := m.Infer(context.Background(), "dup", 0, "repo_b", echoRequest())
	if err != nil {
		t.Fatalf("qualified infer: %v", err)
	}
	if resp.ModelVersion != "2" {
		t.Fatalf("served version %s, want 2", resp.ModelVersion)
	}

	if _, err := m.Infer(context.Background(), "dup", 0, "", echoRequest()); !router.IsAmbiguous(err) {
		t.Fatalf("unqualified infer should be ambiguous, got %v", err)
	}
}

func TestEnsembleLoadAndInfer(t *testing.T) {
	root := t.TempDir()
	addModel(t, root, "preprocess", "1")
	dir := addModel(t, root, "pipeline", "1")
	writeConfig(t, dir, `platform: ensemble
ensemble:
  steps:
    - model: preprocess
`)

	m := newManager(t, pollConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.ModelReady("pipeline", 1, "") || !m.ModelReady("preprocess", 1, "") {
		t.Fatalf("ensemble and composing model should both be ready")
	}

	resp, err := m.Infer(context.Background(), "pipeline", 0, "", echoRequest())
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if resp.ModelName != "pipeline" || resp.ModelVersion != "1" {
		t.Fatalf("served by %s/%s, want pipeline/1", resp.ModelName, resp.ModelVersion)
	}
	if resp.ID != "req-1" {
		t.Fatalf("request id %q not echoed", resp.ID)
	}
}

func TestEnsembleMissingDependency(t *testing.T) {
	root := t.TempDir()
	dir := addModel(t, root, "pipeline", "1")
	writeConfig(t, dir, `platform: ensemble
ensemble:
  steps:
    - model: missing
`)

	m := newManager(t, pollConfig(root))
	_ = m.Start(context.Background())

	if m.ModelReady("pipeline", 0, "") {
		t.Fatalf("ensemble with missing dependency must not be ready")
	}
	idx, err := m.RepositoryIndex(false)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	for _, row := range idx.Models {
		if row.Name == "pipeline" {
			if row.State != "UNAVAILABLE" || !strings.Contains(row.Reason, "not in the model repository") {
				t.Fatalf("row %+v, want unavailable with missing-dependency reason", row)
			}
			return
		}
	}
	t.Fatalf("pipeline missing from index: %+v", idx.Models)
}

func TestUnloadCascades(t *testing.T) {
	root := t.TempDir()
	addModel(t, root, "preprocess", "1")
	dir := addModel(t, root, "pipeline", "1")
	writeConfig(t, dir, `platform: ensemble
ensemble:
  steps:
    - model: preprocess
`)

	m := newManager(t, explicitConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.LoadModel(context.Background(), "pipeline"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !m.ModelReady("preprocess", 0, "") {
		t.Fatalf("composing model should load with the ensemble")
	}

	// Unloading the composing model takes the ensemble down first.
	if err := m.UnloadModel(context.Background(), "preprocess", false); err != nil {
		t.Fatalf("unload composing model: %v", err)
	}
	if m.ModelReady("pipeline", 0, "") {
		t.Fatalf("ensemble must not serve over an unloaded dependency")
	}

	// Reload, then cascade downward on request.
	if err := m.LoadModel(context.Background(), "pipeline"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := m.UnloadModel(context.Background(), "pipeline", true); err != nil {
		t.Fatalf("unload with dependents: %v", err)
	}
	if m.ModelReady("preprocess", 0, "") {
		t.Fatalf("composing model should cascade on unload_dependents")
	}
}

func TestUnloadKeepsSharedDependency(t *testing.T) {
	root := t.TempDir()
	addModel(t, root, "shared", "1")
	for _, name := range []string{"pipe_a", "pipe_b"} {
		dir := addModel(t, root, name, "1")
		writeConfig(t, dir, `platform: ensemble
ensemble:
  steps:
    - model: shared
`)
	}

	m := newManager(t, explicitConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, name := range []string{"pipe_a", "pipe_b"} {
		if err := m.LoadModel(context.Background(), name); err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
	}

	if err := m.UnloadModel(context.Background(), "pipe_a", true); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !m.ModelReady("shared", 0, "") {
		t.Fatalf("shared dependency still in use must stay loaded")
	}
	if !m.ModelReady("pipe_b", 0, "") {
		t.Fatalf("sibling ensemble must keep serving")
	}
}

func TestStatsCountAndAppearPerVersion(t *testing.T) {
	root := t.TempDir()
	addModel(t, root, "densenet", "1")

	m := newManager(t, pollConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.Infer(context.Background(), "densenet", 0, "", echoRequest()); err != nil {
			t.Fatalf("infer %d: %v", i, err)
		}
	}
	if _, err := m.Infer(context.Background(), "densenet", 0, "", &types.InferRequest{}); err == nil {
		t.Fatalf("empty request should fail in the backend")
	}

	stats, err := m.ModelStats("densenet", 0, "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats.Versions) != 1 {
		t.Fatalf("expected one version, got %+v", stats.Versions)
	}
	vs := stats.Versions[0]
	if vs.Version != "1" || vs.SuccessCount != 3 || vs.FailureCount != 1 {
		t.Fatalf("stats %+v, want version 1 with 3/1", vs)
	}
}

func TestIndexIncludesNeverLoadedModels(t *testing.T) {
	root := t.TempDir()
	addModel(t, root, "cold", "1")

	m := newManager(t, explicitConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	idx, err := m.RepositoryIndex(false)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	var found bool
	for _, row := range idx.Models {
		if row.Name == "cold" {
			found = true
			if row.State != "" {
				t.Fatalf("never-loaded model should have empty state, got %q", row.State)
			}
		}
	}
	if !found {
		t.Fatalf("on-disk model missing from index: %+v", idx.Models)
	}

	ready, err := m.RepositoryIndex(true)
	if err != nil {
		t.Fatalf("ready index: %v", err)
	}
	for _, row := range ready.Models {
		if row.Name == "cold" {
			t.Fatalf("ready-only index must omit unloaded models")
		}
	}
}

func TestMetadataReflectsDescriptor(t *testing.T) {
	root := t.TempDir()
	dir := addModel(t, root, "typed", "1", "2")
	writeConfig(t, dir, `platform: onnxruntime_onnx
inputs:
  - name: input0
    datatype: FP32
    shape: [3, 224, 224]
outputs:
  - name: output0
    datatype: FP32
    shape: [1000]
`)

	m := newManager(t, pollConfig(root))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	md, err := m.ModelMetadata("typed", "")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if md.Platform != "onnxruntime_onnx" {
		t.Fatalf("platform %q", md.Platform)
	}
	if len(md.Versions) != 1 || md.Versions[0] != "2" {
		t.Fatalf("versions %v, want [2]", md.Versions)
	}
	if len(md.Inputs) != 1 || md.Inputs[0].Name != "input0" || len(md.Inputs[0].Shape) != 3 {
		t.Fatalf("inputs %+v", md.Inputs)
	}
	if len(md.Outputs) != 1 || md.Outputs[0].Name != "output0" {
		t.Fatalf("outputs %+v", md.Outputs)
	}
}

func TestDescriptorErrorBlocksLoad(t *testing.T) {
	root := t.TempDir()
	dir := addModel(t, root, "bad", "1")
	writeConfig(t, dir, "platform: [oops\n")

	m := newManager(t, pollConfig(root))
	_ = m.Start(context.Background())

	if m.ModelReady("bad", 0, "") {
		t.Fatalf("model with a broken descriptor must not load")
	}
	_, err := m.Infer(context.Background(), "bad", 0, "", echoRequest())
	if !router.IsNoAvailableVersions(err) {
		t.Fatalf("expected no-available-versions, got %v", err)
	}
}

func TestStartupEvents(t *testing.T) {
	root := t.TempDir()
	addModel(t, root, "densenet", "1")

	pub := NewMemoryPublisher()
	cfg := pollConfig(root)
	cfg.Publisher = pub
	m := newManager(t, cfg)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var names []string
	for _, e := range pub.Events() {
		if e.Model == "densenet" {
			names = append(names, e.Name)
		}
	}
	if len(names) < 2 || names[0] != "load_start" || names[len(names)-1] != "load_done" {
		t.Fatalf("unexpected event sequence: %v", names)
	}
}

func TestServerReadinessStrict(t *testing.T) {
	root := t.TempDir()
	dir := addModel(t, root, "broken", "1")
	if err := os.WriteFile(filepath.Join(dir, "1", "FAIL"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	cfg := pollConfig(root)
	cfg.StrictReadiness = true
	m := newManager(t, cfg)
	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("start should report the failed load")
	}
	if !m.ServerLive() {
		t.Fatalf("server should be live regardless of load failures")
	}
	if m.ServerReady() {
		t.Fatalf("strict readiness must fail when a startup load failed")
	}
}
