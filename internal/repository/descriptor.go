package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"repod/internal/version"
)

// Descriptor file names probed in order inside a model directory.
var descriptorNames = []string{"config.yaml", "config.yml", "config.json", "config.toml"}

// PlatformEnsemble marks composite models whose execution cascades
// through composing models.
const PlatformEnsemble = "ensemble"

// TensorConfig describes one declared input or output tensor.
type TensorConfig struct {
	Name     string  `json:"name" yaml:"name" toml:"name"`
	Datatype string  `json:"datatype" yaml:"datatype" toml:"datatype"`
	Shape    []int64 `json:"shape" yaml:"shape" toml:"shape"`
}

// InstanceGroupConfig declares how many execution instances serve a version.
type InstanceGroupConfig struct {
	Count int    `json:"count" yaml:"count" toml:"count"`
	Kind  string `json:"kind" yaml:"kind" toml:"kind"`
}

// VersionPolicyConfig is the on-disk form of a version policy. Exactly one
// of the fields may be set.
type VersionPolicyConfig struct {
	Latest   *LatestPolicyConfig   `json:"latest,omitempty" yaml:"latest,omitempty" toml:"latest,omitempty"`
	All      *AllPolicyConfig      `json:"all,omitempty" yaml:"all,omitempty" toml:"all,omitempty"`
	Specific *SpecificPolicyConfig `json:"specific,omitempty" yaml:"specific,omitempty" toml:"specific,omitempty"`
}

type LatestPolicyConfig struct {
	NumVersions int `json:"num_versions" yaml:"num_versions" toml:"num_versions"`
}

type AllPolicyConfig struct{}

type SpecificPolicyConfig struct {
	Versions []int64 `json:"versions" yaml:"versions" toml:"versions"`
}

// EnsembleStep names one composing model of an ensemble.
type EnsembleStep struct {
	Model string `json:"model" yaml:"model" toml:"model"`
	// Optional explicit namespace qualifier for the composing model.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty" toml:"namespace,omitempty"`
}

// EnsembleConfig is present only for platform "ensemble".
type EnsembleConfig struct {
	Steps []EnsembleStep `json:"steps" yaml:"steps" toml:"steps"`
}

// ModelConfig is the parsed model descriptor. Missing descriptors are
// synthesized by Autofill.
type ModelConfig struct {
	Name          string                `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Platform      string                `json:"platform" yaml:"platform" toml:"platform"`
	MaxBatchSize  int                   `json:"max_batch_size,omitempty" yaml:"max_batch_size,omitempty" toml:"max_batch_size,omitempty"`
	Inputs        []TensorConfig        `json:"inputs,omitempty" yaml:"inputs,omitempty" toml:"inputs,omitempty"`
	Outputs       []TensorConfig        `json:"outputs,omitempty" yaml:"outputs,omitempty" toml:"outputs,omitempty"`
	VersionPolicy *VersionPolicyConfig  `json:"version_policy,omitempty" yaml:"version_policy,omitempty" toml:"version_policy,omitempty"`
	InstanceGroup []InstanceGroupConfig `json:"instance_group,omitempty" yaml:"instance_group,omitempty" toml:"instance_group,omitempty"`
	Ensemble      *EnsembleConfig       `json:"ensemble,omitempty" yaml:"ensemble,omitempty" toml:"ensemble,omitempty"`
}

// IsEnsemble reports whether this config declares a composite model.
func (c *ModelConfig) IsEnsemble() bool { return c.Platform == PlatformEnsemble }

// Policy maps the descriptor's version policy onto a resolver policy,
// defaulting to Latest(1).
func (c *ModelConfig) Policy() version.Policy {
	vp := c.VersionPolicy
	if vp == nil {
		return version.Default()
	}
	switch {
	case vp.Latest != nil:
		return version.Latest(vp.Latest.NumVersions)
	case vp.All != nil:
		return version.All()
	case vp.Specific != nil:
		return version.Specific(vp.Specific.Versions...)
	default:
		return version.Default()
	}
}

// Validate enforces the structural invariants a descriptor must satisfy
// before it can drive a load.
func (c *ModelConfig) Validate(dirName string) error {
	if c.Name != "" && c.Name != dirName {
		return fmt.Errorf("config name %q does not match model directory %q", c.Name, dirName)
	}
	if vp := c.VersionPolicy; vp != nil {
		set := 0
		if vp.Latest != nil {
			set++
			if vp.Latest.NumVersions <= 0 {
				return fmt.Errorf("version_policy latest num_versions must be positive")
			}
		}
		if vp.All != nil {
			set++
		}
		if vp.Specific != nil {
			set++
			if len(vp.Specific.Versions) == 0 {
				return fmt.Errorf("version_policy specific requires at least one version")
			}
			for _, v := range vp.Specific.Versions {
				if v <= 0 {
					return fmt.Errorf("version_policy specific contains non-positive version %d", v)
				}
			}
		}
		if set > 1 {
			return fmt.Errorf("version_policy must set at most one of latest, all, specific")
		}
	}
	if c.IsEnsemble() {
		if c.Ensemble == nil || len(c.Ensemble.Steps) == 0 {
			return fmt.Errorf("ensemble platform requires at least one step")
		}
		for i, step := range c.Ensemble.Steps {
			if strings.TrimSpace(step.Model) == "" {
				return fmt.Errorf("ensemble step %d has no model name", i)
			}
			if step.Model == dirName {
				return fmt.Errorf("ensemble step %d refers to the ensemble itself", i)
			}
		}
	} else if c.Ensemble != nil {
		return fmt.Errorf("ensemble section present but platform is %q", c.Platform)
	}
	return nil
}

// LoadDescriptor reads and parses the model descriptor in dir, choosing the
// decoder by file extension. It returns ("", nil, nil) when no descriptor
// file exists, which callers treat as a request for autofill.
func LoadDescriptor(dir string) (string, *ModelConfig, error) {
	for _, name := range descriptorNames {
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return path, nil, err
		}
		var cfg ModelConfig
		switch ext := strings.ToLower(filepath.Ext(name)); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return path, nil, fmt.Errorf("parse %s: %w", name, err)
			}
		case ".json":
			if err := json.Unmarshal(b, &cfg); err != nil {
				return path, nil, fmt.Errorf("parse %s: %w", name, err)
			}
		case ".toml":
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return path, nil, fmt.Errorf("parse %s: %w", name, err)
			}
		}
		return path, &cfg, nil
	}
	return "", nil, nil
}

// platformByExtension infers a serving platform from version payload files.
var platformByExtension = map[string]string{
	".onnx":       "onnxruntime_onnx",
	".graphdef":   "tensorflow_graphdef",
	".pt":         "pytorch_libtorch",
	".plan":       "tensorrt_plan",
	".gguf":       "llama",
	".savedmodel": "tensorflow_savedmodel",
}

// Autofill synthesizes a minimal config for a model directory without a
// descriptor: name from the directory, Latest(1) policy, platform inferred
// from the payload files of the given version directories. An empty
// platform is returned when nothing recognizable is found; such a model
// fails to load with a configuration error rather than failing the scan.
func Autofill(dir string, versions []int64) *ModelConfig {
	cfg := &ModelConfig{Name: filepath.Base(dir)}
	for _, v := range versions {
		entries, err := os.ReadDir(filepath.Join(dir, fmt.Sprintf("%d", v)))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if e.Name() == "saved_model.pb" {
				cfg.Platform = "tensorflow_savedmodel"
				return cfg
			}
			if p, ok := platformByExtension[strings.ToLower(filepath.Ext(e.Name()))]; ok {
				cfg.Platform = p
				return cfg
			}
		}
	}
	return cfg
}
