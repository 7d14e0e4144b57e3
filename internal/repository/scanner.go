// Package repository discovers models across one or more repository roots
// and produces the inventory snapshots the lifecycle manager reconciles
// against. The repository itself is never written, only read.
package repository

import (
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"repod/internal/common/fsutil"
)

// Root is one configured model repository root. Namespace is empty unless
// namespacing is enabled, in which case it qualifies every model found
// under this root.
type Root struct {
	Path      string
	Namespace string
}

// Roots builds Root values from raw paths, deriving each namespace from
// the root's base name when namespacing is enabled.
func Roots(paths []string, namespacing bool) ([]Root, error) {
	roots := make([]Root, 0, len(paths))
	for _, p := range paths {
		expanded, err := fsutil.ExpandHome(p)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("abs path: %w", err)
		}
		r := Root{Path: abs}
		if namespacing {
			r.Namespace = filepath.Base(abs)
		}
		roots = append(roots, r)
	}
	return roots, nil
}

// ModelDef is everything the scanner learned about one model directory in
// one repository root.
type ModelDef struct {
	Name      string
	Namespace string
	Root      string
	Dir       string
	// Config is the parsed or autofilled descriptor; nil when ConfigErr
	// is set.
	Config *ModelConfig
	// ConfigErr records a descriptor parse or validation failure. The
	// model stays visible in the inventory but cannot be loaded.
	ConfigErr error
	// AutoFilled reports that no descriptor file was present.
	AutoFilled bool
	// Versions discovered on disk, ascending. Non-integral and
	// zero-prefixed directory names never appear here.
	Versions []int64
	// Fingerprint changes whenever any file under the model directory
	// changes; it decides whether a re-observed version is reload-worthy.
	Fingerprint string
}

// Key returns the namespace-qualified identity of the model.
func (d *ModelDef) Key() string {
	if d.Namespace == "" {
		return d.Name
	}
	return d.Namespace + "::" + d.Name
}

// Inventory is a repository-wide snapshot. Models are grouped by
// unqualified name; each name maps to the defs observed across roots in
// the caller-supplied root order. Duplicate names across roots are kept,
// never resolved by scan order.
type Inventory struct {
	Names  []string
	Models map[string][]*ModelDef
}

// Defs returns the defs for an unqualified name.
func (inv *Inventory) Defs(name string) []*ModelDef { return inv.Models[name] }

// Scanner enumerates repository roots.
type Scanner struct {
	roots []Root
}

// NewScanner returns a scanner over the given roots.
func NewScanner(roots []Root) *Scanner { return &Scanner{roots: roots} }

// Roots returns the configured roots in order.
func (s *Scanner) Roots() []Root { return s.roots }

// Scan walks every root and returns the full inventory. Unreadable roots
// fail the scan; unreadable or malformed individual models do not, they
// are recorded on the def instead.
func (s *Scanner) Scan() (*Inventory, error) {
	inv := &Inventory{Models: make(map[string][]*ModelDef)}
	for _, root := range s.roots {
		entries, err := os.ReadDir(root.Path)
		if err != nil {
			return nil, fmt.Errorf("read repository %s: %w", root.Path, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			def := s.scanModelDir(root, e.Name())
			if _, seen := inv.Models[def.Name]; !seen {
				inv.Names = append(inv.Names, def.Name)
			}
			inv.Models[def.Name] = append(inv.Models[def.Name], def)
		}
	}
	sort.Strings(inv.Names)
	return inv, nil
}

// ScanModel re-scans a single model by unqualified name across all roots.
// Used by explicit-mode load, which must not pay for a full repository
// walk. Returns defs in root order; empty when no root has the model.
func (s *Scanner) ScanModel(name string) []*ModelDef {
	var defs []*ModelDef
	for _, root := range s.roots {
		dir := filepath.Join(root.Path, name)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		defs = append(defs, s.scanModelDir(root, name))
	}
	return defs
}

func (s *Scanner) scanModelDir(root Root, name string) *ModelDef {
	dir := filepath.Join(root.Path, name)
	def := &ModelDef{
		Name:      name,
		Namespace: root.Namespace,
		Root:      root.Path,
		Dir:       dir,
	}
	def.Versions = discoverVersions(dir)
	def.Fingerprint = fingerprint(dir)

	_, cfg, err := LoadDescriptor(dir)
	if err != nil {
		def.ConfigErr = err
		return def
	}
	if cfg == nil {
		// Deleting the descriptor is equivalent to requesting autofill
		// on the next load.
		def.Config = Autofill(dir, def.Versions)
		def.AutoFilled = true
		return def
	}
	if err := cfg.Validate(name); err != nil {
		def.ConfigErr = err
		return def
	}
	def.Config = cfg
	return def
}

// discoverVersions lists version subdirectories that parse as positive
// base-10 integers. Zero-prefixed names like "01" are rejected so a
// version has exactly one on-disk spelling.
func discoverVersions(dir string) []int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var versions []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, ok := parseVersion(e.Name())
		if !ok {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

func parseVersion(name string) (int64, bool) {
	if name == "" || (len(name) > 1 && name[0] == '0') {
		return 0, false
	}
	v, err := strconv.ParseInt(name, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// fingerprint folds every file path, size and mtime under dir into one
// value. Identical trees hash identically across scans.
func fingerprint(dir string) string {
	h := fnv.New64a()
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		fmt.Fprint(h, rel)
		if info, infoErr := d.Info(); infoErr == nil {
			fmt.Fprintf(h, "|%d|%d", info.Size(), info.ModTime().UnixNano())
		}
		fmt.Fprint(h, "\n")
		return nil
	})
	return strconv.FormatUint(h.Sum64(), 16)
}
