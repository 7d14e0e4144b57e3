// Package version implements the version policy that selects which of a
// model's discovered on-disk versions should be served.
package version

import "sort"

// PolicyKind discriminates the three supported policies.
type PolicyKind string

const (
	KindLatest   PolicyKind = "latest"
	KindAll      PolicyKind = "all"
	KindSpecific PolicyKind = "specific"
)

// Policy selects desired versions from the set discovered on disk.
type Policy struct {
	Kind PolicyKind
	// N applies to KindLatest.
	N int
	// Versions applies to KindSpecific.
	Versions []int64
}

// Default is Latest(1); it is also what autofill assigns when a model has
// no descriptor.
func Default() Policy { return Latest(1) }

// Latest returns a policy selecting the n numerically greatest versions.
func Latest(n int) Policy {
	if n <= 0 {
		n = 1
	}
	return Policy{Kind: KindLatest, N: n}
}

// All returns a policy selecting every discovered version.
func All() Policy { return Policy{Kind: KindAll} }

// Specific returns a policy selecting exactly the named versions, where
// present on disk.
func Specific(versions ...int64) Policy {
	vs := append([]int64(nil), versions...)
	return Policy{Kind: KindSpecific, Versions: vs}
}

// Resolve returns the desired subset of discovered, sorted ascending.
// Versions named by a specific policy but absent on disk are dropped
// silently. Resolve never returns versions that were not discovered;
// filtering of non-integral or zero-prefixed directory names happens in
// the scanner before discovery.
func (p Policy) Resolve(discovered []int64) []int64 {
	sorted := append([]int64(nil), discovered...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	switch p.Kind {
	case KindAll:
		return sorted
	case KindSpecific:
		want := make(map[int64]bool, len(p.Versions))
		for _, v := range p.Versions {
			want[v] = true
		}
		out := sorted[:0:0]
		for _, v := range sorted {
			if want[v] {
				out = append(out, v)
			}
		}
		return out
	default: // KindLatest and zero-value policies
		n := p.N
		if n <= 0 {
			n = 1
		}
		if n >= len(sorted) {
			return sorted
		}
		return sorted[len(sorted)-n:]
	}
}
