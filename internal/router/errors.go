package router

import "fmt"

// unknownModelError: the name never existed or was fully purged.
type unknownModelError struct{ name string }

func (e unknownModelError) Error() string {
	return fmt.Sprintf("Request for unknown model: '%s' is not found", e.name)
}

// ErrUnknownModel constructs the not-found resolution error.
func ErrUnknownModel(name string) error { return unknownModelError{name: name} }

// IsUnknownModel reports whether err means the model does not exist at all.
func IsUnknownModel(err error) bool {
	_, ok := err.(unknownModelError)
	return ok
}

// noVersionsError: the model exists but has zero ready versions.
type noVersionsError struct{ name string }

func (e noVersionsError) Error() string {
	return fmt.Sprintf("Request for unknown model: '%s' has no available versions", e.name)
}

// ErrNoAvailableVersions constructs the zero-ready-versions error.
func ErrNoAvailableVersions(name string) error { return noVersionsError{name: name} }

// IsNoAvailableVersions reports whether err means zero ready versions.
func IsNoAvailableVersions(err error) bool {
	_, ok := err.(noVersionsError)
	return ok
}

// versionNotReadyError: a specific requested version is not READY. Kept
// distinct from noVersionsError; the two must not be conflated.
type versionNotReadyError struct {
	name    string
	version int64
}

func (e versionNotReadyError) Error() string {
	return fmt.Sprintf("Request for unknown model: '%s' version %d is not at ready state", e.name, e.version)
}

// ErrVersionNotReady constructs the version-specific not-ready error.
func ErrVersionNotReady(name string, version int64) error {
	return versionNotReadyError{name: name, version: version}
}

// IsVersionNotReady reports whether err names a specific non-ready version.
func IsVersionNotReady(err error) bool {
	_, ok := err.(versionNotReadyError)
	return ok
}

// ambiguousModelError: the unqualified name resolves to two or more
// unrelated entries.
type ambiguousModelError struct{ name string }

func (e ambiguousModelError) Error() string {
	return fmt.Sprintf("inference request for '%s' is ambiguous, model appears in two or more repositories", e.name)
}

// ErrAmbiguousModel constructs the cross-repository ambiguity error.
func ErrAmbiguousModel(name string) error { return ambiguousModelError{name: name} }

// IsAmbiguous reports whether err is a duplicate-name ambiguity.
func IsAmbiguous(err error) bool {
	_, ok := err.(ambiguousModelError)
	return ok
}

// versionRequiredError: more than one version is concurrently ready and
// the policy cannot narrow the choice to one.
type versionRequiredError struct{ name string }

func (e versionRequiredError) Error() string {
	return fmt.Sprintf("inference request for '%s' must specify a version, multiple versions are ready", e.name)
}

// ErrVersionRequired constructs the explicit-version-needed error.
func ErrVersionRequired(name string) error { return versionRequiredError{name: name} }

// IsVersionRequired reports whether err asks the caller to pick a version.
func IsVersionRequired(err error) bool {
	_, ok := err.(versionRequiredError)
	return ok
}
