package lifecycle

import "fmt"

// loadFailedError is returned by explicit load calls. The message is
// prefix-matchable: "failed to load '<name>', <reason>".
type loadFailedError struct {
	name   string
	reason string
}

func (e loadFailedError) Error() string {
	return fmt.Sprintf("failed to load '%s', %s", e.name, e.reason)
}

// ErrLoadFailed constructs a load failure for a model with a reason.
func ErrLoadFailed(name, reason string) error { return loadFailedError{name: name, reason: reason} }

// ErrNoVersionAvailable is the failure for loading a model with zero
// discoverable versions; the backend is never contacted.
func ErrNoVersionAvailable(name string) error {
	return loadFailedError{name: name, reason: "no version is available"}
}

// IsLoadFailed reports whether err came from an explicit load.
func IsLoadFailed(err error) bool {
	_, ok := err.(loadFailedError)
	return ok
}
