// Package state tracks the lifecycle of one served model version. All
// transitions for a (model, version) pair are serialized behind the
// handle's lock; reading the current state never blocks on an in-flight
// load or unload.
package state

import (
	"context"

	"github.com/looplab/fsm"
)

// VersionState is the lifecycle state of one (model, version).
type VersionState string

const (
	StateUnknown     VersionState = "UNKNOWN"
	StateLoading     VersionState = "LOADING"
	StateReady       VersionState = "READY"
	StateUnavailable VersionState = "UNAVAILABLE"
	StateUnloading   VersionState = "UNLOADING"
	StateUnloaded    VersionState = "UNLOADED"
)

// State machine events.
const (
	eventLoad          = "load"
	eventLoadSucceeded = "loadSucceeded"
	eventLoadFailed    = "loadFailed"
	eventReloadFailed  = "reloadFailed"
	eventUnload        = "unload"
	eventUnloadDone    = "unloadDone"
)

// newVersionFSM builds the per-version machine. A reload of a READY
// version deliberately has no entry event: the serving instance keeps its
// READY state through the reload window and only a failed replacement
// moves it to UNAVAILABLE.
func newVersionFSM(onTransition func(from, to VersionState)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateUnknown),
		fsm.Events{
			{Name: eventLoad, Src: []string{string(StateUnknown), string(StateUnavailable), string(StateUnloaded)}, Dst: string(StateLoading)},
			{Name: eventLoadSucceeded, Src: []string{string(StateLoading)}, Dst: string(StateReady)},
			{Name: eventLoadFailed, Src: []string{string(StateLoading)}, Dst: string(StateUnavailable)},
			{Name: eventReloadFailed, Src: []string{string(StateReady)}, Dst: string(StateUnavailable)},
			{Name: eventUnload, Src: []string{string(StateReady), string(StateUnavailable), string(StateUnknown)}, Dst: string(StateUnloading)},
			{Name: eventUnloadDone, Src: []string{string(StateUnloading)}, Dst: string(StateUnloaded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onTransition(VersionState(e.Src), VersionState(e.Dst))
			},
		},
	)
}
