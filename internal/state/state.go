// Package state is the client-facing update state machine: it composes
// trust bootstrap, index resolution, download orchestration and script
// emission into check → download → apply, and owns the only mutable state
// in the process.
package state

// State is the externally observable phase of the update machine.
type State string

const (
	StateIdle          State = "idle"
	StateChecking      State = "checking"
	StateNoneAvailable State = "none-available"
	StateAvailable     State = "available"
	StateDownloading   State = "downloading"
	StatePaused        State = "paused"
	StateDownloaded    State = "downloaded"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
	StateApplying      State = "applying"
)

// Terminal reports whether the state ends a cycle. A new check is
// permitted from idle or any terminal state; applying hands the device to
// the installer and nothing runs after it.
func (s State) Terminal() bool {
	switch s {
	case StateNoneAvailable, StateDownloaded, StateFailed, StateCanceled, StateApplying:
		return true
	}
	return false
}

// checkable reports whether a new check may start from this state.
// Everything except an in-flight check or download qualifies.
func (s State) checkable() bool {
	switch s {
	case StateChecking, StateDownloading, StatePaused:
		return false
	}
	return true
}
