package sync

// State is the engine's position in the per-page sync state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSyncing
	StateWaitingForRemote
	StateError
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateWaitingForRemote:
		return "waiting-for-remote"
	case StateError:
		return "error"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
