package voice

// State is the lifecycle state of a voice [Session].
type State int

const (
	// StateIdle means no devices or transport are held.
	StateIdle State = iota

	// StateConnecting means devices are held and the collaborator has been
	// dialled but has not yet confirmed the session.
	StateConnecting

	// StateOpen means frames flow in both directions.
	StateOpen

	// StateClosed means the session ended normally and all resources are
	// released.
	StateClosed

	// StateError means the session ended because of a device or transport
	// failure and all resources are released.
	StateError
)

// String returns the lowercase state name used in logs, metrics and the UI.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether the state holds devices and a transport.
func (s State) Active() bool {
	return s == StateConnecting || s == StateOpen
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// MarshalText implements encoding.TextMarshaler so states render as names in
// JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
