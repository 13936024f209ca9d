// Package state provides the finite state machine for the bridge connection lifecycle.
package state

// State represents a connection status of the bridge.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateQRPending    State = "qr_pending"
	StatePairingCode  State = "pairing_code"
	StateConnected    State = "connected"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Known returns true for the five lifecycle states.
func (s State) Known() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateQRPending, StatePairingCode, StateConnected:
		return true
	default:
		return false
	}
}

// IsAuthenticating returns true while a QR or pairing code challenge is outstanding.
func (s State) IsAuthenticating() bool {
	return s == StateQRPending || s == StatePairingCode
}

