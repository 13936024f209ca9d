package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerConnect           Trigger = "connect"
	TriggerReconnect         Trigger = "reconnect"
	TriggerQRIssued          Trigger = "qr_issued"
	TriggerPairingCodeIssued Trigger = "pairing_code_issued"
	TriggerOpened            Trigger = "opened"
	TriggerClosed            Trigger = "closed"
	TriggerDisconnect        Trigger = "disconnect"
	TriggerLogout            Trigger = "logout"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
