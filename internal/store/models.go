// Package store provides the bridge's sqlite ledger.
package store

import (
	"time"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/state"
)

// Transition represents a state machine transition record.
type Transition struct {
	ID         int64       `db:"id" json:"id"`
	FromState  state.State `db:"from_state" json:"from"`
	ToState    state.State `db:"to_state" json:"to"`
	Trigger    string      `db:"trigger_name" json:"trigger"`
	StatusCode int         `db:"status_code" json:"statusCode,omitempty"`
	Error      string      `db:"error" json:"error,omitempty"`
	Timestamp  time.Time   `db:"timestamp" json:"timestamp"`
}

// Message kinds in the sent ledger.
const (
	KindText     = "text"
	KindDocument = "document"
)

// SentMessage is a provider message id issued for a send made by this bridge.
type SentMessage struct {
	ID        string    `db:"id" json:"id"`
	JID       string    `db:"jid" json:"jid"`
	Kind      string    `db:"kind" json:"kind"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// BridgeState is the last status recorded by the transition log.
type BridgeState struct {
	State     state.State `db:"state" json:"state"`
	UpdatedAt time.Time   `db:"updated_at" json:"updatedAt"`
}
