package store

import (
	"context"
	"errors"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/state"
)

// ErrNotFound is returned when a requested item is not found.
var ErrNotFound = errors.New("not found")

// TransitionEntry is the input for LogTransition.
type TransitionEntry struct {
	From       state.State
	To         state.State
	Trigger    string
	StatusCode int
	Error      string
}

// StateRepository defines operations for state persistence.
type StateRepository interface {
	GetState(ctx context.Context) (*BridgeState, error)
	SaveState(ctx context.Context, s state.State) error
	LogTransition(ctx context.Context, entry TransitionEntry) error
	GetTransitionHistory(ctx context.Context, limit int) ([]Transition, error)
}

// SentRepository defines operations on the sent-message ledger.
type SentRepository interface {
	Record(ctx context.Context, msg *SentMessage) error
	Get(ctx context.Context, id string) (*SentMessage, error)
	Count(ctx context.Context) (int, error)
}
