package bridge

import (
	"context"

	"go.mau.fi/whatsmeow/types"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/whatsapp"
)

// WhatsAppClient defines the session operations the manager drives.
// This allows for easy mocking in tests.
type WhatsAppClient interface {
	// Connect dials the network. Progress arrives as events.
	Connect() error
	Disconnect()
	ResetCredentials(ctx context.Context) error

	IsLoggedIn() bool
	OwnPhone() string

	PairPhone(ctx context.Context, phone string) (string, error)

	SendText(ctx context.Context, to types.JID, text string) (whatsapp.SendResult, error)
	SendDocument(ctx context.Context, to types.JID, doc whatsapp.Document) (whatsapp.SendResult, error)

	PhoneForLID(ctx context.Context, lid types.JID) (types.JID, error)

	// Event handling
	AddEventHandler(handler func(any))
}

var _ WhatsAppClient = (*whatsapp.Client)(nil)
