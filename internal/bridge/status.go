package bridge

import (
	"time"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/session"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/state"
)

// Status is a copy of the connection state served on /status.
type Status struct {
	Status                state.State `json:"status"`
	Connected             bool        `json:"connected"`
	Reconnecting          bool        `json:"reconnecting"`
	ReconnectAbandoned    bool        `json:"reconnectAbandoned"`
	QRCode                string      `json:"qrCode"`
	Phone                 string      `json:"phone"`
	RetryCount            int         `json:"retryCount"`
	Consecutive405Count   int         `json:"consecutive405Count"`
	LastStatusCode        int         `json:"lastStatusCode"`
	LastError             string      `json:"lastError"`
	PairingCode           string      `json:"pairingCode"`
	PairingCodeIssuedAt   *time.Time  `json:"pairingCodeIssuedAt"`
	LastIncomingMessageAt *time.Time  `json:"lastIncomingMessageAt"`
	LastOutgoingMessageAt *time.Time  `json:"lastOutgoingMessageAt"`
	ErrorCount24h         int         `json:"errorCount24h"`
	WebhookLatencyAvgMs   int64       `json:"webhookLatencyAvgMs"`

	// QR is the raw challenge behind QRCode.
	QR string `json:"-"`
}

// Healthy reports whether the bridge is in a state it can recover from on
// its own.
func (s Status) Healthy() bool {
	return s.Status.Known() && !s.ReconnectAbandoned
}

func (s Status) snapshot() session.Snapshot {
	return session.Snapshot{
		Status:                s.Status.String(),
		Phone:                 s.Phone,
		QRCode:                s.QRCode,
		PairingCode:           s.PairingCode,
		PairingCodeIssuedAt:   s.PairingCodeIssuedAt,
		RetryCount:            s.RetryCount,
		Consecutive405Count:   s.Consecutive405Count,
		LastStatusCode:        s.LastStatusCode,
		LastError:             s.LastError,
		ReconnectAbandoned:    s.ReconnectAbandoned,
		LastIncomingMessageAt: s.LastIncomingMessageAt,
		LastOutgoingMessageAt: s.LastOutgoingMessageAt,
		ErrorCount24h:         s.ErrorCount24h,
		WebhookLatencyAvgMs:   s.WebhookLatencyAvgMs,
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
