// Package bridge owns the single WhatsApp session: authentication,
// reconnection, inbound relay and outbound sends.
package bridge

import (
	"fmt"
	"strconv"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/state"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/whatsapp"
)

// Messages consumed by the manager loop. Commands carry a reply channel;
// events from the network do not.
type (
	connectCmd struct {
		reply chan Status
	}
	disconnectCmd struct {
		logout bool
		reply  chan Status
	}
	pairingIssued struct {
		code  string
		reply chan Status
	}
	outgoingSent struct {
		at time.Time
	}
	stopCmd struct{}

	dialResult struct {
		err error
	}
	reconnectDue struct {
		gen uint64
	}
	qrIssued struct {
		code string
	}
	sessionOpened struct{}
	sessionClosed struct {
		code   int
		reason string
	}
	incomingReceived struct {
		at time.Time
	}
)

// closeFromEvent normalizes the whatsmeow events that end a session to a
// numeric close code.
func closeFromEvent(evt any) (sessionClosed, bool) {
	switch e := evt.(type) {
	case *events.Disconnected:
		return sessionClosed{code: state.CodeConnectionClosed, reason: "connection closed"}, true
	case *whatsapp.QRExpired:
		return sessionClosed{code: state.CodeConnectionLost, reason: "QR code expired"}, true
	case *events.StreamReplaced:
		return sessionClosed{code: state.CodeConnectionReplaced, reason: "connection replaced by another session"}, true
	case *events.StreamError:
		code := state.CodeRestartRequired
		if n, err := strconv.Atoi(e.Code); err == nil && n > 0 {
			code = n
		}
		return sessionClosed{code: code, reason: fmt.Sprintf("stream error %s", e.Code)}, true
	case *events.ClientOutdated:
		return sessionClosed{code: state.CodeMethodNotAllowed, reason: "client version rejected by server"}, true
	case *events.TemporaryBan:
		return sessionClosed{code: state.CodeTemporaryBan, reason: e.String()}, true
	case *events.LoggedOut:
		code := int(e.Reason)
		if code == 0 {
			code = state.CodeUnauthorized
		}
		return sessionClosed{code: code, reason: fmt.Sprintf("logged out: %s", e.Reason)}, true
	case *events.ConnectFailure:
		reason := e.Message
		if reason == "" {
			reason = e.Reason.String()
		}
		return sessionClosed{code: int(e.Reason), reason: fmt.Sprintf("connect failure: %s", reason)}, true
	default:
		return sessionClosed{}, false
	}
}
