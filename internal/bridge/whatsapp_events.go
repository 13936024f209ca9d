package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/health"
)

const lidLookupTimeout = 5 * time.Second

// MessageKey identifies an inbound message.
type MessageKey struct {
	ID          string `json:"id"`
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	Participant string `json:"participant,omitempty"`
}

// InboundMessage is the webhook body for one inbound message. ReplyJID is
// the address to answer on, with linked-device ids swapped for the phone
// number behind them.
type InboundMessage struct {
	Key              MessageKey      `json:"key"`
	Message          json.RawMessage `json:"message,omitempty"`
	PushName         string          `json:"pushName,omitempty"`
	MessageTimestamp int64           `json:"messageTimestamp"`
	ReplyJID         string          `json:"_replyJid"`
}

// handleWhatsAppEvent translates whatsmeow events into loop messages. It
// runs on the client's event goroutine and never touches loop state.
func (m *Manager) handleWhatsAppEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.QR:
		if len(evt.Codes) > 0 {
			_ = m.post(qrIssued{code: evt.Codes[0]})
		}
	case *events.PairSuccess:
		m.log.Info().Str("jid", evt.ID.String()).Msg("device paired")
	case *events.Connected:
		_ = m.post(sessionOpened{})
	case *events.KeepAliveTimeout:
		m.telemetry.RecordError(health.KindConnection, fmt.Errorf("keepalive timeout (%d errors)", evt.ErrorCount))
		m.log.Warn().Int("errors", evt.ErrorCount).Msg("keepalive timeout")
	case *events.KeepAliveRestored:
		m.log.Info().Msg("keepalive restored")
	case *events.Message:
		m.relayMessage(evt)
	default:
		if closed, ok := closeFromEvent(rawEvt); ok {
			_ = m.post(closed)
		}
	}
}

func (m *Manager) relayMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}

	at := evt.Info.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	_ = m.post(incomingReceived{at: at})
	m.telemetry.RecordMessageReceived()

	if m.relay == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lidLookupTimeout)
	defer cancel()

	payload, err := m.inboundMessage(ctx, evt)
	if err != nil {
		m.log.Error().Err(err).Str("id", evt.Info.ID).Msg("failed to encode inbound message")
		return
	}
	m.relay.Dispatch(payload)
}

func (m *Manager) inboundMessage(ctx context.Context, evt *events.Message) (InboundMessage, error) {
	out := InboundMessage{
		Key: MessageKey{
			ID:        evt.Info.ID,
			RemoteJID: evt.Info.Chat.String(),
			FromMe:    evt.Info.IsFromMe,
		},
		PushName:         evt.Info.PushName,
		MessageTimestamp: evt.Info.Timestamp.Unix(),
		ReplyJID:         m.replyJID(ctx, evt.Info).String(),
	}
	if evt.Info.IsGroup {
		out.Key.Participant = evt.Info.Sender.String()
	}

	if evt.Message != nil {
		body, err := protojson.Marshal(evt.Message)
		if err != nil {
			return InboundMessage{}, err
		}
		out.Message = body
	}
	return out, nil
}

// replyJID returns the chat to answer on. Chats addressed by a hidden
// linked-device id are mapped back to the phone-number JID.
func (m *Manager) replyJID(ctx context.Context, info types.MessageInfo) types.JID {
	chat := info.Chat
	if chat.Server != types.HiddenUserServer {
		return chat
	}
	if info.SenderAlt.Server == types.DefaultUserServer {
		return info.SenderAlt.ToNonAD()
	}

	pn, err := m.client.PhoneForLID(ctx, chat)
	if err != nil {
		m.log.Debug().Err(err).Str("lid", chat.String()).Msg("no phone number for linked-device id")
		return chat
	}
	return pn.ToNonAD()
}
