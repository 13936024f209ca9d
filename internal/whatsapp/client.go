// Package whatsapp provides the WhatsApp session client using whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to WhatsApp")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrEmptyDocument    = errors.New("document is empty")
)

// Pairing code client identity shown on the phone.
const pairingDisplayName = "Chrome (Linux)"

// QRExpired is dispatched to event handlers when every QR code of a login
// attempt went unscanned. The socket is already closed when it arrives.
type QRExpired struct{}

// SendResult is the provider acknowledgment of a sent message.
type SendResult struct {
	ID        string
	Timestamp time.Time
}

// Document is an outbound file.
type Document struct {
	Data     []byte
	FileName string
	Caption  string
	MimeType string
}

// Config holds configuration for the WhatsApp client.
type Config struct {
	// SessionPath is the sqlite file holding device credentials.
	SessionPath string
}

// Client wraps the whatsmeow client. The session never reconnects on its
// own; the connection manager decides when to dial again.
type Client struct {
	container *sqlstore.Container
	log       zerolog.Logger

	mu       sync.RWMutex
	client   *whatsmeow.Client
	handlers []func(any)
}

// NewClient opens the credential store and prepares a client for its first device.
func NewClient(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	log = log.With().Str("component", "whatsapp").Logger()
	dbLog := waLog.Zerolog(log.With().Str("module", "whatsmeow-db").Logger())

	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", cfg.SessionPath), dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to get device store: %w", err)
	}

	c := &Client{
		container: container,
		log:       log,
	}
	c.client = c.newWhatsmeowClient(device)
	return c, nil
}

func (c *Client) newWhatsmeowClient(device *store.Device) *whatsmeow.Client {
	cli := whatsmeow.NewClient(device, waLog.Zerolog(c.log.With().Str("module", "whatsmeow").Logger()))
	cli.EnableAutoReconnect = false
	cli.AddEventHandler(c.dispatch)
	return cli
}

func (c *Client) current() *whatsmeow.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Connect dials the WhatsApp websocket. Authentication progress is reported
// through events. Without credentials every rotated QR code is dispatched
// as its own *events.QR.
func (c *Client) Connect() error {
	cli := c.current()
	if cli.IsConnected() {
		return nil
	}
	if cli.Store.ID == nil {
		qrChan, err := cli.GetQRChannel(context.Background())
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		if err == nil {
			go c.relayQR(qrChan)
		}
	}
	if err := cli.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (c *Client) relayQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.dispatch(&events.QR{Codes: []string{item.Code}})
		case whatsmeow.QRChannelTimeout.Event:
			c.dispatch(&QRExpired{})
		case whatsmeow.QRChannelEventError:
			c.log.Error().Err(item.Error).Msg("QR login failed")
		default:
			c.log.Debug().Str("event", item.Event).Msg("QR channel event")
		}
	}
}

// Disconnect closes the websocket and keeps credentials.
func (c *Client) Disconnect() {
	c.current().Disconnect()
}

// ResetCredentials logs out when possible, deletes local credentials and
// swaps in a fresh device so the next Connect starts a new QR cycle.
func (c *Client) ResetCredentials(ctx context.Context) error {
	cli := c.current()
	if cli.Store.ID != nil && cli.IsConnected() {
		if err := cli.Logout(ctx); err != nil {
			c.log.Warn().Err(err).Msg("logout failed, deleting local credentials anyway")
		}
	}
	if cli.Store.ID != nil {
		if err := cli.Store.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete credentials: %w", err)
		}
	}
	cli.Disconnect()
	cli.RemoveEventHandlers()

	fresh := c.newWhatsmeowClient(c.container.NewDevice())
	c.mu.Lock()
	c.client = fresh
	c.mu.Unlock()

	c.log.Info().Msg("credentials reset")
	return nil
}

// IsLoggedIn returns true if the device has registered credentials.
func (c *Client) IsLoggedIn() bool {
	return c.current().Store.ID != nil
}

// OwnPhone returns the phone number of the authenticated account.
func (c *Client) OwnPhone() string {
	id := c.current().Store.ID
	if id == nil {
		return ""
	}
	return id.User
}

// PairPhone requests a pairing code for phone (digits with country code).
func (c *Client) PairPhone(ctx context.Context, phone string) (string, error) {
	return c.current().PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, pairingDisplayName)
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to types.JID, text string) (SendResult, error) {
	cli := c.current()
	if !cli.IsConnected() {
		return SendResult{}, ErrNotConnected
	}

	resp, err := cli.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to send message: %w", err)
	}
	return SendResult{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// SendDocument uploads doc and sends it as a document message.
func (c *Client) SendDocument(ctx context.Context, to types.JID, doc Document) (SendResult, error) {
	cli := c.current()
	if !cli.IsConnected() {
		return SendResult{}, ErrNotConnected
	}
	if len(doc.Data) == 0 {
		return SendResult{}, ErrEmptyDocument
	}

	uploaded, err := cli.Upload(ctx, doc.Data, whatsmeow.MediaDocument)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to upload document: %w", err)
	}

	msg := &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			FileName:      proto.String(doc.FileName),
			Title:         proto.String(doc.FileName),
			Mimetype:      proto.String(doc.MimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(doc.Data))),
		},
	}
	if doc.Caption != "" {
		msg.DocumentMessage.Caption = proto.String(doc.Caption)
	}

	resp, err := cli.SendMessage(ctx, to, msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to send document: %w", err)
	}
	return SendResult{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// PhoneForLID looks up the phone-number JID behind a linked-device id.
func (c *Client) PhoneForLID(ctx context.Context, lid types.JID) (types.JID, error) {
	pn, err := c.current().Store.LIDs.GetPNForLID(ctx, lid)
	if err != nil {
		return types.EmptyJID, err
	}
	if pn.IsEmpty() {
		return types.EmptyJID, fmt.Errorf("no phone number known for %s", lid)
	}
	return pn, nil
}

// AddEventHandler adds an event handler for WhatsApp events. Handlers
// survive credential resets.
func (c *Client) AddEventHandler(handler func(any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *Client) dispatch(evt any) {
	c.log.Trace().Str("type", fmt.Sprintf("%T", evt)).Msg("whatsapp event")

	c.mu.RLock()
	handlers := make([]func(any), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		handler(evt)
	}
}

// Close disconnects and releases the credential store.
func (c *Client) Close() error {
	c.Disconnect()
	return c.container.Close()
}

// ResolveJID turns a send target into a user JID. Values containing "@" are
// parsed as JIDs. A leading "+" marks an international number that is used
// as is. Anything else is reduced to digits, and national numbers of up to
// 11 digits get defaultCountryCode prepended.
func ResolveJID(target, defaultCountryCode string) (types.JID, error) {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "@") {
		jid, err := types.ParseJID(target)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
		}
		return jid, nil
	}

	digits := Digits(target)
	if digits == "" {
		return types.EmptyJID, ErrInvalidRecipient
	}
	if !strings.HasPrefix(target, "+") && len(digits) <= 11 {
		digits = defaultCountryCode + digits
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// Digits strips everything but ASCII digits from s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsTransientPairingError reports whether a pairing-code request failed
// because the socket was not ready, so the request is worth repeating.
func IsTransientPairingError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, whatsmeow.ErrNotConnected) || errors.Is(err, whatsmeow.ErrIQTimedOut) {
		return true
	}
	var disconnected *whatsmeow.DisconnectedError
	return errors.As(err, &disconnected)
}
