package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow/types"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/config"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/health"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/session"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/state"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/store"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/whatsapp"
)

// Common errors
var (
	ErrNotConnected  = errors.New("bridge is not connected")
	ErrInvalidPhone  = errors.New("phone must have at least 10 digits")
	ErrPairingFailed = errors.New("pairing code request failed")
	ErrStopped       = errors.New("bridge is stopped")
)

const (
	inboxSize     = 256
	minPairDigits = 10
)

// Config holds the connection policy.
type Config struct {
	MaxRetries            int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	MethodNotAllowedLimit int

	PairingAttempts    int
	PairingRetryDelay  time.Duration
	PairingWaitTimeout time.Duration

	AutoConnect        bool
	DefaultCountryCode string
}

// ConfigFrom extracts the connection policy from the process configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxRetries:            cfg.ReconnectMaxRetries,
		BaseDelay:             cfg.ReconnectBaseDelay,
		MaxDelay:              cfg.ReconnectMaxDelay,
		MethodNotAllowedLimit: cfg.MethodNotAllowedLimit,
		PairingAttempts:       cfg.PairingAttempts,
		PairingRetryDelay:     cfg.PairingRetryDelay,
		PairingWaitTimeout:    cfg.PairingWaitTimeout,
		AutoConnect:           cfg.AutoConnect,
		DefaultCountryCode:    cfg.DefaultCountryCode,
	}
}

// Relay receives inbound message payloads.
type Relay interface {
	Dispatch(payload any)
}

// Telemetry is the subset of the health monitor the manager feeds and reads.
type Telemetry interface {
	RecordError(kind string, err error)
	RecordMessageReceived()
	RecordMessageSent()
	ErrorCount() int
	WebhookLatencyAvgMs() int64
}

// Deps are the collaborators of a Manager. Relay, Transitions, Sent and
// Snapshots may be nil.
type Deps struct {
	Client      WhatsAppClient
	Telemetry   Telemetry
	Relay       Relay
	Transitions store.StateRepository
	Sent        store.SentRepository
	Snapshots   *session.Store
	Log         zerolog.Logger
}

type stopper interface {
	Stop() bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithQRListener registers fn to receive every raw QR challenge.
func WithQRListener(fn func(code string)) Option {
	return func(m *Manager) { m.onQR = fn }
}

func withAfterFunc(fn func(time.Duration, func()) stopper) Option {
	return func(m *Manager) { m.afterFunc = fn }
}

// PairResult is the outcome of a pairing code request.
type PairResult struct {
	AlreadyRegistered bool
	PairingCode       string
	Phone             string
	Status            Status
}

// Manager owns the WhatsApp session. All connection state is mutated by a
// single loop goroutine; callers talk to it through the inbox and read
// published copies.
type Manager struct {
	cfg         Config
	client      WhatsAppClient
	telemetry   Telemetry
	relay       Relay
	transitions store.StateRepository
	sent        store.SentRepository
	snapshots   *session.Store
	log         zerolog.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper
	onQR      func(code string)

	machine *state.Machine
	inbox   chan any
	done    chan struct{}
	started atomic.Bool
	stopped sync.Once

	// Owned by the loop goroutine.
	backoff        *backoff.ExponentialBackOff
	timer          stopper
	gen            uint64
	manualStop     bool
	abandoned      bool
	retryCount     int
	consecutive405 int
	lastStatusCode int
	lastError      string
	qrCode         string
	qrRaw          string
	pairingCode    string
	pairingIssued  *time.Time
	phone          string
	lastIncoming   *time.Time
	lastOutgoing   *time.Time
	cause          *sessionClosed

	pubMu     sync.RWMutex
	published Status
	changed   chan struct{}
}

// NewManager creates a manager in the disconnected state. Call Start to run it.
func NewManager(cfg Config, deps Deps, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg,
		client:      deps.Client,
		telemetry:   deps.Telemetry,
		relay:       deps.Relay,
		transitions: deps.Transitions,
		sent:        deps.Sent,
		snapshots:   deps.Snapshots,
		log:         deps.Log.With().Str("component", "bridge").Logger(),
		now:         time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		machine: state.NewMachine(),
		inbox:   make(chan any, inboxSize),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.backoff = newReconnectBackoff(cfg.BaseDelay, cfg.MaxDelay)
	m.machine.OnTransition(m.onTransition)
	m.published = m.buildStatus()
	return m
}

// newReconnectBackoff yields min(base * 2^(n-1), ceiling) for the n-th call and
// never gives up on its own.
func newReconnectBackoff(base, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Start restores diagnostics from the snapshot, subscribes to client events
// and runs the loop. Existing credentials are resumed when AutoConnect is set.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("bridge already started")
	}

	if m.snapshots != nil {
		snap, err := m.snapshots.Load()
		if err != nil {
			m.log.Warn().Err(err).Msg("failed to load session snapshot")
		} else {
			m.lastStatusCode = snap.LastStatusCode
			m.lastError = snap.LastError
			m.lastIncoming = snap.LastIncomingMessageAt
			m.lastOutgoing = snap.LastOutgoingMessageAt
		}
	}

	m.client.AddEventHandler(m.handleWhatsAppEvent)
	m.publish()

	go m.run()

	if m.cfg.AutoConnect && m.client.IsLoggedIn() {
		m.log.Info().Msg("resuming stored session")
		if _, err := m.Connect(ctx); err != nil {
			return fmt.Errorf("failed to resume session: %w", err)
		}
	}
	return nil
}

// Stop cancels any pending reconnect, closes the socket without touching
// credentials, flushes the snapshot and ends the loop.
func (m *Manager) Stop() {
	if !m.started.Load() {
		return
	}
	m.stopped.Do(func() {
		if err := m.post(stopCmd{}); err != nil {
			return
		}
		<-m.done
	})
}

// Status returns a copy of the current connection state.
func (m *Manager) Status() Status {
	m.pubMu.RLock()
	s := m.published
	m.pubMu.RUnlock()
	return m.withTelemetry(s)
}

// WaitFor blocks until pred holds for the published status or ctx ends.
func (m *Manager) WaitFor(ctx context.Context, pred func(Status) bool) (Status, error) {
	for {
		m.pubMu.RLock()
		s, changed := m.published, m.changed
		m.pubMu.RUnlock()

		s = m.withTelemetry(s)
		if pred(s) {
			return s, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return s, ctx.Err()
		case <-m.done:
			return s, ErrStopped
		}
	}
}

// Connect starts a connection attempt. It is a no-op unless the bridge is
// disconnected.
func (m *Manager) Connect(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	return m.request(ctx, connectCmd{reply: reply}, reply)
}

// Disconnect closes the session and keeps credentials for a fast resume.
func (m *Manager) Disconnect(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	return m.request(ctx, disconnectCmd{reply: reply}, reply)
}

// ResetAuth stops the session, logs out and wipes local credentials. The
// next Connect starts a fresh QR or pairing cycle.
func (m *Manager) ResetAuth(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if _, err := m.request(ctx, disconnectCmd{logout: true, reply: reply}, reply); err != nil {
		return Status{}, err
	}
	if err := m.client.ResetCredentials(ctx); err != nil {
		return m.Status(), fmt.Errorf("failed to reset credentials: %w", err)
	}
	m.log.Info().Msg("authentication reset")
	return m.Status(), nil
}

// Pair requests a pairing code for phone, connecting first when needed.
func (m *Manager) Pair(ctx context.Context, phone string) (PairResult, error) {
	digits := whatsapp.Digits(phone)
	if len(digits) < minPairDigits {
		return PairResult{}, ErrInvalidPhone
	}
	if m.client.IsLoggedIn() {
		return PairResult{AlreadyRegistered: true, Phone: digits, Status: m.Status()}, nil
	}

	if m.Status().Status == state.StateDisconnected {
		if _, err := m.Connect(ctx); err != nil {
			return PairResult{}, err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.PairingWaitTimeout)
	defer cancel()
	ready, err := m.WaitFor(waitCtx, func(s Status) bool {
		return s.Status.IsAuthenticating() || s.Status == state.StateConnected
	})
	if err != nil {
		return PairResult{}, m.pairingFailed(fmt.Errorf("connection not ready: %w", err))
	}
	if ready.Status == state.StateConnected {
		return PairResult{AlreadyRegistered: true, Phone: digits, Status: ready}, nil
	}

	attempts := m.cfg.PairingAttempts
	if attempts < 1 {
		attempts = 1
	}
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.PairingRetryDelay), uint64(attempts-1)),
		ctx,
	)
	code, err := backoff.RetryWithData(func() (string, error) {
		attempt++
		code, err := m.client.PairPhone(ctx, digits)
		if err == nil {
			return code, nil
		}
		if !whatsapp.IsTransientPairingError(err) {
			return "", backoff.Permanent(err)
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", attempts).Msg("pairing code request failed, retrying")
		return "", err
	}, policy)
	if err != nil {
		return PairResult{}, m.pairingFailed(err)
	}

	reply := make(chan Status, 1)
	st, err := m.request(ctx, pairingIssued{code: code, reply: reply}, reply)
	if err != nil {
		return PairResult{}, err
	}
	if st.Status != state.StatePairingCode {
		return PairResult{}, m.pairingFailed(fmt.Errorf("session left pairing while the code was issued (status %s)", st.Status))
	}

	m.log.Info().Str("phone", digits).Msg("pairing code issued")
	return PairResult{PairingCode: code, Phone: digits, Status: st}, nil
}

func (m *Manager) pairingFailed(err error) error {
	m.telemetry.RecordError(health.KindPairing, err)
	m.log.Error().Err(err).Msg("pairing failed")
	return fmt.Errorf("%w: %v", ErrPairingFailed, err)
}

// SendText sends text to a phone number or JID.
func (m *Manager) SendText(ctx context.Context, to, text string) (whatsapp.SendResult, error) {
	jid, err := m.sendTarget(to)
	if err != nil {
		return whatsapp.SendResult{}, err
	}
	res, err := m.client.SendText(ctx, jid, text)
	if err != nil {
		return whatsapp.SendResult{}, err
	}
	m.recordSent(ctx, res, jid, store.KindText)
	return res, nil
}

// SendDocument sends a document to a phone number or JID.
func (m *Manager) SendDocument(ctx context.Context, to string, doc whatsapp.Document) (whatsapp.SendResult, error) {
	jid, err := m.sendTarget(to)
	if err != nil {
		return whatsapp.SendResult{}, err
	}
	res, err := m.client.SendDocument(ctx, jid, doc)
	if err != nil {
		return whatsapp.SendResult{}, err
	}
	m.recordSent(ctx, res, jid, store.KindDocument)
	return res, nil
}

func (m *Manager) sendTarget(to string) (types.JID, error) {
	if m.Status().Status != state.StateConnected {
		return types.EmptyJID, ErrNotConnected
	}
	return whatsapp.ResolveJID(to, m.cfg.DefaultCountryCode)
}

func (m *Manager) recordSent(ctx context.Context, res whatsapp.SendResult, jid types.JID, kind string) {
	at := res.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	_ = m.post(outgoingSent{at: at})
	m.telemetry.RecordMessageSent()

	if m.sent == nil || res.ID == "" {
		return
	}
	err := m.sent.Record(ctx, &store.SentMessage{
		ID:        res.ID,
		JID:       jid.String(),
		Kind:      kind,
		Timestamp: at,
	})
	if err != nil {
		m.log.Error().Err(err).Str("id", res.ID).Msg("failed to record sent message")
	}
}

func (m *Manager) request(ctx context.Context, cmd any, reply chan Status) (Status, error) {
	if err := m.post(cmd); err != nil {
		return Status{}, err
	}
	select {
	case s := <-reply:
		return m.withTelemetry(s), nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-m.done:
		return Status{}, ErrStopped
	}
}

func (m *Manager) post(msg any) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.inbox <- msg:
		return nil
	case <-m.done:
		return ErrStopped
	}
}

func (m *Manager) run() {
	defer close(m.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for msg := range m.inbox {
		if stop := m.handle(ctx, msg); stop {
			return
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg any) bool {
	var reply chan Status

	switch msg := msg.(type) {
	case connectCmd:
		reply = msg.reply
		m.onConnect(ctx)
	case disconnectCmd:
		reply = msg.reply
		m.onDisconnect(ctx, msg.logout)
	case pairingIssued:
		reply = msg.reply
		m.onPairingIssued(ctx, msg.code)
	case outgoingSent:
		m.lastOutgoing = timePtr(msg.at)
	case incomingReceived:
		m.lastIncoming = timePtr(msg.at)
	case dialResult:
		if msg.err != nil {
			m.onClosed(ctx, sessionClosed{code: state.CodeConnectionClosed, reason: msg.err.Error()})
		}
	case reconnectDue:
		m.onReconnectDue(ctx, msg.gen)
	case qrIssued:
		m.onQRIssued(ctx, msg.code)
	case sessionOpened:
		m.onOpened(ctx)
	case sessionClosed:
		m.onClosed(ctx, msg)
	case stopCmd:
		m.onStop(ctx)
		m.publish()
		return true
	default:
		m.log.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("unknown loop message")
		return false
	}

	s := m.publish()
	if reply != nil {
		reply <- s
	}
	return false
}

func (m *Manager) onConnect(ctx context.Context) {
	idle, err := m.machine.IsInState(ctx, state.StateDisconnected)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to read connection state")
		return
	}
	if !idle {
		m.log.Debug().Str("state", m.machine.MustState().String()).Msg("connect ignored, attempt already in flight")
		return
	}
	m.manualStop = false
	m.abandoned = false
	m.cancelReconnect()
	m.resetBackoff()

	m.fire(ctx, state.TriggerConnect)
	m.dial()
}

func (m *Manager) onDisconnect(ctx context.Context, logout bool) {
	m.manualStop = true
	m.abandoned = false
	m.cancelReconnect()
	m.resetBackoff()

	if logout {
		// Credentials are wiped by the caller once the loop has let go.
		m.fire(ctx, state.TriggerLogout)
		return
	}
	m.client.Disconnect()
	m.fire(ctx, state.TriggerDisconnect)
}

func (m *Manager) onStop(ctx context.Context) {
	m.manualStop = true
	m.cancelReconnect()
	m.client.Disconnect()
	m.fire(ctx, state.TriggerDisconnect)
	m.log.Info().Msg("bridge stopped")
}

func (m *Manager) onReconnectDue(ctx context.Context, gen uint64) {
	if gen != m.gen || m.timer == nil {
		return
	}
	m.timer = nil
	if m.manualStop || m.machine.MustState() != state.StateDisconnected {
		return
	}
	m.log.Info().Int("attempt", m.retryCount).Msg("reconnecting")
	m.fire(ctx, state.TriggerReconnect)
	m.dial()
}

func (m *Manager) onQRIssued(ctx context.Context, code string) {
	current := m.machine.MustState()
	if current != state.StateConnecting && current != state.StateQRPending {
		m.log.Debug().Str("state", current.String()).Msg("QR code ignored")
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to render QR code")
		return
	}

	m.fire(ctx, state.TriggerQRIssued)
	m.qrRaw = code
	m.qrCode = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	m.log.Info().Msg("QR code issued, scan it with WhatsApp")

	if m.onQR != nil {
		m.onQR(code)
	}
}

func (m *Manager) onPairingIssued(ctx context.Context, code string) {
	m.fire(ctx, state.TriggerPairingCodeIssued)
	if m.machine.MustState() != state.StatePairingCode {
		return
	}
	m.pairingCode = code
	m.pairingIssued = timePtr(m.now())
}

func (m *Manager) onOpened(ctx context.Context) {
	m.fire(ctx, state.TriggerOpened)
	if m.machine.MustState() != state.StateConnected {
		return
	}
	m.cancelReconnect()
	m.resetBackoff()
	m.abandoned = false
	m.phone = m.client.OwnPhone()
	m.log.Info().Str("phone", m.phone).Msg("connected to WhatsApp")
}

func (m *Manager) onClosed(ctx context.Context, ev sessionClosed) {
	if m.machine.MustState() == state.StateDisconnected {
		m.log.Debug().Int("code", ev.code).Str("reason", ev.reason).Msg("close ignored, already disconnected")
		return
	}

	m.lastStatusCode = ev.code
	m.lastError = ev.reason

	trigger := state.TriggerClosed
	if state.IsLoggedOut(ev.code) {
		trigger = state.TriggerLogout
	}
	m.cause = &ev
	m.fire(ctx, trigger)
	m.cause = nil

	m.telemetry.RecordError(health.KindConnection, fmt.Errorf("connection closed (%d): %s", ev.code, ev.reason))
	m.log.Warn().Int("code", ev.code).Str("reason", ev.reason).Msg("connection closed")

	if m.manualStop {
		return
	}

	if state.IsLoggedOut(ev.code) {
		m.abandon("credentials revoked, re-pair required")
		return
	}
	if ev.code == state.CodeMethodNotAllowed {
		m.consecutive405++
		if m.consecutive405 > m.cfg.MethodNotAllowedLimit {
			m.abandon("server keeps rejecting the client version")
			return
		}
	} else {
		m.consecutive405 = 0
	}
	if m.retryCount >= m.cfg.MaxRetries {
		m.abandon("max reconnect attempts reached")
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) abandon(reason string) {
	m.abandoned = true
	m.log.Error().
		Str("reason", reason).
		Int("code", m.lastStatusCode).
		Int("retries", m.retryCount).
		Msg("automatic reconnection abandoned")
}

// scheduleReconnect arms the reconnect timer. At most one is pending.
func (m *Manager) scheduleReconnect() {
	if m.timer != nil {
		return
	}
	m.retryCount++
	delay := m.backoff.NextBackOff()
	m.gen++
	gen := m.gen
	m.timer = m.afterFunc(delay, func() {
		_ = m.post(reconnectDue{gen: gen})
	})
	m.log.Info().Int("attempt", m.retryCount).Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) cancelReconnect() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) resetBackoff() {
	m.retryCount = 0
	m.consecutive405 = 0
	m.backoff.Reset()
}

func (m *Manager) dial() {
	go func() {
		if err := m.client.Connect(); err != nil {
			_ = m.post(dialResult{err: err})
		}
	}()
}

func (m *Manager) fire(ctx context.Context, trigger state.Trigger) {
	if err := m.machine.Fire(ctx, trigger); err != nil {
		m.log.Warn().Err(err).Str("trigger", trigger.String()).Msg("transition rejected")
		return
	}

	current := m.machine.MustState()
	if current != state.StateQRPending {
		m.qrCode, m.qrRaw = "", ""
	}
	if current != state.StatePairingCode {
		m.pairingCode, m.pairingIssued = "", nil
	}
	if current != state.StateConnected {
		m.phone = ""
	}
}

func (m *Manager) onTransition(ctx context.Context, from, to state.State, trigger state.Trigger) {
	m.log.Info().Str("from", from.String()).Str("to", to.String()).Str("trigger", trigger.String()).Msg("state transition")
	if m.transitions == nil {
		return
	}

	entry := store.TransitionEntry{From: from, To: to, Trigger: trigger.String()}
	if m.cause != nil {
		entry.StatusCode = m.cause.code
		entry.Error = m.cause.reason
	}
	if err := m.transitions.LogTransition(ctx, entry); err != nil {
		m.log.Error().Err(err).Msg("failed to log transition")
	}
}

func (m *Manager) buildStatus() Status {
	current := m.machine.MustState()
	return Status{
		Status:                current,
		Connected:             current == state.StateConnected,
		Reconnecting:          m.timer != nil,
		ReconnectAbandoned:    m.abandoned,
		QRCode:                m.qrCode,
		QR:                    m.qrRaw,
		Phone:                 m.phone,
		RetryCount:            m.retryCount,
		Consecutive405Count:   m.consecutive405,
		LastStatusCode:        m.lastStatusCode,
		LastError:             m.lastError,
		PairingCode:           m.pairingCode,
		PairingCodeIssuedAt:   m.pairingIssued,
		LastIncomingMessageAt: m.lastIncoming,
		LastOutgoingMessageAt: m.lastOutgoing,
	}
}

// publish swaps in a fresh status copy, wakes waiters and persists the snapshot.
func (m *Manager) publish() Status {
	s := m.buildStatus()

	m.pubMu.Lock()
	m.published = s
	close(m.changed)
	m.changed = make(chan struct{})
	m.pubMu.Unlock()

	s = m.withTelemetry(s)
	if m.snapshots != nil {
		if err := m.snapshots.Save(s.snapshot()); err != nil {
			m.log.Error().Err(err).Msg("failed to persist session snapshot")
		}
	}
	return s
}

func (m *Manager) withTelemetry(s Status) Status {
	s.ErrorCount24h = m.telemetry.ErrorCount()
	s.WebhookLatencyAvgMs = m.telemetry.WebhookLatencyAvgMs()
	return s
}
