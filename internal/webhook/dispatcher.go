// Package webhook relays inbound events to the backend as signed HTTP POSTs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/health"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
	SignatureHeader = "x-webhook-signature"
	// IDHeader carries a unique id per delivery.
	IDHeader = "x-webhook-id"

	// DefaultTimeout bounds a single delivery.
	DefaultTimeout = 8 * time.Second
)

// ErrUnexpectedStatus is returned when the receiver answers outside 2xx.
var ErrUnexpectedStatus = errors.New("webhook receiver returned non-2xx status")

// Recorder receives delivery telemetry.
type Recorder interface {
	RecordError(kind string, err error)
	RecordWebhookLatency(d time.Duration)
}

// Config configures a Dispatcher.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the dispatcher's HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = c
	}
}

// Dispatcher delivers payloads to a single configured URL, without retries.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	rec    Recorder
	log    zerolog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. It uses its own transport so webhook
// traffic never shares connections with other outbound HTTP.
func NewDispatcher(cfg Config, rec Recorder, log zerolog.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	d := &Dispatcher{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		rec: rec,
		log: log.With().Str("component", "webhook").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	switch {
	case cfg.URL == "":
		d.log.Info().Msg("no webhook url configured, inbound events will not be relayed")
	case cfg.Secret == "":
		d.log.Warn().Str("url", cfg.URL).Msg("webhook secret not set, deliveries will be unsigned")
	}
	return d
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// Enabled reports whether a webhook URL is configured.
func (d *Dispatcher) Enabled() bool {
	return d.cfg.URL != ""
}

// Deliver posts payload and waits for the response. Failures are recorded
// in the telemetry window and returned.
func (d *Dispatcher) Deliver(ctx context.Context, payload any) error {
	if !d.Enabled() {
		return nil
	}

	body, err := encode(payload)
	if err != nil {
		d.fail(fmt.Errorf("failed to encode webhook payload: %w", err))
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("failed to build webhook request: %w", err)
		d.fail(err)
		return err
	}
	deliveryID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IDHeader, deliveryID)
	if d.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, d.cfg.Secret))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		err = fmt.Errorf("webhook delivery failed: %w", err)
		d.fail(err)
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	elapsed := time.Since(start)
	if d.rec != nil {
		d.rec.RecordWebhookLatency(elapsed)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err = fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		d.fail(err)
		return err
	}

	d.log.Debug().
		Str("delivery_id", deliveryID).
		Dur("latency", elapsed).
		Msg("webhook delivered")
	return nil
}

// Dispatch delivers payload on a detached goroutine. The caller never
// observes the outcome.
func (d *Dispatcher) Dispatch(payload any) {
	if !d.Enabled() {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.Deliver(context.Background(), payload)
	}()
}

// Wait blocks until every in-flight Dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) fail(err error) {
	if d.rec != nil {
		d.rec.RecordError(health.KindWebhook, err)
	}
	d.log.Error().Err(err).Str("url", d.cfg.URL).Msg("webhook relay error")
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
