package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/pkg/breaker"
)

const maxResponseBody = 1 << 20

// Config points the sender at a bridge.
type Config struct {
	BridgeURL       string
	MessageTimeout  time.Duration
	DocumentTimeout time.Duration
}

// DefaultConfig returns the timeouts used against a local bridge.
func DefaultConfig() Config {
	return Config{
		BridgeURL:       "http://localhost:3001",
		MessageTimeout:  10 * time.Second,
		DocumentTimeout: 15 * time.Second,
	}
}

// Document is an outbound file.
type Document struct {
	Data     []byte
	FileName string
	Caption  string
	MimeType string
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the sender's HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// Sender is the delivery pipeline. It never returns an error: every path
// produces a Result.
type Sender struct {
	cfg     Config
	client  *http.Client
	breaker *breaker.Breaker
	phones  PhoneValidator
	log     zerolog.Logger
}

// NewSender builds a sender with its own connection pool.
func NewSender(cfg Config, br *breaker.Breaker, phones PhoneValidator, log zerolog.Logger, opts ...Option) *Sender {
	s := &Sender{
		cfg:     cfg,
		client:  &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		breaker: br,
		phones:  phones,
		log:     log.With().Str("component", "delivery").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type sendMessageRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendDocumentRequest struct {
	To       string `json:"to"`
	Document string `json:"document"`
	FileName string `json:"fileName"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

// SendMessage delivers a text message.
func (s *Sender) SendMessage(ctx context.Context, phone, text string) Result {
	return s.deliver(ctx, phone, "/send", s.cfg.MessageTimeout, func(p Phone) any {
		return sendMessageRequest{Phone: p.E164, Message: text}
	})
}

// SendDocument delivers a file with an optional caption.
func (s *Sender) SendDocument(ctx context.Context, phone string, doc Document) Result {
	return s.deliver(ctx, phone, "/send-document", s.cfg.DocumentTimeout, func(p Phone) any {
		return sendDocumentRequest{
			To:       p.E164,
			Document: base64.StdEncoding.EncodeToString(doc.Data),
			FileName: doc.FileName,
			Caption:  doc.Caption,
			MimeType: doc.MimeType,
		}
	})
}

func (s *Sender) deliver(ctx context.Context, raw, path string, timeout time.Duration, payload func(Phone) any) Result {
	phone, err := s.phones.Validate(raw)
	if err != nil {
		return failed(raw, CodeInvalidPhone, err.Error(), 0)
	}

	if s.breaker.IsOpen() {
		snap := s.breaker.Snapshot()
		r := failed(phone.Digits, CodeCircuitOpen, "circuit breaker is open for the bridge", 0)
		r.Breaker = &snap
		return r
	}

	body, err := json.Marshal(payload(phone))
	if err != nil {
		return failed(phone.Digits, CodeInternal, fmt.Sprintf("encode request: %v", err), 0)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(s.cfg.BridgeURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failed(phone.Digits, CodeInternal, fmt.Sprintf("build request: %v", err), 0)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.RecordFailure(0)
		code := transportErrorCode(err)
		s.log.Error().Err(err).Str("code", code).Str("path", path).Dur("elapsed", time.Since(start)).Msg("bridge call failed")
		return failed(phone.Digits, code, err.Error(), 0)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	r := s.classify(phone.Digits, resp.StatusCode, respBody)
	s.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("delivery_status", string(r.DeliveryStatus)).
		Dur("elapsed", time.Since(start)).
		Msg("bridge call completed")
	return r
}

func (s *Sender) classify(phone string, statusCode int, body []byte) Result {
	if !gjson.ValidBytes(body) {
		body = []byte("{}")
	}
	explicitFailure := gjson.GetBytes(body, "success").Type == gjson.False

	if statusCode < 200 || statusCode >= 300 || explicitFailure {
		code := CodeBridgeRejected
		if statusCode >= 500 {
			code = CodeBridgeUnavailable
			s.breaker.RecordFailure(statusCode)
		}
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = fmt.Sprintf("bridge responded %d %s", statusCode, http.StatusText(statusCode))
		}
		return failed(phone, code, msg, statusCode)
	}

	id := ExtractProviderMessageID(body)
	if id == "" {
		s.breaker.RecordFailure(http.StatusServiceUnavailable)
		s.log.Warn().Str("phone", phone).Int("status", statusCode).Msg("bridge accepted send without a provider message id")
		return unconfirmed(phone, statusCode)
	}

	s.breaker.RecordSuccess()
	return confirmed(phone, id)
}

func transportErrorCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "ETIMEDOUT"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "ENOTFOUND"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}
	return CodeInternal
}
