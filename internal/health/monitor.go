// Package health tracks bridge telemetry exposed on the status endpoint.
package health

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Error kinds recorded in the rolling window.
const (
	KindWebhook    = "webhook"
	KindConnection = "connection"
	KindPairing    = "pairing"
)

type errorEntry struct {
	Kind    string
	Message string
	At      time.Time
}

// Stats is a point-in-time copy of the monitor's counters.
type Stats struct {
	UptimeSeconds       int64          `json:"uptimeSeconds"`
	MessagesReceived    int64          `json:"messagesReceived"`
	MessagesSent        int64          `json:"messagesSent"`
	ErrorCount          int            `json:"errorCount24h"`
	ErrorsByKind        map[string]int `json:"errorsByKind"`
	WebhookLatencyAvgMs int64          `json:"webhookLatencyAvgMs"`
}

// Monitor tracks a rolling error window and the webhook latency mean.
// It is safe for concurrent use.
type Monitor struct {
	log    zerolog.Logger
	errors *cache.Cache

	mu             sync.Mutex
	latencyAvgMs   float64
	latencySamples int64

	startTime        time.Time
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
}

// NewMonitor creates a monitor whose error entries expire after window.
func NewMonitor(window time.Duration, log zerolog.Logger) *Monitor {
	cleanup := window / 4
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &Monitor{
		log:       log.With().Str("component", "health").Logger(),
		errors:    cache.New(window, cleanup),
		startTime: time.Now(),
	}
}

// RecordError adds an entry to the rolling window.
func (m *Monitor) RecordError(kind string, err error) {
	entry := errorEntry{Kind: kind, At: time.Now()}
	if err != nil {
		entry.Message = err.Error()
	}
	m.errors.Set(uuid.NewString(), entry, cache.DefaultExpiration)
	m.log.Debug().Str("kind", kind).Err(err).Msg("error recorded")
}

// ErrorCount returns the number of errors still inside the window.
func (m *Monitor) ErrorCount() int {
	return len(m.errors.Items())
}

// ErrorsByKind groups the live window entries by kind.
func (m *Monitor) ErrorsByKind() map[string]int {
	out := make(map[string]int)
	for _, item := range m.errors.Items() {
		if e, ok := item.Object.(errorEntry); ok {
			out[e.Kind]++
		}
	}
	return out
}

// RecordWebhookLatency folds d into the running mean.
func (m *Monitor) RecordWebhookLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySamples++
	m.latencyAvgMs += (ms - m.latencyAvgMs) / float64(m.latencySamples)
}

// WebhookLatencyAvgMs returns the mean webhook latency, rounded to milliseconds.
func (m *Monitor) WebhookLatencyAvgMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(math.Round(m.latencyAvgMs))
}

// RecordMessageReceived counts an inbound message.
func (m *Monitor) RecordMessageReceived() {
	m.messagesReceived.Add(1)
}

// RecordMessageSent counts an outbound message.
func (m *Monitor) RecordMessageSent() {
	m.messagesSent.Add(1)
}

// Stats returns a copy of all counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		UptimeSeconds:       int64(time.Since(m.startTime).Seconds()),
		MessagesReceived:    m.messagesReceived.Load(),
		MessagesSent:        m.messagesSent.Load(),
		ErrorCount:          m.ErrorCount(),
		ErrorsByKind:        m.ErrorsByKind(),
		WebhookLatencyAvgMs: m.WebhookLatencyAvgMs(),
	}
}
