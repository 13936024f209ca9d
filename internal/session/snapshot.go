// Package session persists the bridge status snapshot as a flat JSON file
// that heals itself when it is found corrupted.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Snapshot mirrors the status snapshot served on /status.
type Snapshot struct {
	Status                string     `json:"status,omitempty"`
	Phone                 string     `json:"phone,omitempty"`
	QRCode                string     `json:"qrCode,omitempty"`
	PairingCode           string     `json:"pairingCode,omitempty"`
	PairingCodeIssuedAt   *time.Time `json:"pairingCodeIssuedAt,omitempty"`
	RetryCount            int        `json:"retryCount"`
	Consecutive405Count   int        `json:"consecutive405Count"`
	LastStatusCode        int        `json:"lastStatusCode,omitempty"`
	LastError             string     `json:"lastError,omitempty"`
	ReconnectAbandoned    bool       `json:"reconnectAbandoned,omitempty"`
	LastIncomingMessageAt *time.Time `json:"lastIncomingMessageAt,omitempty"`
	LastOutgoingMessageAt *time.Time `json:"lastOutgoingMessageAt,omitempty"`
	ErrorCount24h         int        `json:"errorCount24h"`
	WebhookLatencyAvgMs   int64      `json:"webhookLatencyAvgMs"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Store reads and writes a Snapshot at a fixed path.
type Store struct {
	fs   afero.Fs
	path string
	log  zerolog.Logger
	now  func() time.Time

	mu sync.Mutex
}

// NewStore creates a snapshot store backed by fs.
func NewStore(fs afero.Fs, path string, log zerolog.Logger) *Store {
	return &Store{
		fs:   fs,
		path: path,
		log:  log.With().Str("component", "session").Logger(),
		now:  time.Now,
	}
}

// Load returns the persisted snapshot, or a zero Snapshot when none exists.
// A corrupt file is archived and replaced before reading.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	if err := s.ensureValidLocked(); err != nil {
		return snap, err
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return snap, fmt.Errorf("failed to read snapshot: %w", err)
	}

	// ensureValidLocked guarantees the document parses; a type mismatch
	// inside it is treated as an empty snapshot.
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn().Err(err).Msg("snapshot has unexpected shape, ignoring")
		return Snapshot{}, nil
	}
	return snap, nil
}

// Save writes snap atomically, replacing any previous snapshot.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureValidLocked(); err != nil {
		return err
	}

	snap.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return s.writeAtomicLocked(data)
}

// ensureValidLocked archives a snapshot that does not parse as JSON and
// writes an empty document in its place.
func (s *Store) ensureValidLocked() error {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if json.Valid(data) {
		return nil
	}

	archived := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().UnixMilli())
	if err := s.fs.Rename(s.path, archived); err != nil {
		return fmt.Errorf("failed to archive corrupt snapshot: %w", err)
	}
	s.log.Warn().Str("archived", archived).Msg("snapshot was corrupt, archived and reset")

	return s.writeAtomicLocked([]byte("{}"))
}

func (s *Store) writeAtomicLocked(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
