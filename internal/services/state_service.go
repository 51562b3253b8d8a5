package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sitevault/sitevault-be/internal/models"
)

// ErrAlreadyRunning is returned when a start request loses the race against a
// backup that is already in flight.
var ErrAlreadyRunning = errors.New("a backup is already running")

// Keys in the settings table. The keyed store is the only shared mutable state
// between the API, the scheduler and a running job.
const (
	keyRunning    = "backup.running"
	keyPending    = "backup.pending"
	keyLastResult = "backup.last_result"
)

// Swapped out in tests to drive TTL expiry.
var timeNow = time.Now

// StateServiceProvider defines the interface for job-state services.
type StateServiceProvider interface {
	TryStart() (bool, error)
	Cancel() error
	IsRunning() (bool, error)
	State() (models.JobState, error)
	RequestRun() error
	TakePendingRun() (bool, error)
	RecordResult(result models.BackupResult) error
	LastResult() (*models.BackupResult, error)
}

// StateService owns the running flag, the pending-run trigger and the
// last-result slot, all persisted in the keyed settings table.
type StateService struct {
	db  *sql.DB
	ttl time.Duration
	mu  sync.Mutex
}

// NewStateService creates a new StateService. ttl bounds how long a crashed
// job can keep the running flag set.
func NewStateService(db *sql.DB, ttl time.Duration) *StateService {
	return &StateService{db: db, ttl: ttl}
}

// TryStart atomically sets the running flag iff no unexpired flag exists.
// Exactly one of two racing callers wins.
func (s *StateService) TryStart() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running, err := s.runningLocked()
	if err != nil {
		return false, err
	}
	if running {
		return false, nil
	}

	// Second precision: the flag value round-trips through RFC3339.
	now := timeNow().UTC().Truncate(time.Second)
	err = s.setKey(keyRunning, now.Format(time.RFC3339), now.Add(s.ttl))
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cancel unconditionally clears the running flag and any pending trigger. It
// does not terminate a job already in flight; it only resets visible state so
// a new job can start.
func (s *StateService) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM settings WHERE key IN (?, ?)", keyRunning, keyPending)
	return err
}

// IsRunning reports whether an unexpired running flag exists.
func (s *StateService) IsRunning() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

// State returns the running flag with its timestamps for status responses.
func (s *StateService) State() (models.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, expires, err := s.getKey(keyRunning)
	if err != nil {
		return models.JobState{}, err
	}
	if value == "" || expires == nil || !timeNow().UTC().Before(*expires) {
		return models.JobState{}, nil
	}
	startedAt, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return models.JobState{}, fmt.Errorf("corrupt running flag: %w", err)
	}
	return models.JobState{Running: true, StartedAt: &startedAt, ExpiresAt: expires}, nil
}

// RequestRun marks a backup as wanted as soon as possible. The scheduler picks
// it up on its next tick.
func (s *StateService) RequestRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setKey(keyPending, timeNow().UTC().Format(time.RFC3339), time.Time{})
}

// TakePendingRun consumes the pending trigger, reporting whether one was set.
func (s *StateService) TakePendingRun() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM settings WHERE key = ?", keyPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordResult overwrites the single last-result slot.
func (s *StateService) RecordResult(result models.BackupResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.setKey(keyLastResult, string(data), time.Time{})
}

// LastResult returns the most recent job outcome, or nil when no job has run.
func (s *StateService) LastResult() (*models.BackupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, _, err := s.getKey(keyLastResult)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}
	var result models.BackupResult
	if err := json.Unmarshal([]byte(value), &result); err != nil {
		return nil, fmt.Errorf("corrupt last result: %w", err)
	}
	return &result, nil
}

func (s *StateService) runningLocked() (bool, error) {
	value, expires, err := s.getKey(keyRunning)
	if err != nil {
		return false, err
	}
	if value == "" {
		return false, nil
	}
	// An expired flag means a job crashed without clearing it. Treat it as
	// not running so the system cannot wedge.
	if expires == nil || !timeNow().UTC().Before(*expires) {
		return false, nil
	}
	return true, nil
}

func (s *StateService) getKey(key string) (string, *time.Time, error) {
	var value string
	var expires sql.NullTime
	row := s.db.QueryRow("SELECT value, expires_at FROM settings WHERE key = ?", key)
	if err := row.Scan(&value, &expires); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, nil
		}
		return "", nil, err
	}
	if expires.Valid {
		t := expires.Time.UTC()
		return value, &t, nil
	}
	return value, nil, nil
}

func (s *StateService) setKey(key, value string, expires time.Time) error {
	var expiresArg any
	if !expires.IsZero() {
		expiresArg = expires.UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, expires_at, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = CURRENT_TIMESTAMP`,
		key, value, expiresArg)
	return err
}
