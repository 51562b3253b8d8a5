package monitoring

import (
	"context"
	"sync"
	"testing"

	"github.com/sitevault/sitevault-be/internal/models"
)

type memState struct {
	mu         sync.Mutex
	running    bool
	pending    bool
	lastResult *models.BackupResult
	starts     int
}

func (m *memState) TryStart() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false, nil
	}
	m.running = true
	m.starts++
	return true, nil
}
func (m *memState) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.pending = false
	return nil
}
func (m *memState) IsRunning() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, nil
}
func (m *memState) State() (models.JobState, error) {
	running, _ := m.IsRunning()
	return models.JobState{Running: running}, nil
}
func (m *memState) RequestRun() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = true
	return nil
}
func (m *memState) TakePendingRun() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pending
	m.pending = false
	return pending, nil
}
func (m *memState) RecordResult(result models.BackupResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastResult = &result
	return nil
}
func (m *memState) LastResult() (*models.BackupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult, nil
}

type memBackups struct {
	runs   int
	result models.BackupResult
}

func (m *memBackups) RunOnce(ctx context.Context) models.BackupResult {
	m.runs++
	return m.result
}
func (m *memBackups) ListArtifacts() ([]models.Artifact, error)    { return nil, nil }
func (m *memBackups) ArtifactPath(filename string) (string, error) { return "", nil }
func (m *memBackups) DeleteArtifact(filename string) error         { return nil }

type memEvents struct{}

func (memEvents) CreateEvent(eventType, level, message string) error { return nil }
func (memEvents) GetRecentEvents(limit int) ([]models.Event, error)  { return nil, nil }

func TestTickWithoutTriggerDoesNothing(t *testing.T) {
	state := &memState{}
	backups := &memBackups{}
	s, err := NewScheduler(state, backups, memEvents{}, "")
	if err != nil {
		t.Fatal(err)
	}

	s.tick()

	if backups.runs != 0 {
		t.Error("a job ran with no trigger set")
	}
}

func TestRequestedRunExecutesAndClearsState(t *testing.T) {
	state := &memState{}
	backups := &memBackups{result: models.BackupResult{
		Status:   models.StatusSuccess,
		Filename: "full-backup-20260301-000000.zip",
		Size:     4096,
	}}
	s, err := NewScheduler(state, backups, memEvents{}, "")
	if err != nil {
		t.Fatal(err)
	}

	// "Start backup" from the API is just a trigger; the next tick runs it.
	state.RequestRun()
	s.tick()

	if backups.runs != 1 {
		t.Fatalf("expected 1 run, got %d", backups.runs)
	}
	if running, _ := state.IsRunning(); running {
		t.Error("running flag survived job completion")
	}
	result, _ := state.LastResult()
	if result == nil || !result.Succeeded() || result.Size != 4096 {
		t.Errorf("result was not recorded: %+v", result)
	}

	// The trigger was consumed: the next tick is idle again.
	s.tick()
	if backups.runs != 1 {
		t.Error("trigger fired twice")
	}
}

func TestFailureResultIsRecordedToo(t *testing.T) {
	state := &memState{}
	backups := &memBackups{result: models.BackupResult{
		Status: models.StatusFailure,
		Error:  "site archive: archive is empty or truncated",
	}}
	s, err := NewScheduler(state, backups, memEvents{}, "")
	if err != nil {
		t.Fatal(err)
	}

	state.RequestRun()
	s.tick()

	result, _ := state.LastResult()
	if result == nil || result.Succeeded() {
		t.Fatalf("failure result was not recorded: %+v", result)
	}
	if running, _ := state.IsRunning(); running {
		t.Error("running flag survived a failed job")
	}
}

func TestTriggerSkippedWhileRunning(t *testing.T) {
	state := &memState{}
	backups := &memBackups{}
	s, err := NewScheduler(state, backups, memEvents{}, "")
	if err != nil {
		t.Fatal(err)
	}

	// Another job holds the flag.
	if won, _ := state.TryStart(); !won {
		t.Fatal("setup: TryStart should win")
	}

	state.RequestRun()
	s.tick()

	if backups.runs != 0 {
		t.Error("a second job ran while one was in flight")
	}
	if state.starts != 1 {
		t.Errorf("expected exactly one flag acquisition, got %d", state.starts)
	}
}

func TestInvalidCronScheduleRejected(t *testing.T) {
	if _, err := NewScheduler(&memState{}, &memBackups{}, memEvents{}, "not a cron expr"); err == nil {
		t.Error("invalid cron expression was accepted")
	}
}
