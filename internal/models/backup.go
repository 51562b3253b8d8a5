package models

import "time"

// Result statuses for a finished backup job.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// BackupResult is the outcome record of one backup job. Exactly one is kept;
// each run overwrites the previous one.
type BackupResult struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	FilePath  string    `json:"-"` // Internal use, not exposed to client
	Filename  string    `json:"filename,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Succeeded reports whether the job produced an artifact.
func (r BackupResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Artifact describes one finished archive in the backup directory. The
// directory listing is the source of truth; no separate index is kept.
type Artifact struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// JobState mirrors the persisted running flag for status responses.
type JobState struct {
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}
