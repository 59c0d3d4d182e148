// Package recording implements the Recording Record external-collaborator
// interface: narrow, field-scoped updates to a row this service does not
// own the full lifecycle of, backed by Postgres.
package recording

import (
	"context"
	"time"
)

// Status mirrors the subset of recording lifecycle states this service
// is allowed to report.
type Status string

const (
	StatusPending Status = "pending"
	StatusLive    Status = "live"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// PauseEvent is one pause/resume cycle, persisted verbatim from the
// recorder's StreamStop report.
type PauseEvent struct {
	PausedAt  time.Time
	ResumedAt time.Time
	Duration  time.Duration
}

// FieldUpdate carries the narrow set of fields this service is permitted
// to write. Only non-nil fields are included in the UPDATE statement;
// every other column on the row is left untouched.
type FieldUpdate struct {
	Status             *Status
	IsLiveStreaming     *bool
	StreamStartedAt     *time.Time
	StreamEndedAt       *time.Time
	Duration            *time.Duration
	PauseCount          *int
	PauseDurationTotal  *time.Duration
	PauseEvents         []PauseEvent
	StorageBucket       *string
	StorageKey          *string
	FileBytes           *int64
	PlaybackFormat      *string
}

// Repository is the Recording Record collaborator's contract.
type Repository interface {
	// UpdateFields applies update to the recording identified by
	// recordingID, touching only the columns update sets. It never
	// overwrites the row's other columns.
	UpdateFields(ctx context.Context, recordingID string, update FieldUpdate) error

	// Close releases the repository's connection pool.
	Close(ctx context.Context) error
}
