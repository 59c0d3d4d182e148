package recording

import (
	"context"
	"sync"
)

// NewMemoryRepository returns an in-memory Repository suitable for tests.
// It tracks the same narrow-field-update discipline as the Postgres
// backend: applying a FieldUpdate only ever touches the fields it sets.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]FieldUpdate)}
}

// MemoryRepository is an in-memory Repository fake.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]FieldUpdate
}

func (m *MemoryRepository) Close(ctx context.Context) error { return nil }

func (m *MemoryRepository) UpdateFields(ctx context.Context, recordingID string, update FieldUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rows[recordingID]
	if !ok {
		existing = FieldUpdate{}
	}
	merge(&existing, update)
	m.rows[recordingID] = existing
	return nil
}

// Snapshot returns the accumulated field state for recordingID, for test
// assertions.
func (m *MemoryRepository) Snapshot(recordingID string) (FieldUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update, ok := m.rows[recordingID]
	return update, ok
}

func merge(dst *FieldUpdate, src FieldUpdate) {
	if src.Status != nil {
		dst.Status = src.Status
	}
	if src.IsLiveStreaming != nil {
		dst.IsLiveStreaming = src.IsLiveStreaming
	}
	if src.StreamStartedAt != nil {
		dst.StreamStartedAt = src.StreamStartedAt
	}
	if src.StreamEndedAt != nil {
		dst.StreamEndedAt = src.StreamEndedAt
	}
	if src.Duration != nil {
		dst.Duration = src.Duration
	}
	if src.PauseCount != nil {
		dst.PauseCount = src.PauseCount
	}
	if src.PauseDurationTotal != nil {
		dst.PauseDurationTotal = src.PauseDurationTotal
	}
	if src.PauseEvents != nil {
		dst.PauseEvents = src.PauseEvents
	}
	if src.StorageBucket != nil {
		dst.StorageBucket = src.StorageBucket
	}
	if src.StorageKey != nil {
		dst.StorageKey = src.StorageKey
	}
	if src.FileBytes != nil {
		dst.FileBytes = src.FileBytes
	}
	if src.PlaybackFormat != nil {
		dst.PlaybackFormat = src.PlaybackFormat
	}
}
