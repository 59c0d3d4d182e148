// Package events defines the tagged-variant records exchanged on the
// coordination broker's control log and per-stream progress channels.
package events

import (
	"encoding/json"
	"time"
)

// ControlEventType enumerates the variants carried on the shared control
// log.
type ControlEventType string

const (
	ControlEventStreamStart ControlEventType = "StreamStart"
	ControlEventStreamStop  ControlEventType = "StreamStop"
)

// ControlEvent is a record on the single shared control log, totally
// ordered by the broker. Exactly one of StreamStart / StreamStop is
// populated, selected by Type.
type ControlEvent struct {
	Type       ControlEventType   `json:"type"`
	StreamID   string             `json:"streamId"`
	StreamStart *StreamStartEvent `json:"streamStart,omitempty"`
	StreamStop  *StreamStopEvent  `json:"streamStop,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// StreamStartEvent carries the payload of a StreamStart control event.
type StreamStartEvent struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// StreamStopEvent carries the recorder-supplied pause statistics reported
// on a StreamStop control event.
type StreamStopEvent struct {
	Duration           int64             `json:"duration"`
	PauseCount         int               `json:"pauseCount"`
	PauseDurationTotal int64             `json:"pauseDurationTotal"`
	PauseEvents        []PauseEventEntry `json:"pauseEvents,omitempty"`
}

// PauseEventEntry is one pause/resume cycle reported by the recorder.
type PauseEventEntry struct {
	PausedAt  time.Time `json:"pausedAt"`
	ResumedAt time.Time `json:"resumedAt"`
	Duration  int64     `json:"duration"`
}

// ProgressEventType enumerates the variants published per-stream on the
// progress channel.
type ProgressEventType string

const (
	ProgressSegmentReady    ProgressEventType = "segmentReady"
	ProgressManifestUpdated ProgressEventType = "manifestUpdated"
	ProgressStatusChange    ProgressEventType = "statusChange"
	ProgressStreamComplete  ProgressEventType = "streamComplete"
	ProgressStreamError     ProgressEventType = "streamError"
)

// ProgressEvent is a record published on a stream's progress channel.
// Exactly one payload field is populated, selected by Type. This JSON
// shape is the broker-internal one: the Gateway converts each event into
// its own recordingId-keyed frame (internal/ingestgw's outboundEvent)
// before relaying it to connected viewers.
type ProgressEvent struct {
	Type     ProgressEventType `json:"type"`
	StreamID string            `json:"streamId"`

	SegmentReady    *SegmentReadyPayload    `json:"-"`
	ManifestUpdated *ManifestUpdatedPayload `json:"-"`
	StatusChange    *StatusChangePayload    `json:"-"`
	StreamComplete  *StreamCompletePayload  `json:"-"`
	StreamError     *StreamErrorPayload     `json:"-"`

	OccurredAt time.Time `json:"occurredAt"`
}

// SegmentReadyPayload announces a newly-uploaded segment.
type SegmentReadyPayload struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ManifestUpdatedPayload announces a newly-uploaded manifest revision.
type ManifestUpdatedPayload struct {
	Key string `json:"key"`
}

// StatusChangePayload announces a Stream status transition.
type StatusChangePayload struct {
	NewStatus string `json:"newStatus"`
}

// StreamCompletePayload announces the final tally for a stream that
// reached Complete.
type StreamCompletePayload struct {
	SegmentCount int64 `json:"segmentCount"`
	TotalBytes   int64 `json:"totalBytes"`
}

// StreamErrorPayload announces a terminal error for a stream.
type StreamErrorPayload struct {
	Reason string `json:"reason"`
}

// progressWire is the flat on-the-wire encoding of a ProgressEvent: the
// payload fields are tagged "-" on the struct itself (exactly one is
// active per Type) so they are spread into top-level, omitempty keys
// here instead of nesting under a variant-specific object.
type progressWire struct {
	Type       ProgressEventType `json:"type"`
	StreamID   string            `json:"streamId"`
	OccurredAt time.Time         `json:"occurredAt"`

	Name         string `json:"name,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Key          string `json:"key,omitempty"`
	NewStatus    string `json:"newStatus,omitempty"`
	SegmentCount int64  `json:"segmentCount,omitempty"`
	TotalBytes   int64  `json:"totalBytes,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// MarshalJSON flattens the active payload variant into the wire shape
// consumed across the coordination broker's progress channel.
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	w := progressWire{Type: e.Type, StreamID: e.StreamID, OccurredAt: e.OccurredAt}
	switch e.Type {
	case ProgressSegmentReady:
		if e.SegmentReady != nil {
			w.Name, w.Size = e.SegmentReady.Name, e.SegmentReady.Size
		}
	case ProgressManifestUpdated:
		if e.ManifestUpdated != nil {
			w.Key = e.ManifestUpdated.Key
		}
	case ProgressStatusChange:
		if e.StatusChange != nil {
			w.NewStatus = e.StatusChange.NewStatus
		}
	case ProgressStreamComplete:
		if e.StreamComplete != nil {
			w.SegmentCount, w.TotalBytes = e.StreamComplete.SegmentCount, e.StreamComplete.TotalBytes
		}
	case ProgressStreamError:
		if e.StreamError != nil {
			w.Reason = e.StreamError.Reason
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the active payload variant from its flattened
// wire encoding.
func (e *ProgressEvent) UnmarshalJSON(data []byte) error {
	var w progressWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Type, e.StreamID, e.OccurredAt = w.Type, w.StreamID, w.OccurredAt
	e.SegmentReady, e.ManifestUpdated, e.StatusChange, e.StreamComplete, e.StreamError = nil, nil, nil, nil, nil
	switch w.Type {
	case ProgressSegmentReady:
		e.SegmentReady = &SegmentReadyPayload{Name: w.Name, Size: w.Size}
	case ProgressManifestUpdated:
		e.ManifestUpdated = &ManifestUpdatedPayload{Key: w.Key}
	case ProgressStatusChange:
		e.StatusChange = &StatusChangePayload{NewStatus: w.NewStatus}
	case ProgressStreamComplete:
		e.StreamComplete = &StreamCompletePayload{SegmentCount: w.SegmentCount, TotalBytes: w.TotalBytes}
	case ProgressStreamError:
		e.StreamError = &StreamErrorPayload{Reason: w.Reason}
	}
	return nil
}

// NewStreamStart builds a StreamStart control event.
func NewStreamStart(streamID, bucket, prefix string) ControlEvent {
	return ControlEvent{
		Type:        ControlEventStreamStart,
		StreamID:    streamID,
		StreamStart: &StreamStartEvent{Bucket: bucket, Prefix: prefix},
		OccurredAt:  time.Now().UTC(),
	}
}

// NewStreamStop builds a StreamStop control event.
func NewStreamStop(streamID string, stop StreamStopEvent) ControlEvent {
	return ControlEvent{
		Type:       ControlEventStreamStop,
		StreamID:   streamID,
		StreamStop: &stop,
		OccurredAt: time.Now().UTC(),
	}
}

// NewSegmentReady builds a SegmentReady progress event.
func NewSegmentReady(streamID, name string, size int64) ProgressEvent {
	return ProgressEvent{
		Type:         ProgressSegmentReady,
		StreamID:     streamID,
		SegmentReady: &SegmentReadyPayload{Name: name, Size: size},
		OccurredAt:   time.Now().UTC(),
	}
}

// NewManifestUpdated builds a ManifestUpdated progress event.
func NewManifestUpdated(streamID, key string) ProgressEvent {
	return ProgressEvent{
		Type:            ProgressManifestUpdated,
		StreamID:        streamID,
		ManifestUpdated: &ManifestUpdatedPayload{Key: key},
		OccurredAt:      time.Now().UTC(),
	}
}

// NewStatusChange builds a StatusChange progress event.
func NewStatusChange(streamID, newStatus string) ProgressEvent {
	return ProgressEvent{
		Type:         ProgressStatusChange,
		StreamID:     streamID,
		StatusChange: &StatusChangePayload{NewStatus: newStatus},
		OccurredAt:   time.Now().UTC(),
	}
}

// NewStreamComplete builds a StreamComplete progress event.
func NewStreamComplete(streamID string, segmentCount, totalBytes int64) ProgressEvent {
	return ProgressEvent{
		Type:           ProgressStreamComplete,
		StreamID:       streamID,
		StreamComplete: &StreamCompletePayload{SegmentCount: segmentCount, TotalBytes: totalBytes},
		OccurredAt:     time.Now().UTC(),
	}
}

// NewStreamError builds a StreamError progress event.
func NewStreamError(streamID, reason string) ProgressEvent {
	return ProgressEvent{
		Type:        ProgressStreamError,
		StreamID:    streamID,
		StreamError: &StreamErrorPayload{Reason: reason},
		OccurredAt:  time.Now().UTC(),
	}
}
