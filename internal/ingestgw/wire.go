package ingestgw

import (
	"time"

	"streamforge/internal/events"
)

// inboundMessage is the client→server control frame shape: a tagged
// variant keyed on type, fields beyond the active variant left zero.
type inboundMessage struct {
	Type               string              `json:"type"`
	RecordingID        string              `json:"recordingId"`
	Duration           int64               `json:"duration"`
	PauseCount         int                 `json:"pauseCount"`
	PauseDurationTotal int64               `json:"pauseDurationTotal"`
	PauseEvents        []inboundPauseEvent `json:"pauseEvents"`
}

type inboundPauseEvent struct {
	PausedAt  time.Time `json:"pausedAt"`
	ResumedAt time.Time `json:"resumedAt"`
	Duration  int64     `json:"duration"`
}

// startedAck acknowledges a successful start.
type startedAck struct {
	Type        string `json:"type"`
	RecordingID string `json:"recordingId"`
	Status      string `json:"status"`
}

// stoppedAck acknowledges a stop frame. An implicit stop on disconnect,
// or a stop through the Progress HTTP fallback, sends no acknowledgement.
type stoppedAck struct {
	Type        string `json:"type"`
	RecordingID string `json:"recordingId"`
	Status      string `json:"status"`
}

// pongAck answers a ping.
type pongAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// errorAck reports a protocol violation or a failed operation.
type errorAck struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// outboundEvent is the flattened client-facing form of a relayed
// events.ProgressEvent: recorders and viewers key on recordingId rather
// than the broker's internal streamId field name, matching the start/
// stop acks they already key on.
type outboundEvent struct {
	Type         string `json:"type"`
	RecordingID  string `json:"recordingId"`
	Name         string `json:"name,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Key          string `json:"key,omitempty"`
	Status       string `json:"status,omitempty"`
	SegmentCount int64  `json:"segmentCount,omitempty"`
	TotalBytes   int64  `json:"totalBytes,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func outboundFromProgress(evt events.ProgressEvent) outboundEvent {
	out := outboundEvent{Type: string(evt.Type), RecordingID: evt.StreamID}
	switch evt.Type {
	case events.ProgressSegmentReady:
		if evt.SegmentReady != nil {
			out.Name, out.Size = evt.SegmentReady.Name, evt.SegmentReady.Size
		}
	case events.ProgressManifestUpdated:
		if evt.ManifestUpdated != nil {
			out.Key = evt.ManifestUpdated.Key
		}
	case events.ProgressStatusChange:
		if evt.StatusChange != nil {
			out.Status = evt.StatusChange.NewStatus
		}
	case events.ProgressStreamComplete:
		if evt.StreamComplete != nil {
			out.SegmentCount, out.TotalBytes = evt.StreamComplete.SegmentCount, evt.StreamComplete.TotalBytes
		}
	case events.ProgressStreamError:
		if evt.StreamError != nil {
			out.Reason = evt.StreamError.Reason
		}
	}
	return out
}
