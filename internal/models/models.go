// Package models defines the core data types that flow through the
// ingest and transcode pipeline: streams, the chunks recorders upload,
// the segments a muxer produces, and the manifest that names them.
package models

import "time"

// StreamStatus enumerates the lifecycle states of a Stream.
type StreamStatus string

const (
	StreamStarting    StreamStatus = "Starting"
	StreamLive        StreamStatus = "Live"
	StreamEnding      StreamStatus = "Ending"
	StreamTranscoding StreamStatus = "Transcoding"
	StreamReady       StreamStatus = "Ready"
	StreamComplete    StreamStatus = "Complete"
	StreamError       StreamStatus = "Error"
)

// Stream is a live session identified by an externally-assigned StreamId.
// At most one worker holds non-empty OwnerWorkerID for a given stream at
// any instant.
type Stream struct {
	StreamID      string       `json:"streamId"`
	Status        StreamStatus `json:"status"`
	OwnerWorkerID string       `json:"ownerWorkerId,omitempty"`
	Bucket        string       `json:"bucket"`
	Prefix        string       `json:"prefix"`
	ChunkCount    int64        `json:"chunkCount"`
	SegmentCount  int64        `json:"segmentCount"`
	TotalBytes    int64        `json:"totalBytes"`
	StartedAt     time.Time    `json:"startedAt"`
}

// Chunk is an ordered, immutable media fragment belonging to a Stream.
// Sequence numbers are 0-based, strictly increasing, and dense.
type Chunk struct {
	Sequence  int64     `json:"seq"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Segment is an output artifact produced by the muxer for a Stream. Once
// uploaded a segment is immutable and is never re-uploaded with different
// content.
type Segment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Key  string `json:"key"`
}

// Manifest is the current playlist for a Stream: the ordered set of
// segment names currently known to be fully uploaded, plus whether the
// stream has reached its terminal state.
type Manifest struct {
	StreamID string   `json:"streamId"`
	Key      string   `json:"key"`
	Segments []string `json:"segments"`
	Ended    bool     `json:"ended"`
}

// Worker identifies a transcoder process. A worker's liveness is asserted
// by a TTL-bounded heartbeat key in the broker, refreshed on a fixed
// cadence; the set of streams it owns is the set of ownership keys valued
// with its id.
type Worker struct {
	WorkerID string `json:"workerId"`
}

// PauseEvent records one pause/resume cycle a recorder reported on stop.
type PauseEvent struct {
	PausedAt  time.Time `json:"pausedAt"`
	ResumedAt time.Time `json:"resumedAt"`
	Duration  int64     `json:"duration"`
}
