// Package ingestgw implements the Ingest Gateway: it terminates
// recorder connections on /ws/stream, frames and persists media chunks,
// announces chunk and lifecycle events on the coordination broker, and
// relays transcoder progress back to every connected client.
package ingestgw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"streamforge/internal/brokerkeys"
	"streamforge/internal/events"
	"streamforge/internal/models"
	"streamforge/internal/objectkeys"
	"streamforge/internal/objectstore"
	"streamforge/internal/pipelineerr"
	"streamforge/internal/recording"

	"streamforge/internal/broker"
	"streamforge/internal/wsconn"
)

const (
	retireGracePeriod = 5 * time.Minute
	chunkContentType  = "video/webm"
)

// Config configures a Gateway.
type Config struct {
	Broker     broker.Broker
	Store      objectstore.Store
	Recordings recording.Repository
	// Bucket is the configured backing bucket name, recorded on the
	// Stream and the recording record; it is not otherwise interpreted
	// by the Gateway, which addresses objects purely by key.
	Bucket string
	Logger *slog.Logger
}

// Gateway coordinates recorder connections, chunk persistence, and
// viewer fan-out.
type Gateway struct {
	broker     broker.Broker
	store      objectstore.Store
	recordings recording.Repository
	bucket     string
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	streams map[string]*streamState
}

// streamState is the Gateway's in-memory view of one active stream. It
// owns sequence allocation; the broker's state hash is the durable,
// cross-process mirror of Status.
type streamState struct {
	mu       sync.Mutex
	stream   models.Stream
	nextSeq  int64
	stopped  bool
	cancel   context.CancelFunc
}

// NewGateway builds a Gateway from cfg.
func NewGateway(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		broker:     cfg.Broker,
		store:      cfg.Store,
		recordings: cfg.Recordings,
		bucket:     cfg.Bucket,
		logger:     logger,
		clients:    make(map[*client]struct{}),
		streams:    make(map[string]*streamState),
	}
}

// HandleConnection upgrades r to a WebSocket and begins serving it.
// There is no authentication step: the recorder's identity is whatever
// recordingId it asserts in its start frame.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.Context().Done()
		cancel()
	}()

	c := &client{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, 32),
		cancel:  cancel,
	}

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	go c.writeLoop()
	c.readLoop(ctx)
}

func (g *Gateway) removeClient(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// broadcast sends payload to every currently connected client.
func (g *Gateway) broadcast(payload []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// handleStart implements the connection contract's start path
// (spec.md §4.1): creates the in-memory Stream, initializes broker
// state, appends StreamStart to the control log, and seeds the
// recording record.
func (g *Gateway) handleStart(ctx context.Context, c *client, msg inboundMessage) error {
	if c.streamID != "" {
		c.sendError("already started")
		return nil
	}
	if msg.RecordingID == "" {
		return fmt.Errorf("recordingId required")
	}

	now := time.Now().UTC()
	prefix := objectkeys.DatePrefix(now)
	stream := models.Stream{
		StreamID:  msg.RecordingID,
		Status:    models.StreamLive,
		Bucket:    g.bucket,
		Prefix:    prefix,
		StartedAt: now,
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	state := &streamState{stream: stream, cancel: cancel}

	g.mu.Lock()
	g.streams[stream.StreamID] = state
	g.mu.Unlock()

	if err := g.initBrokerState(ctx, stream); err != nil {
		g.logger.Warn("failed to initialize broker state", "streamId", stream.StreamID, "error", err)
	}
	if payload, err := json.Marshal(events.NewStreamStart(stream.StreamID, stream.Bucket, stream.Prefix)); err != nil {
		g.logger.Error("failed to marshal StreamStart", "streamId", stream.StreamID, "error", err)
	} else if _, err := g.broker.AppendLog(ctx, brokerkeys.ControlLog, payload); err != nil {
		g.logger.Error("failed to append StreamStart", "streamId", stream.StreamID, "error", err)
	}

	manifestKey := objectkeys.ManifestKey(prefix, stream.StreamID)
	liveTrue := true
	statusLive := recording.StatusLive
	if g.recordings != nil {
		if err := g.recordings.UpdateFields(ctx, stream.StreamID, recording.FieldUpdate{
			Status:          &statusLive,
			IsLiveStreaming: &liveTrue,
			StreamStartedAt: &now,
			StorageBucket:   &stream.Bucket,
			StorageKey:      &manifestKey,
		}); err != nil {
			g.logger.Warn("failed to update recording record on start", "streamId", stream.StreamID, "error", err)
		}
	}

	go g.relayProgress(relayCtx, stream.StreamID)

	c.streamID = stream.StreamID
	c.send <- mustMarshal(startedAck{Type: "started", RecordingID: stream.StreamID, Status: string(models.StreamLive)})
	return nil
}

func (g *Gateway) initBrokerState(ctx context.Context, stream models.Stream) error {
	fields := map[string]string{
		"status":     string(stream.Status),
		"bucket":     stream.Bucket,
		"prefix":     stream.Prefix,
		"startedAt":  stream.StartedAt.Format(time.RFC3339),
		"chunkCount": "0",
	}
	for field, value := range fields {
		if err := g.broker.HashSet(ctx, brokerkeys.State(stream.StreamID), field, value); err != nil {
			return pipelineerr.WrapStream(pipelineerr.Broker, stream.StreamID, "HashSet "+field, err)
		}
	}
	return nil
}

// handleStop implements the stop path: it marks the stream Ending,
// appends StreamStop with the recorder's pause statistics, and
// acknowledges immediately without waiting for the worker to finalize.
func (g *Gateway) handleStop(ctx context.Context, c *client, msg inboundMessage) error {
	if c.streamID == "" {
		c.sendError("start required first")
		return nil
	}
	return g.StopStream(ctx, c.streamID, stopEventFromInbound(msg), c)
}

// StopStream applies the stop transition for streamID. It is shared by
// the WebSocket stop path and the Progress HTTP fallback's stop
// endpoint, which triggers the same transition for recorders that lost
// their WebSocket connection. ackTo, if non-nil, receives the stopped
// acknowledgement; callers with no live connection pass nil.
func (g *Gateway) StopStream(ctx context.Context, streamID string, stop events.StreamStopEvent, ackTo *client) error {
	g.mu.RLock()
	state, ok := g.streams[streamID]
	g.mu.RUnlock()
	if !ok {
		if ackTo != nil {
			ackTo.sendError("stream not found")
		}
		return fmt.Errorf("stream %s not found", streamID)
	}

	state.mu.Lock()
	alreadyStopped := state.stopped
	state.stopped = true
	status := state.stream.Status
	state.mu.Unlock()

	if alreadyStopped {
		if ackTo != nil {
			ackTo.send <- mustMarshal(stoppedAck{Type: "stopped", RecordingID: streamID, Status: string(status)})
		}
		return nil
	}

	if err := g.broker.HashSet(ctx, brokerkeys.State(streamID), "status", string(models.StreamEnding)); err != nil {
		g.logger.Warn("failed to mark stream ending", "streamId", streamID, "error", err)
	}
	state.mu.Lock()
	state.stream.Status = models.StreamEnding
	state.mu.Unlock()

	if payload, err := json.Marshal(events.NewStreamStop(streamID, stop)); err != nil {
		g.logger.Error("failed to marshal StreamStop", "streamId", streamID, "error", err)
	} else if _, err := g.broker.AppendLog(ctx, brokerkeys.ControlLog, payload); err != nil {
		g.logger.Error("failed to append StreamStop", "streamId", streamID, "error", err)
	}

	if g.recordings != nil {
		now := time.Now().UTC()
		liveFalse := false
		duration := time.Duration(stop.Duration) * time.Second
		pauseTotal := time.Duration(stop.PauseDurationTotal) * time.Second
		pauseCount := stop.PauseCount
		update := recording.FieldUpdate{
			IsLiveStreaming:    &liveFalse,
			StreamEndedAt:      &now,
			Duration:           &duration,
			PauseCount:         &pauseCount,
			PauseDurationTotal: &pauseTotal,
			PauseEvents:        convertPauseEvents(stop.PauseEvents),
		}
		if err := g.recordings.UpdateFields(ctx, streamID, update); err != nil {
			g.logger.Warn("failed to update recording record on stop", "streamId", streamID, "error", err)
		}
	}

	if ackTo != nil {
		ackTo.send <- mustMarshal(stoppedAck{Type: "stopped", RecordingID: streamID, Status: string(models.StreamEnding)})
	}
	return nil
}

func stopEventFromInbound(msg inboundMessage) events.StreamStopEvent {
	entries := make([]events.PauseEventEntry, 0, len(msg.PauseEvents))
	for _, e := range msg.PauseEvents {
		entries = append(entries, events.PauseEventEntry{PausedAt: e.PausedAt, ResumedAt: e.ResumedAt, Duration: e.Duration})
	}
	return events.StreamStopEvent{
		Duration:           msg.Duration,
		PauseCount:         msg.PauseCount,
		PauseDurationTotal: msg.PauseDurationTotal,
		PauseEvents:        entries,
	}
}

func convertPauseEvents(entries []events.PauseEventEntry) []recording.PauseEvent {
	if len(entries) == 0 {
		return nil
	}
	out := make([]recording.PauseEvent, 0, len(entries))
	for _, e := range entries {
		out = append(out, recording.PauseEvent{
			PausedAt:  e.PausedAt,
			ResumedAt: e.ResumedAt,
			Duration:  time.Duration(e.Duration) * time.Second,
		})
	}
	return out
}

// handlePing answers a ping control frame with the current wall clock.
func (g *Gateway) handlePing(c *client) {
	c.send <- mustMarshal(pongAck{Type: "pong", Timestamp: time.Now().UnixMilli()})
}

// handleChunk implements chunk handling (spec.md §4.1): allocate the
// next sequence number, write the object, then advance bookkeeping
// only once the write has succeeded.
func (g *Gateway) handleChunk(ctx context.Context, c *client, payload []byte) {
	g.mu.RLock()
	state, ok := g.streams[c.streamID]
	g.mu.RUnlock()
	if !ok {
		c.sendError("stream not found")
		return
	}

	state.mu.Lock()
	seq := state.nextSeq
	prefix, streamID := state.stream.Prefix, state.stream.StreamID
	state.mu.Unlock()

	key := objectkeys.ChunkKey(prefix, streamID, seq)
	if err := g.store.PutBuffer(ctx, key, chunkContentType, payload, objectstore.CacheControlImmutable); err != nil {
		g.logger.Warn("chunk object write failed, sequence not advanced", "streamId", streamID, "seq", seq, "error", err)
		c.sendError("chunk write failed, retry")
		return
	}

	state.mu.Lock()
	state.nextSeq = seq + 1
	state.mu.Unlock()

	if _, err := g.broker.HashIncrBy(ctx, brokerkeys.State(streamID), "chunkCount", 1); err != nil {
		g.logger.Warn("failed to increment chunk counter, tolerating orphan progress", "streamId", streamID, "seq", seq, "error", err)
	}

	chunk := models.Chunk{Sequence: seq, Key: key, Size: int64(len(payload)), Timestamp: time.Now().UTC()}
	chunkPayload, err := json.Marshal(chunk)
	if err != nil {
		g.logger.Error("failed to marshal chunk log entry", "streamId", streamID, "seq", seq, "error", err)
		return
	}
	if _, err := g.broker.AppendLog(ctx, brokerkeys.ChunkLog(streamID), chunkPayload); err != nil {
		g.logger.Warn("chunk log append failed, orphan object tolerated", "streamId", streamID, "seq", seq, "error", err)
	}
}

// relayProgress subscribes to streamID's progress channel and forwards
// every event to all connected clients for the life of the stream,
// independent of chunk consumption (spec.md §5: chunk consumption must
// not block progress fan-out — this runs in its own goroutine).
func (g *Gateway) relayProgress(ctx context.Context, streamID string) {
	sub, err := g.broker.Subscribe(ctx, brokerkeys.Events(streamID))
	if err != nil {
		g.logger.Error("failed to subscribe to progress channel", "streamId", streamID, "error", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			var evt events.ProgressEvent
			if err := json.Unmarshal(payload, &evt); err != nil {
				g.logger.Warn("failed to decode progress event", "streamId", streamID, "error", err)
				continue
			}
			g.broadcast(mustMarshal(outboundFromProgress(evt)))
			g.applyRecordingUpdate(ctx, evt)
			if evt.Type == events.ProgressStreamComplete || evt.Type == events.ProgressStreamError {
				go g.retireStream(streamID)
				return
			}
		}
	}
}

// applyRecordingUpdate implements the Viewer fan-out paragraph's side
// effect: StatusChange and StreamComplete additionally trigger an
// idempotent recording-record update.
func (g *Gateway) applyRecordingUpdate(ctx context.Context, evt events.ProgressEvent) {
	if g.recordings == nil {
		return
	}
	switch evt.Type {
	case events.ProgressStatusChange:
		if evt.StatusChange == nil {
			return
		}
		status := mapWorkerStatus(evt.StatusChange.NewStatus)
		liveFalse := false
		update := recording.FieldUpdate{Status: &status}
		if status == recording.StatusReady || status == recording.StatusFailed {
			update.IsLiveStreaming = &liveFalse
		}
		if err := g.recordings.UpdateFields(ctx, evt.StreamID, update); err != nil {
			g.logger.Warn("failed to update recording record on status change", "streamId", evt.StreamID, "error", err)
		}
	case events.ProgressStreamComplete:
		if evt.StreamComplete == nil {
			return
		}
		now := time.Now().UTC()
		liveFalse := false
		if err := g.recordings.UpdateFields(ctx, evt.StreamID, recording.FieldUpdate{
			FileBytes:       &evt.StreamComplete.TotalBytes,
			StreamEndedAt:   &now,
			IsLiveStreaming: &liveFalse,
		}); err != nil {
			g.logger.Warn("failed to update recording record on completion", "streamId", evt.StreamID, "error", err)
		}
	}
}

func mapWorkerStatus(newStatus string) recording.Status {
	switch models.StreamStatus(newStatus) {
	case models.StreamReady, models.StreamComplete:
		return recording.StatusReady
	case models.StreamError:
		return recording.StatusFailed
	default:
		return recording.StatusLive
	}
}

// retireStream drops the Gateway's in-memory state for streamID and
// deletes its durable broker record a fixed grace period after
// reaching a terminal status (spec.md §3), so late status queries
// still see a terminal snapshot before the record disappears. The
// connection's own context is cancelled by then, so the broker delete
// runs on a background context rather than inheriting it.
func (g *Gateway) retireStream(streamID string) {
	g.mu.RLock()
	state, ok := g.streams[streamID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	timer := time.NewTimer(retireGracePeriod)
	defer timer.Stop()
	<-timer.C
	state.cancel()
	g.mu.Lock()
	delete(g.streams, streamID)
	g.mu.Unlock()

	if err := g.broker.Delete(context.Background(), brokerkeys.State(streamID)); err != nil {
		g.logger.Warn("failed to delete retired stream state", "streamId", streamID, "error", err)
	}
}

// StreamStatusSnapshot is the data the Progress HTTP fallback reports
// for a stream.
type StreamStatusSnapshot struct {
	StreamID     string
	Status       string
	ChunkCount   int64
	SegmentCount int64
	TotalBytes   int64
}

// StreamStatus reads streamID's durable state from the broker for the
// Progress HTTP fallback surface.
func (g *Gateway) StreamStatus(ctx context.Context, streamID string) (StreamStatusSnapshot, error) {
	status, ok, err := g.broker.HashGet(ctx, brokerkeys.State(streamID), "status")
	if err != nil {
		return StreamStatusSnapshot{}, pipelineerr.WrapStream(pipelineerr.Broker, streamID, "HashGet status", err)
	}
	if !ok {
		return StreamStatusSnapshot{}, fmt.Errorf("stream %s not found", streamID)
	}
	snap := StreamStatusSnapshot{StreamID: streamID, Status: status}
	snap.ChunkCount = hashGetInt64(ctx, g.broker, brokerkeys.State(streamID), "chunkCount")
	snap.SegmentCount = hashGetInt64(ctx, g.broker, brokerkeys.State(streamID), "segmentCount")
	snap.TotalBytes = hashGetInt64(ctx, g.broker, brokerkeys.State(streamID), "totalBytes")
	return snap, nil
}

func hashGetInt64(ctx context.Context, b broker.Broker, key, field string) int64 {
	value, ok, err := b.HashGet(ctx, key, field)
	if err != nil || !ok {
		return 0
	}
	var n int64
	_, _ = fmt.Sscanf(value, "%d", &n)
	return n
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","detail":"internal encoding error"}`)
	}
	return data
}
