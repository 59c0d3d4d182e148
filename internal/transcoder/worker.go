// Package transcoder implements the Transcode Worker: it claims Live
// streams off the coordination broker's control log, drives a muxer
// subprocess per claimed stream, uploads whatever the muxer produces,
// and periodically reclaims streams abandoned by a crashed worker.
package transcoder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"streamforge/internal/broker"
	"streamforge/internal/brokerkeys"
	"streamforge/internal/events"
	"streamforge/internal/models"
	"streamforge/internal/objectstore"
	"streamforge/internal/observability/logging"
	"streamforge/internal/observability/metrics"
)

// Config configures a Worker.
type Config struct {
	WorkerID string
	Broker   broker.Broker
	Store    objectstore.Store
	Logger   *slog.Logger

	MuxerPath          string
	TempRoot           string
	DefaultSegmentSecs int

	PollInterval         time.Duration
	Quiescence           time.Duration
	ReadTimeout          time.Duration
	DrainGrace           time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTTL         time.Duration
	ReclaimSweepInterval time.Duration
	MaxConcurrentStreams int64
}

// Worker is one Transcode Worker process. It is safe to construct at
// most once per process; Run blocks until ctx is done or a fatal setup
// error occurs.
type Worker struct {
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu    sync.Mutex
	tasks map[string]*streamTask
}

// New builds a Worker from cfg, filling in unset durations with the
// defaults spec.md §6 names.
func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Quiescence <= 0 {
		cfg.Quiescence = 500 * time.Millisecond
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = cfg.ReadTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 10 * time.Second
	}
	if cfg.ReclaimSweepInterval <= 0 {
		cfg.ReclaimSweepInterval = 30 * time.Second
	}
	if cfg.MaxConcurrentStreams <= 0 {
		cfg.MaxConcurrentStreams = 16
	}
	if cfg.DefaultSegmentSecs <= 0 {
		cfg.DefaultSegmentSecs = 4
	}
	if cfg.MuxerPath == "" {
		cfg.MuxerPath = "ffmpeg"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		logger: logging.WithContext(logging.ContextWithWorkerID(context.Background(), cfg.WorkerID), logger),
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentStreams),
		tasks:  make(map[string]*streamTask),
	}
}

// Run starts the heartbeat, the reclamation sweep, and the control log
// follower, and blocks until ctx is cancelled. Per spec.md §5's
// shutdown ordering, the heartbeat runs on a context decoupled from
// ctx so it is the last thing to stop: everything else drains first,
// then the heartbeat context is cancelled once draining completes.
func (w *Worker) Run(ctx context.Context) error {
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.runHeartbeat(heartbeatCtx)
	}()

	if err := w.reclaimOwnedStreams(ctx); err != nil {
		w.logger.Warn("startup reclamation sweep failed", "error", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		w.runReclaimLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		return w.runControlLoop(groupCtx)
	})

	err := group.Wait()

	w.drainAllTasks()
	stopHeartbeat()
	<-heartbeatDone

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// drainAllTasks signals every owned task to wind down and waits for
// each to finish finalizing, forcing a kill on any still running once
// a short grace period elapses.
func (w *Worker) drainAllTasks() {
	tasks := w.snapshotTasks()
	for _, t := range tasks {
		t.beginDraining()
	}
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-time.After(2 * time.Second):
			t.forceKill()
			<-t.done
		}
	}
}

func (w *Worker) loggerFor(streamID string) *slog.Logger {
	ctx := logging.ContextWithStreamID(logging.ContextWithWorkerID(context.Background(), w.cfg.WorkerID), streamID)
	return logging.WithContext(ctx, w.logger)
}

func (w *Worker) snapshotTasks() []*streamTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*streamTask, 0, len(w.tasks))
	for _, t := range w.tasks {
		out = append(out, t)
	}
	return out
}

func (w *Worker) hasTask(streamID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tasks[streamID]
	return ok
}

func (w *Worker) lookupTask(streamID string) (*streamTask, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tasks[streamID]
	return t, ok
}

func (w *Worker) registerTask(t *streamTask) {
	w.mu.Lock()
	w.tasks[t.streamID] = t
	w.mu.Unlock()
}

func (w *Worker) unregisterTask(streamID string) {
	w.mu.Lock()
	delete(w.tasks, streamID)
	w.mu.Unlock()
	w.sem.Release(1)
}

// spawnTask claims semaphore capacity and starts a task for streamID.
// startSeq is the sequence already applied to a prior muxer instance
// (-1 for a fresh stream), letting the chunk consumer skip chunks a
// reclaimed task's predecessor already fed in. resumeSegmentNumber and
// initialTotalBytes are 0 for a stream's first (non-reclaimed) muxer
// process and the dead worker's last published segment count/byte total
// when reclaimOne restarts it, so the resumed muxer's segment numbering
// and the task's running counters both continue the same bit-exact
// sequence rather than starting over.
func (w *Worker) spawnTask(parentCtx context.Context, streamID, bucket, prefix string, startSeq, resumeSegmentNumber, initialTotalBytes int64) {
	if err := w.sem.Acquire(parentCtx, 1); err != nil {
		w.logger.Warn("failed to acquire concurrency slot, not claiming stream", "streamId", streamID, "error", err)
		return
	}
	t := newStreamTask(w, streamID, bucket, prefix, startSeq, resumeSegmentNumber, initialTotalBytes)
	w.registerTask(t)
	metrics.TranscoderJobStarted()
	go t.run(parentCtx)
}

// runHeartbeat refreshes this worker's liveness key on a fixed cadence,
// retrying forever with capped backoff on broker failure (spec.md §7).
func (w *Worker) runHeartbeat(ctx context.Context) {
	key := brokerkeys.Heartbeat(w.cfg.WorkerID)
	w.refreshHeartbeat(ctx, key)

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.refreshHeartbeat(ctx, key)
		}
	}
}

func (w *Worker) refreshHeartbeat(ctx context.Context, key string) {
	backoff := 100 * time.Millisecond
	for {
		if err := w.beatOnce(ctx, key); err == nil {
			return
		} else if ctx.Err() != nil {
			return
		} else {
			w.logger.Warn("heartbeat refresh failed, retrying", "error", err)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (w *Worker) beatOnce(ctx context.Context, key string) error {
	ok, err := w.cfg.Broker.SetNX(ctx, key, w.cfg.WorkerID, w.cfg.HeartbeatTTL)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = w.cfg.Broker.Expire(ctx, key, w.cfg.HeartbeatTTL)
	return err
}

// runReclaimLoop periodically sweeps for streams left ownerless by a
// crashed worker, per spec.md §4.3's reclamation paragraph.
func (w *Worker) runReclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReclaimSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.reclaimOwnedStreams(ctx); err != nil {
				w.logger.Warn("reclamation sweep failed", "error", err)
			}
		}
	}
}

// runControlLoop tails the shared control log for entries appended
// from this moment on, claiming streams on StreamStart and marking
// owned tasks draining on StreamStop. It deliberately does not replay
// history: in-flight streams whose owner has no live heartbeat are
// picked up through reclaimOwnedStreams (run at startup and on every
// runReclaimLoop tick) rather than by re-processing old StreamStart
// entries, which would otherwise resurrect long-finalized streams.
// reclaimOwnedStreams skips owner keys that already name this worker's
// own id.
func (w *Worker) runControlLoop(ctx context.Context) error {
	cursor := broker.CursorLatest
	for {
		if ctx.Err() != nil {
			return nil
		}
		entries, next, err := w.cfg.Broker.ReadNew(ctx, brokerkeys.ControlLog, cursor, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("control log read failed, retrying", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		cursor = next
		for _, entry := range entries {
			w.handleControlEntry(ctx, entry)
		}
	}
}

func (w *Worker) handleControlEntry(ctx context.Context, entry broker.LogEntry) {
	var evt events.ControlEvent
	if err := json.Unmarshal(entry.Payload, &evt); err != nil {
		w.logger.Warn("malformed control log entry", "error", err)
		return
	}
	switch evt.Type {
	case events.ControlEventStreamStart:
		if evt.StreamStart == nil {
			return
		}
		w.handleStreamStart(ctx, evt.StreamID, *evt.StreamStart)
	case events.ControlEventStreamStop:
		w.handleStreamStop(evt.StreamID)
	}
}

func (w *Worker) handleStreamStart(ctx context.Context, streamID string, start events.StreamStartEvent) {
	claimed, err := w.tryClaim(ctx, streamID)
	if err != nil {
		w.logger.Warn("ownership claim failed", "streamId", streamID, "error", err)
		return
	}
	if !claimed {
		w.logger.Debug("claim skipped, stream already owned", "streamId", streamID)
		return
	}
	w.logger.Info("claimed stream", "streamId", streamID)
	if err := w.cfg.Broker.HashSet(ctx, brokerkeys.State(streamID), "status", string(models.StreamTranscoding)); err != nil {
		w.logger.Warn("failed to mark stream transcoding", "streamId", streamID, "error", err)
	}
	w.publishStatus(ctx, streamID, models.StreamTranscoding)
	w.spawnTask(context.Background(), streamID, start.Bucket, start.Prefix, -1, 0, 0)
}

func (w *Worker) handleStreamStop(streamID string) {
	task, ok := w.lookupTask(streamID)
	if !ok {
		return
	}
	task.beginDraining()
}

func (w *Worker) tryClaim(ctx context.Context, streamID string) (bool, error) {
	return w.cfg.Broker.SetNX(ctx, brokerkeys.Owner(streamID), w.cfg.WorkerID, 0)
}

func (w *Worker) publishStatus(ctx context.Context, streamID string, status models.StreamStatus) {
	payload, err := json.Marshal(events.NewStatusChange(streamID, string(status)))
	if err != nil {
		w.logger.Error("failed to marshal status change", "error", err)
		return
	}
	if err := w.cfg.Broker.Publish(ctx, brokerkeys.Events(streamID), payload); err != nil {
		w.logger.Warn("failed to publish status change", "streamId", streamID, "error", err)
	}
}
