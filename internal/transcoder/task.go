package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamforge/internal/broker"
	"streamforge/internal/brokerkeys"
	"streamforge/internal/events"
	"streamforge/internal/models"
	"streamforge/internal/objectkeys"
	"streamforge/internal/objectstore"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/pipelineerr"
)

// manifestUploadPause is the brief settling delay spec.md §4.3 calls
// for between noticing a manifest mtime change and reading the file,
// so the muxer's own write of stream.m3u8 has finished landing.
const manifestUploadPause = 100 * time.Millisecond

// streamTask owns one claimed stream end to end: it drives the muxer,
// feeds it chunks in strict sequence, uploads whatever the muxer
// produces, and finalizes the stream's state when the muxer exits.
type streamTask struct {
	streamID string
	bucket   string
	prefix   string
	workerID string

	// resumeSegmentNumber is 0 for a stream's first muxer process and
	// the dead worker's last published segment count when resuming a
	// reclaimed stream: it seeds the new muxer's -start_number so its
	// segment filenames continue the same bit-exact key sequence
	// (objectkeys.SegmentKey) instead of colliding with segments the
	// dead worker already uploaded under segment_00000.ts onward.
	resumeSegmentNumber int64

	w      *Worker
	logger *slog.Logger
	outDir string

	mu             sync.Mutex
	lastAppliedSeq int64
	pending        map[int64]models.Chunk
	draining       bool
	errMode        bool
	errReason      string

	uploadedSegments map[string]struct{}
	segmentCount     int64
	totalBytes       int64
	lastManifestMod  time.Time

	proc *muxerProcess
	done chan struct{}
}

func newStreamTask(w *Worker, streamID, bucket, prefix string, startSeq, resumeSegmentNumber, initialTotalBytes int64) *streamTask {
	return &streamTask{
		streamID:            streamID,
		bucket:              bucket,
		prefix:              prefix,
		workerID:            w.cfg.WorkerID,
		resumeSegmentNumber: resumeSegmentNumber,
		w:                   w,
		logger:              w.loggerFor(streamID),
		lastAppliedSeq:      startSeq,
		pending:             make(map[int64]models.Chunk),
		uploadedSegments:    make(map[string]struct{}),
		segmentCount:        resumeSegmentNumber,
		totalBytes:          initialTotalBytes,
		done:                make(chan struct{}),
	}
}

// run drives the task to completion: spawn the muxer, feed it chunks
// and poll its output concurrently, and finalize once the muxer exits.
// The muxer's exit, not the caller's context, is what ends the task;
// ctx cancellation only forces an earlier kill.
func (t *streamTask) run(ctx context.Context) {
	defer close(t.done)

	outDir, err := os.MkdirTemp(t.w.cfg.TempRoot, "stream-"+sanitizeForPath(t.streamID)+"-")
	if err != nil {
		t.logger.Error("failed to create muxer output directory", "error", err)
		t.enterErrorMode(pipelineerr.WrapStream(pipelineerr.Muxer, t.streamID, "create output dir", err))
		t.finalize(context.Background(), nil, err)
		return
	}
	t.outDir = outDir
	defer func() { _ = os.RemoveAll(outDir) }()

	if t.resumeSegmentNumber > 0 {
		if err := t.seedManifestForResume(ctx); err != nil {
			t.logger.Warn("failed to seed local manifest for a resumed stream, continuing with a fresh one", "error", err)
		}
	}

	proc, err := spawnMuxer(ctx, t.w.cfg.MuxerPath, outDir, t.w.cfg.DefaultSegmentSecs, t.resumeSegmentNumber, t.logger)
	if err != nil {
		t.logger.Error("failed to start muxer", "error", err)
		t.enterErrorMode(pipelineerr.WrapStream(pipelineerr.Muxer, t.streamID, "spawn muxer", err))
		t.finalize(context.Background(), nil, err)
		return
	}
	t.mu.Lock()
	t.proc = proc
	t.mu.Unlock()

	consumeCtx, stopConsume := context.WithCancel(ctx)
	pollCtx, stopPoll := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.consumeChunks(consumeCtx, proc)
	}()
	go func() {
		defer wg.Done()
		t.pollOutputs(pollCtx, proc)
	}()

	muxErr := proc.Wait()
	stopConsume()
	stopPoll()
	wg.Wait()

	t.finalize(context.Background(), proc, muxErr)
}

// beginDraining switches the task into drain mode: the chunk consumer
// stops blocking on new log entries and closes the muxer's stdin once
// its buffered chunks are exhausted.
func (t *streamTask) beginDraining() {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()
}

func (t *streamTask) isDraining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

func (t *streamTask) forceKill() {
	t.mu.Lock()
	proc := t.proc
	t.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

func (t *streamTask) enterErrorMode(err *pipelineerr.Error) {
	t.mu.Lock()
	if !t.errMode {
		t.errMode = true
		t.errReason = err.Error()
	}
	t.mu.Unlock()
	t.forceKill()
}

// consumeChunks follows the stream's chunk log from the beginning,
// applying entries to the muxer strictly in sequence order and buffering
// any that arrive out of order until the gap closes (spec.md §4.3).
func (t *streamTask) consumeChunks(ctx context.Context, proc *muxerProcess) {
	cursor := broker.CursorStart
	var drainDeadline time.Time

	for {
		if ctx.Err() != nil {
			return
		}
		draining := t.isDraining()
		block := t.w.cfg.ReadTimeout
		if draining {
			block = 0
		}

		entries, next, err := t.w.cfg.Broker.ReadNew(ctx, brokerkeys.ChunkLog(t.streamID), cursor, block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("chunk log read failed, retrying", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		cursor = next

		for _, entry := range entries {
			var chunk models.Chunk
			if err := json.Unmarshal(entry.Payload, &chunk); err != nil {
				t.logger.Warn("malformed chunk log entry", "error", err)
				continue
			}
			t.bufferChunk(chunk)
		}

		applied := t.applyBuffered(ctx, proc)
		if t.hasErrored() {
			return
		}
		if applied > 0 {
			drainDeadline = time.Time{}
		}

		if !draining {
			continue
		}
		if t.hasPendingGap() {
			if applied > 0 {
				continue
			}
			if drainDeadline.IsZero() {
				drainDeadline = time.Now().Add(t.w.cfg.DrainGrace)
			}
			if time.Now().Before(drainDeadline) {
				time.Sleep(20 * time.Millisecond)
				continue
			}
			t.logger.Warn("drain grace elapsed with a chunk sequence gap outstanding, finalizing with what applied")
		}
		_ = proc.CloseStdin()
		return
	}
}

func (t *streamTask) bufferChunk(chunk models.Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if chunk.Sequence <= t.lastAppliedSeq {
		return
	}
	t.pending[chunk.Sequence] = chunk
}

func (t *streamTask) hasPendingGap() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

func (t *streamTask) hasErrored() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errMode
}

// applyBuffered writes every contiguous chunk starting at
// lastAppliedSeq+1 to the muxer's stdin, in order, and reports how many
// it applied.
func (t *streamTask) applyBuffered(ctx context.Context, proc *muxerProcess) int {
	applied := 0
	for {
		t.mu.Lock()
		next := t.lastAppliedSeq + 1
		chunk, ok := t.pending[next]
		if ok {
			delete(t.pending, next)
		}
		t.mu.Unlock()
		if !ok {
			return applied
		}

		body, err := t.downloadChunkWithRetry(ctx, chunk.Key)
		if err != nil {
			t.logger.Error("chunk download failed after retries", "seq", chunk.Sequence, "error", err)
			t.enterErrorMode(pipelineerr.WrapStream(pipelineerr.Storage, t.streamID, "download chunk", err))
			return applied
		}
		if _, err := proc.Write(body); err != nil {
			t.logger.Error("muxer stdin write failed", "error", err)
			t.enterErrorMode(pipelineerr.WrapStream(pipelineerr.Muxer, t.streamID, "write stdin", err))
			return applied
		}

		t.mu.Lock()
		t.lastAppliedSeq = next
		t.mu.Unlock()
		applied++
	}
}

func (t *streamTask) downloadChunkWithRetry(ctx context.Context, key string) ([]byte, error) {
	const maxAttempts = 3
	base := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(base * time.Duration(1<<(attempt-1)))
		}
		rc, err := t.w.cfg.Store.Get(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

// seedManifestForResume downloads the stream's already-published
// manifest into the fresh local output directory before the muxer
// starts, so append_list extends the prior attempt's playlist instead
// of the new process overwriting it with only the segments produced
// since the restart.
func (t *streamTask) seedManifestForResume(ctx context.Context) error {
	key := objectkeys.ManifestKey(t.prefix, t.streamID)
	rc, err := t.w.cfg.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(t.outDir, "stream.m3u8"), data, 0o644)
}

// pollOutputs periodically sweeps the muxer's output directory for new
// segments and a changed manifest, uploading each (spec.md §4.3: every
// segment before the manifest that names it, every cycle).
func (t *streamTask) pollOutputs(ctx context.Context, proc *muxerProcess) {
	ticker := time.NewTicker(t.w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

func (t *streamTask) pollOnce(ctx context.Context) {
	entries, err := os.ReadDir(t.outDir)
	if err != nil {
		t.logger.Warn("read muxer output directory failed", "error", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".ts") || t.isUploaded(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < t.w.cfg.Quiescence {
			continue
		}
		t.uploadSegment(ctx, name, info.Size())
	}

	manifestPath := filepath.Join(t.outDir, "stream.m3u8")
	info, err := os.Stat(manifestPath)
	if err != nil {
		return
	}
	t.mu.Lock()
	changed := info.ModTime().After(t.lastManifestMod)
	t.mu.Unlock()
	if !changed {
		return
	}
	t.uploadManifest(ctx, manifestPath, info.ModTime())
}

func (t *streamTask) isUploaded(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.uploadedSegments[name]
	return ok
}

func (t *streamTask) markUploaded(name string, size int64) {
	t.mu.Lock()
	t.uploadedSegments[name] = struct{}{}
	t.segmentCount++
	t.totalBytes += size
	t.mu.Unlock()
}

func (t *streamTask) uploadSegment(ctx context.Context, name string, size int64) {
	if !objectkeys.ValidSegmentName(name) {
		t.logger.Warn("muxer produced a segment name that fails the traversal guard, refusing to upload", "name", name)
		return
	}
	key := objectkeys.SegmentKey(t.prefix, t.streamID, name)
	localPath := filepath.Join(t.outDir, name)
	if err := t.w.cfg.Store.PutFile(ctx, key, localPath, "video/mp2t", objectstore.CacheControlImmutable); err != nil {
		t.logger.Warn("segment upload failed, will retry next poll", "name", name, "error", err)
		return
	}
	t.markUploaded(name, size)
	_, _ = t.w.cfg.Broker.HashIncrBy(ctx, brokerkeys.State(t.streamID), "segmentCount", 1)
	_, _ = t.w.cfg.Broker.HashIncrBy(ctx, brokerkeys.State(t.streamID), "totalBytes", size)
	t.publishProgress(ctx, events.NewSegmentReady(t.streamID, name, size))
}

// uploadManifest uploads a changed stream.m3u8. spec.md §4.3 calls for
// a brief pause before reading it, since the poll tick that noticed
// the mtime change can still race the muxer's own write of the file;
// a short sleep lets that write settle before os.ReadFile runs.
func (t *streamTask) uploadManifest(ctx context.Context, path string, modTime time.Time) {
	time.Sleep(manifestUploadPause)

	data, err := os.ReadFile(path)
	if err != nil {
		t.logger.Warn("manifest read failed, will retry next poll", "error", err)
		return
	}
	key := objectkeys.ManifestKey(t.prefix, t.streamID)
	if err := t.w.cfg.Store.PutBuffer(ctx, key, "application/vnd.apple.mpegurl", data, objectstore.CacheControlNoCache); err != nil {
		t.logger.Warn("manifest upload failed, will retry next poll", "error", err)
		return
	}
	t.mu.Lock()
	t.lastManifestMod = modTime
	t.mu.Unlock()
	t.publishProgress(ctx, events.NewManifestUpdated(t.streamID, key))
}

func (t *streamTask) publishProgress(ctx context.Context, evt events.ProgressEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		t.logger.Error("failed to marshal progress event", "type", evt.Type, "error", err)
		return
	}
	if err := t.w.cfg.Broker.Publish(ctx, brokerkeys.Events(t.streamID), payload); err != nil {
		t.logger.Warn("failed to publish progress event", "type", evt.Type, "error", err)
	}
}

// finalize runs once, after the muxer has exited and both the consumer
// and poller goroutines have stopped. It performs one last output
// sweep, decides the stream's terminal status, and releases ownership.
func (t *streamTask) finalize(ctx context.Context, proc *muxerProcess, muxErr error) {
	if proc != nil {
		t.pollOnce(ctx)
	}

	t.mu.Lock()
	errMode := t.errMode
	errReason := t.errReason
	draining := t.draining
	segmentCount := t.segmentCount
	totalBytes := t.totalBytes
	t.mu.Unlock()

	if !errMode && muxErr != nil {
		if draining && segmentCount > 0 {
			t.logger.Warn("muxer exited non-zero during drain with segments already uploaded, treating as complete", "error", muxErr)
		} else {
			errMode = true
			errReason = muxerErrorReason(muxErr, proc)
		}
	}

	if errMode {
		t.logger.Error("stream task finalizing in error mode", "reason", errReason)
		t.publishProgress(ctx, events.NewStatusChange(t.streamID, string(models.StreamError)))
		t.publishProgress(ctx, events.NewStreamError(t.streamID, errReason))
		_ = t.w.cfg.Broker.HashSet(ctx, brokerkeys.State(t.streamID), "status", string(models.StreamError))
		metrics.TranscoderJobFailed()
	} else {
		t.logger.Info("stream task complete", "segmentCount", segmentCount, "totalBytes", totalBytes)
		t.publishProgress(ctx, events.NewStatusChange(t.streamID, string(models.StreamReady)))
		t.publishProgress(ctx, events.NewStreamComplete(t.streamID, segmentCount, totalBytes))
		_ = t.w.cfg.Broker.HashSet(ctx, brokerkeys.State(t.streamID), "status", string(models.StreamComplete))
		_ = t.w.cfg.Broker.HashSet(ctx, brokerkeys.State(t.streamID), "segmentCount", strconv.FormatInt(segmentCount, 10))
		_ = t.w.cfg.Broker.HashSet(ctx, brokerkeys.State(t.streamID), "totalBytes", strconv.FormatInt(totalBytes, 10))
		metrics.TranscoderJobCompleted()
	}

	if err := t.w.cfg.Broker.Delete(ctx, brokerkeys.Owner(t.streamID)); err != nil {
		t.logger.Warn("failed to release ownership key", "error", err)
	}
	t.w.unregisterTask(t.streamID)
}

func muxerErrorReason(muxErr error, proc *muxerProcess) string {
	if proc == nil {
		return muxErr.Error()
	}
	tail := proc.ErrorTail()
	if len(tail) == 0 {
		return muxErr.Error()
	}
	return fmt.Sprintf("%v: %s", muxErr, strings.Join(tail, "; "))
}

func sanitizeForPath(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "stream"
	}
	return b.String()
}
