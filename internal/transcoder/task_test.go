package transcoder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"streamforge/internal/broker"
	"streamforge/internal/brokerkeys"
	"streamforge/internal/models"
	"streamforge/internal/objectstore"
)

var errExit = errors.New("exit status 1")

func newTestTask(t *testing.T) *streamTask {
	t.Helper()
	w := New(Config{
		WorkerID: "worker-test",
		Broker:   broker.NewMemoryBroker(),
		Store:    objectstore.NewMemoryStore(),
	})
	task := newStreamTask(w, "stream-1", "bucket", "prefix", -1, 0, 0)
	task.outDir = t.TempDir()
	return task
}

type recordingWriteCloser struct {
	buf    bytes.Buffer
	closed bool
}

func (r *recordingWriteCloser) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *recordingWriteCloser) Close() error                { r.closed = true; return nil }

func TestApplyBufferedWritesInStrictSequenceOrder(t *testing.T) {
	task := newTestTask(t)
	ctx := context.Background()

	keyA := "chunks/a"
	keyB := "chunks/b"
	if err := task.w.cfg.Store.PutBuffer(ctx, keyA, "application/octet-stream", []byte("AAA"), ""); err != nil {
		t.Fatalf("seed chunk a: %v", err)
	}
	if err := task.w.cfg.Store.PutBuffer(ctx, keyB, "application/octet-stream", []byte("BBB"), ""); err != nil {
		t.Fatalf("seed chunk b: %v", err)
	}

	// Deliver out of order: seq 1 arrives before seq 0.
	task.bufferChunk(models.Chunk{Sequence: 1, Key: keyB})
	wc := &recordingWriteCloser{}
	proc := &muxerProcess{stdin: wc, errTail: newErrorTail(5), done: make(chan error, 1)}

	applied := task.applyBuffered(ctx, proc)
	if applied != 0 {
		t.Fatalf("expected nothing applied while seq 0 is missing, applied %d", applied)
	}
	if task.hasPendingGap() != true {
		t.Fatalf("expected a pending gap with seq 0 missing")
	}

	task.bufferChunk(models.Chunk{Sequence: 0, Key: keyA})
	applied = task.applyBuffered(ctx, proc)
	if applied != 2 {
		t.Fatalf("expected both chunks applied once the gap closed, got %d", applied)
	}
	if wc.buf.String() != "AAABBB" {
		t.Fatalf("expected chunks written in sequence order, got %q", wc.buf.String())
	}
	if task.hasPendingGap() {
		t.Fatalf("expected no pending gap after draining both chunks")
	}
}

func TestBufferChunkIgnoresAlreadyAppliedSequence(t *testing.T) {
	task := newTestTask(t)
	task.lastAppliedSeq = 5
	task.bufferChunk(models.Chunk{Sequence: 3, Key: "stale"})
	if task.hasPendingGap() {
		t.Fatalf("expected stale chunk to be dropped, not buffered")
	}
}

func TestSanitizeForPath(t *testing.T) {
	cases := map[string]string{
		"stream-123":      "stream-123",
		"abc/def?ghi":     "abc_def_ghi",
		"":                "stream",
		"../../etc/passwd": "______etc_passwd",
	}
	for in, want := range cases {
		if got := sanitizeForPath(in); got != want {
			t.Errorf("sanitizeForPath(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestUploadSegmentMarksUploadedAndIncrementsCounters(t *testing.T) {
	task := newTestTask(t)
	ctx := context.Background()

	segPath := filepath.Join(task.outDir, "segment_00001.ts")
	if err := os.WriteFile(segPath, []byte("tsdata"), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	task.uploadSegment(ctx, "segment_00001.ts", 6)

	if !task.isUploaded("segment_00001.ts") {
		t.Fatalf("expected segment to be marked uploaded")
	}
	if task.segmentCount != 1 || task.totalBytes != 6 {
		t.Fatalf("unexpected counters: segmentCount=%d totalBytes=%d", task.segmentCount, task.totalBytes)
	}

	count, ok, err := task.w.cfg.Broker.HashGet(ctx, brokerkeys.State(task.streamID), "segmentCount")
	if err != nil || !ok {
		t.Fatalf("expected segmentCount in broker state, ok=%v err=%v", ok, err)
	}
	if count != "1" {
		t.Fatalf("unexpected segmentCount in broker: %s", count)
	}
}

func TestUploadSegmentDoesNotMarkUploadedOnStoreFailure(t *testing.T) {
	task := newTestTask(t)
	ctx := context.Background()

	// No file written at segPath, so PutFile will fail to read it.
	task.uploadSegment(ctx, "missing.ts", 6)

	if task.isUploaded("missing.ts") {
		t.Fatalf("expected upload failure to leave the segment unmarked, so it is retried next poll")
	}
}

func TestResumedTaskContinuesSegmentNumberingUnderTheSameKeys(t *testing.T) {
	w := New(Config{
		WorkerID: "worker-test",
		Broker:   broker.NewMemoryBroker(),
		Store:    objectstore.NewMemoryStore(),
	})
	ctx := context.Background()

	// Seed the object store as if a prior muxer attempt had already
	// published segments 0 and 1 plus a manifest naming them.
	priorManifest := "#EXTM3U\n#EXT-X-VERSION:3\n#EXTINF:4,\nsegment_00000.ts\n#EXTINF:4,\nsegment_00001.ts\n"
	if err := w.cfg.Store.PutBuffer(ctx, "prefix/stream-1/hls/stream.m3u8", "application/vnd.apple.mpegurl", []byte(priorManifest), objectstore.CacheControlNoCache); err != nil {
		t.Fatalf("seed prior manifest: %v", err)
	}

	task := newStreamTask(w, "stream-1", "bucket", "prefix", 7, 2, 1024)
	task.outDir = t.TempDir()

	if err := task.seedManifestForResume(ctx); err != nil {
		t.Fatalf("seedManifestForResume: %v", err)
	}
	seeded, err := os.ReadFile(filepath.Join(task.outDir, "stream.m3u8"))
	if err != nil || string(seeded) != priorManifest {
		t.Fatalf("expected the local manifest to be seeded with the prior attempt's contents, got %q err=%v", seeded, err)
	}

	// The resumed muxer picks segment numbering back up at 2, producing
	// segment_00002.ts next; uploading it must land under the same
	// bit-exact key shape as the pre-crash segments, not a namespaced
	// subpath, and counters must continue from the seeded totals.
	segPath := filepath.Join(task.outDir, "segment_00002.ts")
	if err := os.WriteFile(segPath, []byte("tsdata"), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	task.uploadSegment(ctx, "segment_00002.ts", 6)

	objects := task.w.cfg.Store.(*objectstore.MemoryStore).Objects()
	if _, ok := objects["prefix/stream-1/hls/segment_00002.ts"]; !ok {
		t.Fatalf("expected segment uploaded under the bit-exact key, got %v", objects)
	}
	for key := range objects {
		if strings.Contains(key, "attempt-") {
			t.Fatalf("expected no attempt-namespaced key, got %v", objects)
		}
	}
	if task.segmentCount != 3 || task.totalBytes != 1030 {
		t.Fatalf("expected counters to continue from the resumed totals, got segmentCount=%d totalBytes=%d", task.segmentCount, task.totalBytes)
	}
}

func TestMuxerErrorReasonIncludesTail(t *testing.T) {
	proc := &muxerProcess{errTail: newErrorTail(5)}
	proc.errTail.add("Error: invalid frame")

	reason := muxerErrorReason(errExit, proc)
	if reason == "" {
		t.Fatalf("expected non-empty reason")
	}
	if reason == errExit.Error() {
		t.Fatalf("expected tail lines to be appended to the reason")
	}
}

func TestMuxerErrorReasonWithoutProcessFallsBackToError(t *testing.T) {
	reason := muxerErrorReason(errExit, nil)
	if reason != errExit.Error() {
		t.Fatalf("got %q, want %q", reason, errExit.Error())
	}
}
