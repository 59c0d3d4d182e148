package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// videoBitrateCeiling caps the video leg's encoded rate (spec.md §4.3's
// "fixed bitrate ceiling"); bufsize is sized to two seconds of video at
// that rate, the usual rule of thumb for a VBV buffer under -maxrate.
const (
	videoBitrateCeiling = "2500k"
	videoBufSize        = "5000k"
)

// muxerArgs builds the argument list for the HLS muxer invocation
// described in spec.md §4.3: read framed media on stdin, emit an
// append-only segment sequence plus a rolling playlist naming every
// segment uploaded so far. startNumber seeds the segment counter; a
// reclaiming worker passes the dead worker's last published segment
// count so the new muxer process's filenames continue the same
// bit-exact sequence instead of restarting at segment_00000.ts and
// colliding with objects the dead worker already uploaded under that
// name. append_list, combined with a pre-seeded local stream.m3u8 (see
// streamTask.run), lets the new process extend the same manifest rather
// than overwrite it with only the segments produced since the restart.
func muxerArgs(outputDir string, segmentSeconds int, startNumber int64) []string {
	return []string{
		"-y",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-profile:v", "baseline",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-b:v", videoBitrateCeiling,
		"-maxrate", videoBitrateCeiling,
		"-bufsize", videoBufSize,
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_flags", "append_list+split_by_time",
		"-hls_list_size", "0",
		"-start_number", strconv.FormatInt(startNumber, 10),
		"-hls_segment_filename", filepath.Join(outputDir, "segment_%05d.ts"),
		filepath.Join(outputDir, "stream.m3u8"),
	}
}

// muxerProcess is a running muxer child: its stdin accepts framed media
// in arrival order and its exit, successful or not, is the trigger for
// a task's finalizer.
type muxerProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	errTail *errorTail
	done    chan error

	mu      sync.Mutex
	killed  bool
}

// spawnMuxer starts the muxer binary at muxerPath against outputDir and
// returns a handle to its stdin and lifecycle. ctx bounds the process:
// cancelling it is equivalent to Kill. startNumber is 0 for a stream's
// first muxer process and the dead worker's last segment count when
// resuming a reclaimed stream (see muxerArgs).
func spawnMuxer(ctx context.Context, muxerPath, outputDir string, segmentSeconds int, startNumber int64, logger *slog.Logger) (*muxerProcess, error) {
	cmd := exec.CommandContext(ctx, muxerPath, muxerArgs(outputDir, segmentSeconds, startNumber)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("muxer stdin pipe: %w", err)
	}
	tail := newErrorTail(10)
	cmd.Stdout = newLogWriter(logger, "stdout", nil)
	cmd.Stderr = newLogWriter(logger, "stderr", tail)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("muxer start: %w", err)
	}

	proc := &muxerProcess{cmd: cmd, stdin: stdin, errTail: tail, done: make(chan error, 1)}
	go func() {
		proc.done <- cmd.Wait()
	}()
	return proc, nil
}

// Write feeds one framed media chunk to the muxer's stdin.
func (p *muxerProcess) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// CloseStdin signals end of input, the graceful way to make the muxer
// flush its last segment and exit on its own.
func (p *muxerProcess) CloseStdin() error {
	return p.stdin.Close()
}

// Kill forcibly terminates the muxer. Safe to call more than once and
// safe to call concurrently with Wait.
func (p *muxerProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed || p.cmd.Process == nil {
		return
	}
	p.killed = true
	_ = p.cmd.Process.Kill()
}

// Wait blocks until the muxer exits and returns its exit error, if any.
func (p *muxerProcess) Wait() error {
	return <-p.done
}

// ErrorTail returns the last error-looking stderr lines observed,
// oldest first, for inclusion in a StreamError reason.
func (p *muxerProcess) ErrorTail() []string {
	return p.errTail.Lines()
}

// errorTail retains the most recent n lines flagged as error markers.
type errorTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newErrorTail(max int) *errorTail {
	return &errorTail{max: max}
}

func (t *errorTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *errorTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

// logWriter line-buffers a muxer output stream, forwarding each line to
// the structured logger and, for lines that look like error markers,
// appending them to tail so the finalizer can surface the last few in
// a StreamError reason.
type logWriter struct {
	logger *slog.Logger
	stream string
	tail   *errorTail
}

func newLogWriter(logger *slog.Logger, stream string, tail *errorTail) *logWriter {
	return &logWriter{logger: logger, stream: stream, tail: tail}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		text := string(line)
		if looksLikeMuxerError(text) {
			w.logger.Warn("muxer error marker", "stream", w.stream, "line", text)
			if w.tail != nil {
				w.tail.add(text)
			}
			continue
		}
		w.logger.Debug("muxer output", "stream", w.stream, "line", text)
	}
	return total, nil
}

func looksLikeMuxerError(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") || strings.Contains(lower, "invalid") || strings.Contains(lower, "failed") || strings.Contains(lower, "cannot")
}
