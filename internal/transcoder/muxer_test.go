package transcoder

import (
	"log/slog"
	"strings"
	"testing"
)

func TestMuxerArgsIncludesOutputPaths(t *testing.T) {
	args := muxerArgs("/tmp/out", 6, 42)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "/tmp/out/stream.m3u8") {
		t.Fatalf("expected playlist path in args: %v", args)
	}
	if !strings.Contains(joined, "/tmp/out/segment_%05d.ts") {
		t.Fatalf("expected segment pattern in args: %v", args)
	}
	if !strings.Contains(joined, "6") {
		t.Fatalf("expected segment duration in args: %v", args)
	}
	if !strings.Contains(joined, "-start_number 42") {
		t.Fatalf("expected start_number seeded from the resume point in args: %v", args)
	}
	if !strings.Contains(joined, "-b:v "+videoBitrateCeiling) {
		t.Fatalf("expected a video bitrate ceiling in args: %v", args)
	}
	if !strings.Contains(joined, "-maxrate "+videoBitrateCeiling) || !strings.Contains(joined, "-bufsize "+videoBufSize) {
		t.Fatalf("expected maxrate/bufsize bounding the bitrate ceiling in args: %v", args)
	}
}

func TestLooksLikeMuxerError(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"frame=  120 fps= 30 q=28.0 size=   512kB time=00:00:04", false},
		{"[aac @ 0x1234] Input buffer exhausted before END element found", false},
		{"Error while decoding stream #0:0", true},
		{"Invalid data found when processing input", true},
		{"could not open output file, cannot write", true},
		{"muxer failed to write segment", true},
	}
	for _, tc := range cases {
		if got := looksLikeMuxerError(tc.line); got != tc.want {
			t.Errorf("looksLikeMuxerError(%q)=%v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestErrorTailKeepsMostRecentLines(t *testing.T) {
	tail := newErrorTail(3)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		tail.add(line)
	}
	got := tail.Lines()
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLogWriterRoutesErrorLinesToTail(t *testing.T) {
	tail := newErrorTail(5)
	w := newLogWriter(slog.Default(), "stderr", tail)

	_, err := w.Write([]byte("frame=1 fps=30\nError: invalid frame\n"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := tail.Lines()
	if len(lines) != 1 || lines[0] != "Error: invalid frame" {
		t.Fatalf("unexpected tail contents: %v", lines)
	}
}

func TestLogWriterIgnoresBlankLines(t *testing.T) {
	tail := newErrorTail(5)
	w := newLogWriter(slog.Default(), "stderr", tail)

	if _, err := w.Write([]byte("\n\n   \n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(tail.Lines()) != 0 {
		t.Fatalf("expected no tail entries for blank lines")
	}
}
