// Package objectkeys implements the bit-exact object key layout shared
// by the Ingest Gateway and the Transcode Worker: date-prefixed paths
// under which a stream's chunks, segments, and manifest live.
package objectkeys

import (
	"fmt"
	"regexp"
	"time"
)

// segmentNamePattern guards against path traversal when a segment or
// manifest name is echoed back in a URL or interpolated into a storage
// key: only bare filenames with a .ts or .m3u8 extension are accepted.
var segmentNamePattern = regexp.MustCompile(`^[\w\-]+\.(ts|m3u8)$`)

// DatePrefix returns the date-based object-key prefix for a stream
// starting at t, e.g. "recordings/2026/08/06".
func DatePrefix(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("recordings/%04d/%02d/%02d", t.Year(), t.Month(), t.Day())
}

// ChunkKey returns the storage key for chunk seq of streamID under
// prefix.
func ChunkKey(prefix, streamID string, seq int64) string {
	return fmt.Sprintf("%s/%s/chunks/chunk_%08d.webm", prefix, streamID, seq)
}

// SegmentKey returns the storage key for a muxer-produced segment file
// name under prefix. The layout is bit-exact (spec.md §6): a reclaimed
// stream's muxer resumes numbering from where the dead worker left off
// (see internal/transcoder's resumeSegmentNumber) rather than landing
// under a different path, so this never varies by reclaim attempt.
func SegmentKey(prefix, streamID, name string) string {
	return fmt.Sprintf("%s/%s/hls/%s", prefix, streamID, name)
}

// ManifestKey returns the storage key for streamID's rolling manifest
// under prefix. Bit-exact for the same reason as SegmentKey.
func ManifestKey(prefix, streamID string) string {
	return fmt.Sprintf("%s/%s/hls/stream.m3u8", prefix, streamID)
}

// ValidSegmentName reports whether name is safe to interpolate into a
// storage key or URL: no path separators, no "..", and a .ts or .m3u8
// extension.
func ValidSegmentName(name string) bool {
	return segmentNamePattern.MatchString(name)
}
