package events

import (
	"encoding/json"
	"testing"
)

func TestProgressEventRoundTripsEachVariant(t *testing.T) {
	cases := []ProgressEvent{
		NewSegmentReady("s1", "segment_00001.ts", 12345),
		NewManifestUpdated("s1", "recordings/2026/08/06/s1/hls/stream.m3u8"),
		NewStatusChange("s1", "Ready"),
		NewStreamComplete("s1", 10, 999000),
		NewStreamError("s1", "muxer exited 1"),
	}
	for _, evt := range cases {
		data, err := json.Marshal(evt)
		if err != nil {
			t.Fatalf("marshal %s: %v", evt.Type, err)
		}
		var got ProgressEvent
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", evt.Type, err)
		}
		if got.Type != evt.Type || got.StreamID != evt.StreamID {
			t.Fatalf("round trip mismatch for %s: %+v", evt.Type, got)
		}
		switch evt.Type {
		case ProgressSegmentReady:
			if got.SegmentReady == nil || *got.SegmentReady != *evt.SegmentReady {
				t.Fatalf("segmentReady payload lost: %+v", got)
			}
		case ProgressManifestUpdated:
			if got.ManifestUpdated == nil || *got.ManifestUpdated != *evt.ManifestUpdated {
				t.Fatalf("manifestUpdated payload lost: %+v", got)
			}
		case ProgressStatusChange:
			if got.StatusChange == nil || *got.StatusChange != *evt.StatusChange {
				t.Fatalf("statusChange payload lost: %+v", got)
			}
		case ProgressStreamComplete:
			if got.StreamComplete == nil || *got.StreamComplete != *evt.StreamComplete {
				t.Fatalf("streamComplete payload lost: %+v", got)
			}
		case ProgressStreamError:
			if got.StreamError == nil || *got.StreamError != *evt.StreamError {
				t.Fatalf("streamError payload lost: %+v", got)
			}
		}
	}
}

func TestControlEventRoundTrips(t *testing.T) {
	start := NewStreamStart("s1", "bucket", "recordings/2026/08/06")
	data, err := json.Marshal(start)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ControlEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != ControlEventStreamStart || got.StreamStart == nil || got.StreamStart.Bucket != "bucket" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}
