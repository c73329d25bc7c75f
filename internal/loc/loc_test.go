package loc

import "testing"

func TestAppendParseRoundTrip(t *testing.T) {
	t.Parallel()
	ts := uint64(1234567)
	marking := FrameMarkingKeyframe
	level := int8(-40)

	h := Header{
		CaptureTimestamp:  &ts,
		VideoConfig:       []byte{0x01, 0x42, 0x00, 0x1e},
		VideoFrameMarking: &marking,
		AudioLevel:        &level,
		Unknown:           []UnknownExt{{ID: 100, Value: 7}, {ID: 101, Bytes: []byte("x"), IsBytes: true}},
	}

	buf := Append(nil, h)
	got, n, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if *got.CaptureTimestamp != ts {
		t.Errorf("captureTimestamp = %d, want %d", *got.CaptureTimestamp, ts)
	}
	if *got.VideoFrameMarking != marking {
		t.Errorf("frameMarking = %#x, want %#x", *got.VideoFrameMarking, marking)
	}
	if *got.AudioLevel != level {
		t.Errorf("audioLevel = %d, want %d", *got.AudioLevel, level)
	}
	if string(got.VideoConfig) != string(h.VideoConfig) {
		t.Errorf("videoConfig = %v, want %v", got.VideoConfig, h.VideoConfig)
	}
	if len(got.Unknown) != 2 {
		t.Fatalf("unknown extensions = %d, want 2", len(got.Unknown))
	}
}

func TestEmpty(t *testing.T) {
	t.Parallel()
	if !(Header{}).Empty() {
		t.Fatal("zero-value header should be empty")
	}
	ts := uint64(1)
	if (Header{CaptureTimestamp: &ts}).Empty() {
		t.Fatal("header with a capture timestamp should not be empty")
	}
}

func TestParseTruncated(t *testing.T) {
	t.Parallel()
	if _, _, err := Parse([]byte{0x0d, 0xff}); err == nil {
		t.Fatal("expected error parsing truncated extension")
	}
}
