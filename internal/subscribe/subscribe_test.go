package subscribe

import (
	"testing"

	"github.com/kestrel-av/roomcall/internal/chunk"
	"github.com/kestrel-av/roomcall/internal/jitter"
	"github.com/kestrel-av/roomcall/internal/loc"
)

// fakeVideoDecoder records every call it receives.
type fakeVideoDecoder struct {
	configureCalls int
	lastCodec      string
	decodedTS      []int64
	nextNeedsKey   bool
	failNext       bool
}

func (d *fakeVideoDecoder) Configure(codec, description string) error {
	d.configureCalls++
	d.lastCodec = codec
	return nil
}

func (d *fakeVideoDecoder) DecodeFrame(ts int64, data []byte, isKeyframe bool) (bool, error) {
	if d.failNext {
		d.failNext = false
		return false, errDecode
	}
	d.decodedTS = append(d.decodedTS, ts)
	needs := d.nextNeedsKey
	d.nextNeedsKey = false
	return needs, nil
}

type fakeAudioDecoder struct {
	configureCalls int
	lastSignature  audioSignature
	decodedTS      []int64
}

func (d *fakeAudioDecoder) Configure(codec string, sampleRate, channels int, description string) error {
	d.configureCalls++
	d.lastSignature = audioSignature{codec: codec, sampleRate: sampleRate, channels: channels, descriptionBase64: description}
	return nil
}

func (d *fakeAudioDecoder) DecodeFrame(ts int64, data []byte) error {
	d.decodedTS = append(d.decodedTS, ts)
	return nil
}

var errDecode = &decodeError{"boom"}

type decodeError struct{ msg string }

func (e *decodeError) Error() string { return e.msg }

func videoPayload(t *testing.T, meta chunk.Metadata, data []byte) []byte {
	t.Helper()
	p, err := chunk.SerializeMetadata(meta, data)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return p
}

func TestVideoSubscriberWaitsForFirstKeyframe(t *testing.T) {
	t.Parallel()
	buf := jitter.NewVideoBuffer(jitter.VideoConfig{Mode: jitter.VideoModeFast})
	dec := &fakeVideoDecoder{}
	var gotLatency bool
	obs := Observer{
		OnReceiveLatencyMS: func(ms int64) { gotLatency = true },
	}
	s := NewVideoSubscriber("camera_720p", buf, dec, obs, nil)

	delta := videoPayload(t, chunk.Metadata{Type: chunk.TypeDelta, Timestamp: 1000}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, delta)
	s.PopAndDecode(0)
	if dec.configureCalls != 0 {
		t.Fatal("decoder must not configure before the first keyframe arrives")
	}

	key := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 2000, Codec: "avc1.64001f"}, []byte{0x02})
	s.OnSubgroupObject(10, 0, 1, 0, nil, key)
	s.PopAndDecode(10)
	if dec.configureCalls != 1 || dec.lastCodec != "avc1.64001f" {
		t.Fatalf("expected decoder configured with codec avc1.64001f, got calls=%d codec=%q", dec.configureCalls, dec.lastCodec)
	}
	if len(dec.decodedTS) != 1 || dec.decodedTS[0] != 2000 {
		t.Fatalf("expected one decode at ts=2000, got %v", dec.decodedTS)
	}
	if !gotLatency {
		t.Fatal("expected receive latency to be reported")
	}
}

func TestVideoSubscriberReportsJitterBufferActivity(t *testing.T) {
	t.Parallel()
	buf := jitter.NewVideoBuffer(jitter.VideoConfig{Mode: jitter.VideoModeFast})
	dec := &fakeVideoDecoder{}
	var pushes, pops int
	obs := Observer{
		OnJitterBufferPush: func() { pushes++ },
		OnJitterBufferPop:  func() { pops++ },
	}
	s := NewVideoSubscriber("camera_720p", buf, dec, obs, nil)

	key := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 1000, Codec: "avc1.64001f"}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, key)
	if pushes != 1 {
		t.Fatalf("expected 1 jitter buffer push, got %d", pushes)
	}
	s.PopAndDecode(0)
	if pops != 1 {
		t.Fatalf("expected 1 jitter buffer pop, got %d", pops)
	}
}

func TestVideoSubscriberPacketLossDetection(t *testing.T) {
	t.Parallel()
	buf := jitter.NewVideoBuffer(jitter.VideoConfig{Mode: jitter.VideoModeFast})
	dec := &fakeVideoDecoder{}
	var gap uint64
	obs := Observer{OnPacketLoss: func(g uint64) { gap = g }}
	s := NewVideoSubscriber("camera_720p", buf, dec, obs, nil)

	key := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 0, Codec: "avc1.64001f"}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, key)
	s.PopAndDecode(0)

	// Object 1 is lost; object 2 arrives next within the same group.
	delta := videoPayload(t, chunk.Metadata{Type: chunk.TypeDelta, Timestamp: 100}, []byte{0x02})
	s.OnSubgroupObject(10, 0, 2, 0, nil, delta)
	s.PopAndDecode(10)

	if gap != 1 {
		t.Fatalf("expected packet loss gap of 1, got %d", gap)
	}
}

func TestVideoSubscriberGroupBoundaryWithoutEndOfGroupReportsUnexpected(t *testing.T) {
	t.Parallel()
	buf := jitter.NewVideoBuffer(jitter.VideoConfig{Mode: jitter.VideoModeFast})
	dec := &fakeVideoDecoder{}
	var unexpected int
	obs := Observer{OnGroupEndedUnexpectedly: func() { unexpected++ }}
	s := NewVideoSubscriber("camera_720p", buf, dec, obs, nil)

	key0 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 0, Codec: "avc1.64001f"}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, key0)
	s.PopAndDecode(0)

	// New group starts without an EndOfGroup sentinel ever having arrived.
	key1 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 100}, []byte{0x02})
	s.OnSubgroupObject(10, 1, 0, 0, nil, key1)
	s.PopAndDecode(10)

	if unexpected != 1 {
		t.Fatalf("expected 1 unexpected-group-end event, got %d", unexpected)
	}
}

func TestVideoSubscriberEndOfGroupSentinelNotDecoded(t *testing.T) {
	t.Parallel()
	buf := jitter.NewVideoBuffer(jitter.VideoConfig{Mode: jitter.VideoModeFast})
	dec := &fakeVideoDecoder{}
	var unexpected int
	obs := Observer{OnGroupEndedUnexpectedly: func() { unexpected++ }}
	s := NewVideoSubscriber("camera_720p", buf, dec, obs, nil)

	key0 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 0, Codec: "avc1.64001f"}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, key0)
	s.PopAndDecode(0)

	s.OnSubgroupObject(10, 0, 1, StatusEndOfGroup, nil, nil)
	s.PopAndDecode(10)
	if len(dec.decodedTS) != 1 {
		t.Fatalf("EndOfGroup sentinel must not reach the decoder, decoded count=%d", len(dec.decodedTS))
	}

	key1 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 200}, []byte{0x02})
	s.OnSubgroupObject(20, 1, 0, 0, nil, key1)
	s.PopAndDecode(20)

	if unexpected != 0 {
		t.Fatal("group closed by EndOfGroup must not report an unexpected-end event")
	}
	if len(dec.decodedTS) != 2 {
		t.Fatalf("expected 2 decodes total, got %d", len(dec.decodedTS))
	}
}

func TestVideoSubscriberCodecBindingIsSticky(t *testing.T) {
	t.Parallel()
	buf := jitter.NewVideoBuffer(jitter.VideoConfig{Mode: jitter.VideoModeFast})
	dec := &fakeVideoDecoder{}
	s := NewVideoSubscriber("camera_720p", buf, dec, Observer{}, nil)

	key := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 0, Codec: "avc1.64001f"}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, key)
	s.PopAndDecode(0)
	if dec.lastCodec != "avc1.64001f" {
		t.Fatalf("expected decoder bound to avc1.64001f, got %q", dec.lastCodec)
	}

	s.SetCatalogCodec("av01.0.04M.08")
	if s.catalogCodec != "" {
		t.Fatal("catalog codec change must be ignored once the decoder is bound")
	}
	if dec.configureCalls != 1 {
		t.Fatalf("decoder must not be reconfigured, got %d configure calls", dec.configureCalls)
	}
}

func TestVideoSubscriberDropsFirstDeltaAfterDecoderRequestsKeyframe(t *testing.T) {
	t.Parallel()
	buf := jitter.NewVideoBuffer(jitter.VideoConfig{Mode: jitter.VideoModeFast})
	dec := &fakeVideoDecoder{}
	s := NewVideoSubscriber("camera_720p", buf, dec, Observer{}, nil)

	key := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 0, Codec: "avc1.64001f"}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, key)
	dec.nextNeedsKey = true
	s.PopAndDecode(0)
	if !s.waitingForKeyFrame {
		t.Fatal("expected waitingForKeyFrame after decoder requests a keyframe")
	}

	delta := videoPayload(t, chunk.Metadata{Type: chunk.TypeDelta, Timestamp: 100}, []byte{0x02})
	s.OnSubgroupObject(10, 0, 1, 0, nil, delta)
	s.PopAndDecode(10)
	if len(dec.decodedTS) != 1 {
		t.Fatalf("expected the delta to be dropped while waiting for a keyframe, decoded=%d", len(dec.decodedTS))
	}

	key2 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 200}, []byte{0x03})
	s.OnSubgroupObject(20, 0, 2, 0, nil, key2)
	s.PopAndDecode(20)
	if len(dec.decodedTS) != 2 || s.waitingForKeyFrame {
		t.Fatalf("expected the next keyframe to resume decoding, decoded=%d waiting=%v", len(dec.decodedTS), s.waitingForKeyFrame)
	}
}

func TestVideoSubscriberFallsBackToLOCHeaderOnMalformedChunk(t *testing.T) {
	t.Parallel()
	buf := jitter.NewVideoBuffer(jitter.VideoConfig{Mode: jitter.VideoModeFast})
	dec := &fakeVideoDecoder{}
	s := NewVideoSubscriber("camera_720p", buf, dec, Observer{}, nil)
	s.SetCatalogCodec("avc1.64001f")

	ts := uint64(5_000_000)
	locHeader := locBytesWithCaptureTimestamp(t, ts)
	s.OnSubgroupObject(0, 0, 0, 0, locHeader, []byte{0xFF, 0xFE, 0xFD}) // not a valid chunk payload
	s.PopAndDecode(0)

	if len(dec.decodedTS) != 1 || dec.decodedTS[0] != int64(ts) {
		t.Fatalf("expected fallback entry decoded at ts=%d, got %v", ts, dec.decodedTS)
	}
}

func TestAudioSubscriberReconfiguresOnSignatureChange(t *testing.T) {
	t.Parallel()
	buf := jitter.NewAudioBuffer(jitter.AudioConfig{Mode: jitter.AudioModeOrdered})
	dec := &fakeAudioDecoder{}
	s := NewAudioSubscriber("mic_opus", buf, dec, Observer{}, nil)

	p1 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 0, Codec: "opus", SampleRate: 48000, Channels: 2}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, p1)
	s.PopAndDecode()
	if dec.configureCalls != 1 {
		t.Fatalf("expected 1 configure call, got %d", dec.configureCalls)
	}

	p2 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 10, Codec: "opus", SampleRate: 48000, Channels: 2}, []byte{0x02})
	s.OnSubgroupObject(10, 0, 1, 0, nil, p2)
	s.PopAndDecode()
	if dec.configureCalls != 1 {
		t.Fatalf("expected no reconfigure on identical signature, got %d calls", dec.configureCalls)
	}

	p3 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 20, Codec: "opus", SampleRate: 48000, Channels: 1}, []byte{0x03})
	s.OnSubgroupObject(20, 0, 2, 0, nil, p3)
	s.PopAndDecode()
	if dec.configureCalls != 2 {
		t.Fatalf("expected reconfigure after channel count changed, got %d calls", dec.configureCalls)
	}
	if dec.lastSignature.channels != 1 {
		t.Fatalf("expected decoder reconfigured with channels=1, got %d", dec.lastSignature.channels)
	}
}

func TestAudioSubscriberKeepsConfigWhenCodecOmitted(t *testing.T) {
	t.Parallel()
	buf := jitter.NewAudioBuffer(jitter.AudioConfig{Mode: jitter.AudioModeOrdered})
	dec := &fakeAudioDecoder{}
	s := NewAudioSubscriber("mic_opus", buf, dec, Observer{}, nil)

	p1 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 0, Codec: "opus", SampleRate: 48000, Channels: 2}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, p1)
	s.PopAndDecode()

	// Objects after an alias's first omit the codec fields entirely; the
	// decoder must keep its existing configuration, not reconfigure.
	p2 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 10}, []byte{0x02})
	s.OnSubgroupObject(10, 0, 1, 0, nil, p2)
	s.PopAndDecode()
	if dec.configureCalls != 1 {
		t.Fatalf("expected no reconfigure when codec metadata is omitted, got %d calls", dec.configureCalls)
	}
	if len(dec.decodedTS) != 2 {
		t.Fatalf("expected both objects decoded, got %d", len(dec.decodedTS))
	}
}

func TestAudioSubscriberWaitsWithoutInitialCodec(t *testing.T) {
	t.Parallel()
	buf := jitter.NewAudioBuffer(jitter.AudioConfig{Mode: jitter.AudioModeOrdered})
	dec := &fakeAudioDecoder{}
	s := NewAudioSubscriber("mic_opus", buf, dec, Observer{}, nil)

	p := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 0}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, p)
	s.PopAndDecode()
	if dec.configureCalls != 0 || len(dec.decodedTS) != 0 {
		t.Fatalf("expected no configure/decode before any codec is known, got configure=%d decoded=%d", dec.configureCalls, len(dec.decodedTS))
	}
}

func locBytesWithCaptureTimestamp(t *testing.T, micros uint64) []byte {
	t.Helper()
	return loc.Append(nil, loc.Header{CaptureTimestamp: &micros})
}

func TestVideoSubscriberDecoderErrorForcesReinitialization(t *testing.T) {
	t.Parallel()
	buf := jitter.NewVideoBuffer(jitter.VideoConfig{Mode: jitter.VideoModeFast})
	dec := &fakeVideoDecoder{}
	s := NewVideoSubscriber("camera_720p", buf, dec, Observer{}, nil)

	key := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 0, Codec: "avc1.64001f"}, []byte{0x01})
	s.OnSubgroupObject(0, 0, 0, 0, nil, key)
	s.PopAndDecode(0)
	if dec.configureCalls != 1 {
		t.Fatalf("expected initial configure, got %d", dec.configureCalls)
	}

	dec.failNext = true
	delta := videoPayload(t, chunk.Metadata{Type: chunk.TypeDelta, Timestamp: 100}, []byte{0x02})
	s.OnSubgroupObject(10, 0, 1, 0, nil, delta)
	s.PopAndDecode(10)
	if s.decoderInitialized {
		t.Fatal("expected decoder to be marked uninitialized after a decode error")
	}

	key2 := videoPayload(t, chunk.Metadata{Type: chunk.TypeKey, Timestamp: 200}, []byte{0x03})
	s.OnSubgroupObject(20, 0, 2, 0, nil, key2)
	s.PopAndDecode(20)
	if dec.configureCalls != 2 {
		t.Fatalf("expected decoder reconfigured after error recovery, got %d", dec.configureCalls)
	}
}
