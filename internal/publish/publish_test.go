package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-av/roomcall/internal/chunk"
	"github.com/kestrel-av/roomcall/internal/loc"
	"github.com/kestrel-av/roomcall/internal/moq"
	"github.com/kestrel-av/roomcall/internal/txstate"
)

type sentObject struct {
	alias, group, subgroup, object uint64
	status                         ObjectStatus
	locHeader, payload             []byte
}

type fakeTransport struct {
	mu      sync.Mutex
	headers []sentObject // reuses the struct, subgroup/group/alias set, rest zero
	objects []sentObject
}

func (f *fakeTransport) SendSubgroupHeader(ctx context.Context, alias, group, subgroup uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers = append(f.headers, sentObject{alias: alias, group: group, subgroup: subgroup})
	return nil
}

func (f *fakeTransport) SendSubgroupObject(ctx context.Context, alias, group, subgroup, object uint64, status ObjectStatus, locHeader, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = append(f.objects, sentObject{alias: alias, group: group, subgroup: subgroup, object: object, status: status, locHeader: locHeader, payload: payload})
	return nil
}

func (f *fakeTransport) snapshot() (headers, objects []sentObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentObject(nil), f.headers...), append([]sentObject(nil), f.objects...)
}

type fixedResolver struct{ aliases []uint64 }

func (r fixedResolver) AliasesForTrack(string) []uint64 { return r.aliases }

// drain waits for the publisher's async send queues to flush by
// polling the transport until it stops growing, bounded by a timeout.
func drain(t *testing.T, f *fakeTransport, wantObjects int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, objects := f.snapshot()
		if len(objects) >= wantObjects {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent objects", wantObjects)
}

func TestPublishVideoChunkDropsWhenNoSubscribers(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	p := New(f, fixedResolver{}, txstate.New(), nil)
	defer p.Close()

	p.PublishVideoChunk(VideoChunkInput{
		TrackName: "camera_720p",
		Chunk:     chunk.Chunk{Type: chunk.TypeKey, Data: []byte{0x01}},
		Extra:     &chunk.Extra{Codec: "avc1.64001f"},
	})

	time.Sleep(20 * time.Millisecond)
	_, objects := f.snapshot()
	if len(objects) != 0 {
		t.Fatalf("expected no sent objects, got %d", len(objects))
	}
}

func TestPublishVideoChunkSendsHeaderOncePerGroup(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	p := New(f, fixedResolver{aliases: []uint64{7}}, txstate.New(), nil)
	defer p.Close()

	p.PublishVideoChunk(VideoChunkInput{
		TrackName: "camera_720p",
		Chunk:     chunk.Chunk{Type: chunk.TypeKey, Timestamp: 1, Data: []byte{0x01}},
		Extra:     &chunk.Extra{Codec: "avc1.64001f"},
	})
	p.PublishVideoChunk(VideoChunkInput{
		TrackName: "camera_720p",
		Chunk:     chunk.Chunk{Type: chunk.TypeDelta, Timestamp: 2, Data: []byte{0x02}},
	})
	drain(t, f, 2)

	headers, objects := f.snapshot()
	if len(headers) != 1 {
		t.Fatalf("expected exactly 1 header for the group, got %d", len(headers))
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objects))
	}
	if objects[0].object != 0 || objects[1].object != 1 {
		t.Fatalf("object ids = %d,%d want 0,1", objects[0].object, objects[1].object)
	}
}

func TestPublishVideoChunkEmitsEndOfGroupOnKeyframe(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	p := New(f, fixedResolver{aliases: []uint64{7}}, txstate.New(), nil)
	defer p.Close()

	p.PublishVideoChunk(VideoChunkInput{
		TrackName: "camera_720p",
		Chunk:     chunk.Chunk{Type: chunk.TypeKey, Data: []byte{0x01}},
		Extra:     &chunk.Extra{Codec: "avc1.64001f"},
	})
	p.PublishVideoChunk(VideoChunkInput{
		TrackName: "camera_720p",
		Chunk:     chunk.Chunk{Type: chunk.TypeDelta, Data: []byte{0x02}},
	})
	// Second keyframe: must close the first group with EndOfGroup before
	// any object of the new group.
	p.PublishVideoChunk(VideoChunkInput{
		TrackName: "camera_720p",
		Chunk:     chunk.Chunk{Type: chunk.TypeKey, Data: []byte{0x03}},
	})
	drain(t, f, 4)

	_, objects := f.snapshot()
	if len(objects) != 4 {
		t.Fatalf("expected 4 objects (2 group0 + EndOfGroup + 1 group1), got %d", len(objects))
	}
	eog := objects[2]
	if eog.status != ObjectStatusEndOfGroup || eog.group != 0 || eog.subgroup != 0 {
		t.Fatalf("expected EndOfGroup on (group=0,subgroup=0), got %+v", eog)
	}
	if objects[3].group != 1 {
		t.Fatalf("expected next object in group 1, got group %d", objects[3].group)
	}
}

func TestPublishVideoChunkAttachesCodecOnceThenOmits(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	p := New(f, fixedResolver{aliases: []uint64{1}}, txstate.New(), nil)
	defer p.Close()

	extra := &chunk.Extra{Codec: "avc1.64001f", DescriptionBase64: "AAA="}
	p.PublishVideoChunk(VideoChunkInput{TrackName: "camera_720p", Chunk: chunk.Chunk{Type: chunk.TypeKey, Data: []byte{0x01}}, Extra: extra})
	p.PublishVideoChunk(VideoChunkInput{TrackName: "camera_720p", Chunk: chunk.Chunk{Type: chunk.TypeDelta, Data: []byte{0x02}}, Extra: extra})
	drain(t, f, 2)

	_, objects := f.snapshot()
	meta1, _, err := chunk.Deserialize(objects[0].payload)
	if err != nil {
		t.Fatalf("deserialize first object: %v", err)
	}
	if meta1.Codec == "" {
		t.Fatal("expected codec on first object")
	}
	meta2, _, err := chunk.Deserialize(objects[1].payload)
	if err != nil {
		t.Fatalf("deserialize second object: %v", err)
	}
	if meta2.Codec != "" {
		t.Fatal("expected codec omitted on second object")
	}
}

func TestPublishVideoChunkConvertsAnnexBAndAttachesDecoderConfig(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	p := New(f, fixedResolver{aliases: []uint64{7}}, txstate.New(), nil)
	defer p.Close()

	sps := []byte{0x67, 0x42, 0xE0, 0x1E, 0xAB, 0xCD}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	idr := []byte{0x65, 0x88, 0x80, 0x40}
	var annexB []byte
	for _, nalu := range [][]byte{sps, pps, idr} {
		annexB = append(annexB, 0, 0, 0, 1)
		annexB = append(annexB, nalu...)
	}

	p.PublishVideoChunk(VideoChunkInput{
		TrackName: "camera_720p",
		Chunk:     chunk.Chunk{Type: chunk.TypeKey, Timestamp: 1, Data: annexB},
		Extra:     &chunk.Extra{Codec: "avc1.42E01E", AVCFormat: chunk.AVCFormatAnnexB},
		LOC:       &loc.Header{},
	})
	drain(t, f, 1)

	_, objects := f.snapshot()
	meta, data, err := chunk.Deserialize(objects[0].payload)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if meta.AVCFormat != chunk.AVCFormatAVC {
		t.Fatalf("avcFormat = %q, want %q", meta.AVCFormat, chunk.AVCFormatAVC)
	}
	wantData := moq.AnnexBToAVC1([][]byte{sps, pps, idr})
	if string(data) != string(wantData) {
		t.Fatalf("payload data mismatch:\ngot  %x\nwant %x", data, wantData)
	}

	h, _, err := loc.Parse(objects[0].locHeader)
	if err != nil {
		t.Fatalf("parse LOC header: %v", err)
	}
	wantCfg := moq.BuildAVCDecoderConfig(sps, pps)
	if string(h.VideoConfig) != string(wantCfg) {
		t.Fatalf("LOC videoConfig mismatch:\ngot  %x\nwant %x", h.VideoConfig, wantCfg)
	}
}

func TestPublishAudioChunkStripsADTS(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	p := New(f, fixedResolver{aliases: []uint64{9}}, txstate.New(), nil)
	defer p.Close()

	adtsHeader := []byte{0xFF, 0xF1, 0x50, 0x80, 0x02, 0x00, 0xFC}
	rawAAC := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	adts := append(append([]byte(nil), adtsHeader...), rawAAC...)

	p.PublishAudioChunk(AudioChunkInput{
		TrackName:  "audio_128",
		Chunk:      chunk.Chunk{Type: chunk.TypeKey, Data: adts},
		Extra:      &chunk.Extra{Codec: "mp4a.40.2"},
		ADTSFramed: true,
	})
	drain(t, f, 1)

	_, objects := f.snapshot()
	_, data, err := chunk.Deserialize(objects[0].payload)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if string(data) != string(rawAAC) {
		t.Fatalf("payload data = %x, want %x (ADTS header stripped)", data, rawAAC)
	}
}

type fakeEncoder struct {
	stops, keyframes int
	configured       []string
	rejectNext       bool
}

func (e *fakeEncoder) Configure(codec string, bitrate, width, height int) error {
	if e.rejectNext {
		return errUnsupported
	}
	e.configured = append(e.configured, codec)
	return nil
}

func (e *fakeEncoder) ForceKeyframe() { e.keyframes++ }
func (e *fakeEncoder) Stop()          { e.stops++ }

var errUnsupported = &configError{"no such profile"}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func TestApplyEncoderConfigFlushesGroupAndRequestsKeyframe(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	p := New(f, fixedResolver{aliases: []uint64{7}}, txstate.New(), nil)
	defer p.Close()

	p.PublishVideoChunk(VideoChunkInput{
		TrackName: "camera_720p",
		Chunk:     chunk.Chunk{Type: chunk.TypeKey, Data: []byte{0x01}},
		Extra:     &chunk.Extra{Codec: "avc1.64001f"},
	})
	drain(t, f, 1)

	enc := &fakeEncoder{}
	if err := p.ApplyEncoderConfig("camera_720p", enc, "avc1.640032", 1_000_000, 1920, 1080); err != nil {
		t.Fatalf("ApplyEncoderConfig: %v", err)
	}
	drain(t, f, 2) // the EndOfGroup flush

	_, objects := f.snapshot()
	eog := objects[len(objects)-1]
	if eog.status != ObjectStatusEndOfGroup || eog.group != 0 {
		t.Fatalf("expected EndOfGroup on group 0 before restart, got %+v", eog)
	}
	if enc.stops != 1 || enc.keyframes != 1 {
		t.Fatalf("stops=%d keyframes=%d, want 1/1", enc.stops, enc.keyframes)
	}
	if len(enc.configured) != 1 || enc.configured[0] != "avc1.640032" {
		t.Fatalf("configured = %v, want [avc1.640032]", enc.configured)
	}
}

func TestApplyEncoderConfigUnsupportedSurfacesTypedError(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	p := New(f, fixedResolver{aliases: []uint64{7}}, txstate.New(), nil)
	defer p.Close()

	enc := &fakeEncoder{rejectNext: true}
	err := p.ApplyEncoderConfig("camera_720p", enc, "av99.bogus", 1, 2, 3)
	var unsupported *EncoderConfigUnsupportedError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected *EncoderConfigUnsupportedError, got %v", err)
	}
	if unsupported.TrackName != "camera_720p" || unsupported.Codec != "av99.bogus" {
		t.Fatalf("error fields = %+v", unsupported)
	}
	if enc.keyframes != 0 {
		t.Fatal("must not request a keyframe from a pipeline that stayed stopped")
	}
}

func TestResetTrackClearsHeaderSentBookkeeping(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	p := New(f, fixedResolver{aliases: []uint64{3}}, txstate.New(), nil)
	defer p.Close()

	p.PublishVideoChunk(VideoChunkInput{TrackName: "camera_720p", Chunk: chunk.Chunk{Type: chunk.TypeKey, Data: []byte{0x01}}, Extra: &chunk.Extra{Codec: "avc1.64001f"}})
	drain(t, f, 1)

	p.ResetTrack(3)

	p.PublishVideoChunk(VideoChunkInput{TrackName: "camera_720p", Chunk: chunk.Chunk{Type: chunk.TypeDelta, Data: []byte{0x02}}})
	drain(t, f, 2)

	headers, _ := f.snapshot()
	if len(headers) != 2 {
		t.Fatalf("expected a second header sent after ResetTrack, got %d headers total", len(headers))
	}
}
