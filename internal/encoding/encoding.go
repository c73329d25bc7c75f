// Package encoding is the reference implementation of the black-box
// encoder/decoder boundary: a deterministic synthetic video/audio
// source standing in for a camera/microphone capture pipeline, and a
// pass-through decoder pair that simply counts frames instead of
// rendering them. Together they let the whole publish/subscribe
// pipeline run and be tested end-to-end without a real codec.
package encoding

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kestrel-av/roomcall/internal/chunk"
	"github.com/kestrel-av/roomcall/internal/moq"
	"github.com/kestrel-av/roomcall/internal/publish"
)

// fakeSPS/fakePPS are minimal, well-formed-enough-to-encode NAL bodies
// (NAL header byte included) standing in for a real H.264 encoder's
// parameter sets, just so the decoder-config builder has SPS profile/
// level bytes to read (internal/moq.BuildAVCDecoderConfig, ISO 14496-15).
var (
	fakeSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xAB, 0xCD, 0xEF}
	fakePPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

// DefaultAVCDescriptionBase64 is a ready-made base64 AVCDecoderConfigurationRecord
// built from fakeSPS/fakePPS, for callers that want a non-empty
// descriptionBase64 without owning a real encoder (e.g. cmd/roomcall's
// synthetic camera source).
func DefaultAVCDescriptionBase64() string {
	return base64.StdEncoding.EncodeToString(moq.BuildAVCDecoderConfig(fakeSPS, fakePPS))
}

// SyntheticVideoSource emits deterministic "encoded" video chunks: a
// fake Annex B access unit per frame, a keyframe every keyframeInterval
// chunks. It also satisfies publish.VideoEncoder so the publisher's
// encoder-configuration change policy can be exercised against it.
type SyntheticVideoSource struct {
	mu               sync.Mutex
	trackName        string
	keyframeInterval int
	codec            string
	descriptionB64   string
	stopped          bool
	keyframeForced   bool

	seq atomic.Uint64
}

var _ publish.VideoEncoder = (*SyntheticVideoSource)(nil)

// NewSyntheticVideoSource creates a source for trackName that marks
// every keyframeInterval-th chunk as a keyframe.
func NewSyntheticVideoSource(trackName, codec, descriptionBase64 string, keyframeInterval int) *SyntheticVideoSource {
	if keyframeInterval <= 0 {
		keyframeInterval = 30
	}
	return &SyntheticVideoSource{trackName: trackName, keyframeInterval: keyframeInterval, codec: codec, descriptionB64: descriptionBase64}
}

// Next produces the next chunk input for timestampMicros. Callers
// drive this on a ticker matching the track's target frame rate. Each
// access unit is a fake Annex B bitstream (start-code-prefixed NALUs),
// standing in for a real encoder's output: keyframes carry fakeSPS/
// fakePPS inline so the publisher's AVC1 conversion and LOC decoder-
// config attachment (internal/moq.ConvertAnnexBFrame) have real
// parameter sets to extract.
func (s *SyntheticVideoSource) Next(timestampMicros int64) publish.VideoChunkInput {
	n := s.seq.Add(1) - 1

	s.mu.Lock()
	isKey := n%uint64(s.keyframeInterval) == 0 || s.keyframeForced
	s.keyframeForced = false
	codec, descriptionB64 := s.codec, s.descriptionB64
	s.mu.Unlock()

	// Every chunk declares codec and framing; the publisher strips the
	// codec fields for aliases that already received them (codec-once is
	// a per-subscriber property, not a per-source one).
	extra := &chunk.Extra{Codec: codec, DescriptionBase64: descriptionB64, AVCFormat: chunk.AVCFormatAnnexB}

	var typ chunk.Type
	var payload []byte
	if isKey {
		typ = chunk.TypeKey
		payload = annexBUnit(fakeSPS, fakePPS, idrSlice(n))
	} else {
		typ = chunk.TypeDelta
		payload = annexBUnit(deltaSlice(n))
	}

	return publish.VideoChunkInput{
		TrackName: s.trackName,
		Chunk: chunk.Chunk{
			Type:      typ,
			Timestamp: timestampMicros,
			Data:      payload,
		},
		Extra: extra,
	}
}

// Configure implements publish.VideoEncoder. Only H.264 profiles are
// supported by the synthetic bitstream generator; any other codec
// string is rejected so the publisher's EncoderConfigUnsupported path
// has something real to trip on.
func (s *SyntheticVideoSource) Configure(codec string, bitrate, width, height int) error {
	if !strings.HasPrefix(codec, "avc1") {
		return fmt.Errorf("encoding: unsupported codec %q", codec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codec = codec
	s.stopped = false
	return nil
}

// ForceKeyframe implements publish.VideoEncoder: the next chunk emitted
// by Next is a keyframe regardless of the keyframe interval.
func (s *SyntheticVideoSource) ForceKeyframe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyframeForced = true
}

// Stop implements publish.VideoEncoder.
func (s *SyntheticVideoSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// annexBUnit joins nalus with 4-byte Annex B start codes.
func annexBUnit(nalus ...[]byte) []byte {
	var out []byte
	for _, nalu := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, nalu...)
	}
	return out
}

// idrSlice/deltaSlice build a fake H.264 slice NAL (header byte plus an
// 8-byte sequence counter) so repeated frames are distinguishable.
func idrSlice(n uint64) []byte   { return append([]byte{0x65}, seqCounter(n)...) }
func deltaSlice(n uint64) []byte { return append([]byte{0x41}, seqCounter(n)...) }

func seqCounter(n uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(n >> (8 * uint(i)))
	}
	return out
}

// SyntheticAudioSource emits deterministic "encoded" audio chunks, one
// per call, always type key since Opus has no delta/key distinction at
// this layer. When configured with an interval update mode it flags a
// group boundary whenever the chunk timestamps cross the interval, so
// the publisher's wall-clock group advance runs against it.
type SyntheticAudioSource struct {
	trackName  string
	codec      string
	sampleRate int
	channels   int

	updateMode         string
	intervalMicros     int64
	lastBoundaryMicros int64
	haveBoundaryAnchor bool

	seq atomic.Uint64
}

// NewSyntheticAudioSource creates a source for trackName in single
// update mode; call SetUpdateInterval to switch to interval mode.
func NewSyntheticAudioSource(trackName, codec string, sampleRate, channels int) *SyntheticAudioSource {
	return &SyntheticAudioSource{trackName: trackName, codec: codec, sampleRate: sampleRate, channels: channels, updateMode: "single"}
}

// SetUpdateInterval applies a catalog track's audio stream update
// policy: mode "interval" advances the group every seconds of sender
// wall-clock, mode "single" never does.
func (s *SyntheticAudioSource) SetUpdateInterval(mode string, seconds int) {
	s.updateMode = mode
	s.intervalMicros = int64(seconds) * 1_000_000
}

// Next produces the next audio chunk input for timestampMicros.
func (s *SyntheticAudioSource) Next(timestampMicros int64) publish.AudioChunkInput {
	n := s.seq.Add(1) - 1

	boundary := false
	if s.updateMode == "interval" && s.intervalMicros > 0 {
		if !s.haveBoundaryAnchor {
			s.haveBoundaryAnchor = true
			s.lastBoundaryMicros = timestampMicros
		} else if timestampMicros-s.lastBoundaryMicros >= s.intervalMicros {
			boundary = true
			s.lastBoundaryMicros = timestampMicros
		}
	}

	extra := &chunk.Extra{Codec: s.codec, SampleRate: s.sampleRate, Channels: s.channels}

	payload := make([]byte, 4)
	for i := 0; i < 4; i++ {
		payload[i] = byte(n >> (8 * uint(i)))
	}

	return publish.AudioChunkInput{
		TrackName: s.trackName,
		Chunk: chunk.Chunk{
			Type:      chunk.TypeKey,
			Timestamp: timestampMicros,
			Data:      payload,
		},
		Extra:                 extra,
		AudioStreamUpdateMode: s.updateMode,
		GroupBoundary:         boundary,
	}
}

// PassthroughVideoDecoder satisfies subscribe.VideoDecoder without
// touching real pixels: it just tracks configuration and frame counts,
// enough to exercise the subscriber's decode discipline in tests and
// in the headless cmd/roomcall agent.
type PassthroughVideoDecoder struct {
	Codec     string
	Frames    atomic.Uint64
	Keyframes atomic.Uint64
}

// Configure records the codec (the description is ignored); it never fails.
func (d *PassthroughVideoDecoder) Configure(codec string, descriptionBase64 string) error {
	d.Codec = codec
	return nil
}

// DecodeFrame counts the frame; it never requests a keyframe.
func (d *PassthroughVideoDecoder) DecodeFrame(timestampMicros int64, data []byte, isKeyframe bool) (bool, error) {
	d.Frames.Add(1)
	if isKeyframe {
		d.Keyframes.Add(1)
	}
	return false, nil
}

// PassthroughAudioDecoder satisfies subscribe.AudioDecoder.
type PassthroughAudioDecoder struct {
	Codec      string
	SampleRate int
	Channels   int
	Frames     atomic.Uint64
}

// Configure records the signature; it never fails.
func (d *PassthroughAudioDecoder) Configure(codec string, sampleRate, channels int, descriptionBase64 string) error {
	d.Codec = codec
	d.SampleRate = sampleRate
	d.Channels = channels
	return nil
}

// DecodeFrame counts the frame.
func (d *PassthroughAudioDecoder) DecodeFrame(timestampMicros int64, data []byte) error {
	d.Frames.Add(1)
	return nil
}
