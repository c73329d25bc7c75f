// Package subscribe implements the per-inbound-trackAlias subscriber:
// jitter buffer ingestion, decoder discipline (sticky
// codec binding for video, signature-driven reinit for audio), packet
// loss detection, and the rendering-rate estimator.
package subscribe

import (
	"log/slog"

	"github.com/kestrel-av/roomcall/internal/chunk"
	"github.com/kestrel-av/roomcall/internal/jitter"
	"github.com/kestrel-av/roomcall/internal/loc"
)

// StatusEndOfGroup is the MoQT SUBGROUP_STREAM_OBJECT status value that
// signals EndOfGroup.
const StatusEndOfGroup uint8 = 3

// VideoDecoder is the black-box contract a video decoder must
// satisfy. needsKeyframe reports that the decoder cannot continue
// without a fresh keyframe.
type VideoDecoder interface {
	Configure(codec string, descriptionBase64 string) error
	DecodeFrame(timestampMicros int64, data []byte, isKeyframe bool) (needsKeyframe bool, err error)
}

// AudioDecoder is the black-box contract an audio decoder must satisfy.
type AudioDecoder interface {
	Configure(codec string, sampleRate, channels int, descriptionBase64 string) error
	DecodeFrame(timestampMicros int64, data []byte) error
}

// Observer is the typed event-handler slot struct the session exposes
// to the UI layer.
type Observer struct {
	OnReceiveLatencyMS       func(ms int64)
	OnPacketLoss             func(gap uint64)
	OnGroupEndedUnexpectedly func()
	OnRenderingRateFPS       func(fps float64)
	OnDecoderConfig          func(codec string)
	OnJitterBufferPush       func()
	OnJitterBufferPop        func()
}

func (o Observer) receiveLatency(ms int64) {
	if o.OnReceiveLatencyMS != nil {
		o.OnReceiveLatencyMS(ms)
	}
}

func (o Observer) packetLoss(gap uint64) {
	if o.OnPacketLoss != nil {
		o.OnPacketLoss(gap)
	}
}

func (o Observer) groupEndedUnexpectedly() {
	if o.OnGroupEndedUnexpectedly != nil {
		o.OnGroupEndedUnexpectedly()
	}
}

func (o Observer) renderingRate(fps float64) {
	if o.OnRenderingRateFPS != nil {
		o.OnRenderingRateFPS(fps)
	}
}

func (o Observer) decoderConfig(codec string) {
	if o.OnDecoderConfig != nil {
		o.OnDecoderConfig(codec)
	}
}

func (o Observer) jitterBufferPush() {
	if o.OnJitterBufferPush != nil {
		o.OnJitterBufferPush()
	}
}

func (o Observer) jitterBufferPop() {
	if o.OnJitterBufferPop != nil {
		o.OnJitterBufferPop()
	}
}

// buildEntry constructs a jitter buffer entry from an inbound subgroup
// object, falling back to the LOC header when the chunk codec fails to
// parse. Returns ok=false if both fail and the object should be
// dropped entirely.
func buildEntry(nowMS int64, groupID, objectID uint64, status uint8, locHeader, payload []byte, log *slog.Logger) (jitter.Entry, bool) {
	if status == StatusEndOfGroup {
		return jitter.Entry{
			Key:          jitter.Key{GroupID: groupID, ObjectID: objectID},
			InsertedAtMS: nowMS,
			IsEndOfGroup: true,
		}, true
	}

	meta, data, err := chunk.Deserialize(payload)
	if err != nil {
		if h, ok := parseLOCCaptureTimestamp(locHeader); ok {
			ts := int64(h)
			return jitter.Entry{
				Key:                    jitter.Key{GroupID: groupID, ObjectID: objectID},
				InsertedAtMS:           nowMS,
				CaptureTimestampMicros: &ts,
				Metadata:               chunk.Metadata{Type: chunk.TypeKey, Timestamp: ts},
				Data:                   payload,
			}, true
		}
		log.Debug("dropping malformed subgroup object", "group", groupID, "object", objectID, "error", err)
		return jitter.Entry{}, false
	}

	captureTS := meta.Timestamp
	if h, ok := parseLOCCaptureTimestamp(locHeader); ok {
		captureTS = int64(h)
	}
	return jitter.Entry{
		Key:                    jitter.Key{GroupID: groupID, ObjectID: objectID},
		InsertedAtMS:           nowMS,
		CaptureTimestampMicros: &captureTS,
		Metadata:               meta,
		Data:                   data,
	}, true
}

func parseLOCCaptureTimestamp(locHeader []byte) (uint64, bool) {
	if len(locHeader) == 0 {
		return 0, false
	}
	h, _, err := loc.Parse(locHeader)
	if err != nil || h.CaptureTimestamp == nil {
		return 0, false
	}
	return *h.CaptureTimestamp, true
}

// renderRateEstimator smooths the interval between rendering events
// into an FPS estimate.
type renderRateEstimator struct {
	haveLast     bool
	lastMS       int64
	emaFPS       float64
	haveEstimate bool
}

const renderRateAlpha = 0.2

func (r *renderRateEstimator) record(nowMS int64) (fps float64, ok bool) {
	defer func() {
		r.lastMS = nowMS
		r.haveLast = true
	}()
	if !r.haveLast {
		return 0, false
	}
	intervalMS := nowMS - r.lastMS
	if intervalMS <= 0 {
		return 0, false
	}
	inst := 1000.0 / float64(intervalMS)
	if inst > 120 {
		inst = 120
	}
	if inst < 0 {
		inst = 0
	}
	if !r.haveEstimate {
		r.emaFPS = inst
		r.haveEstimate = true
	} else {
		r.emaFPS = renderRateAlpha*inst + (1-renderRateAlpha)*r.emaFPS
	}
	return r.emaFPS, true
}

// VideoSubscriber owns one inbound video track alias's jitter buffer,
// decoder, and decode discipline.
type VideoSubscriber struct {
	trackName string
	buffer    *jitter.VideoBuffer
	decoder   VideoDecoder
	obs       Observer
	log       *slog.Logger

	catalogCodec string

	decoderInitialized bool
	decoderCodec       string
	waitingForKeyFrame bool
	haveDecodedFirst   bool

	haveLastKey         bool
	lastKey             jitter.Key
	previousGroupClosed bool

	renderRate renderRateEstimator
}

// NewVideoSubscriber creates a video subscriber over buffer, decoding
// through decoder and reporting events to obs.
func NewVideoSubscriber(trackName string, buffer *jitter.VideoBuffer, decoder VideoDecoder, obs Observer, log *slog.Logger) *VideoSubscriber {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &VideoSubscriber{trackName: trackName, buffer: buffer, decoder: decoder, obs: obs, log: log}
}

// SetCatalogCodec updates the codec advertised by the catalog. If a
// decoder is already bound to a different codec, the change is ignored
// with a warning: codec binding is sticky.
func (s *VideoSubscriber) SetCatalogCodec(codec string) {
	if s.decoderInitialized && codec != "" && codec != s.decoderCodec {
		s.log.Warn("ignoring catalog codec change, decoder codec is sticky",
			"track", s.trackName, "decoderCodec", s.decoderCodec, "advertisedCodec", codec)
		return
	}
	s.catalogCodec = codec
}

// OnSubgroupObject ingests one inbound SUBGROUP_STREAM_OBJECT.
func (s *VideoSubscriber) OnSubgroupObject(nowMS int64, groupID, objectID uint64, status uint8, locHeader, payload []byte) {
	e, ok := buildEntry(nowMS, groupID, objectID, status, locHeader, payload, s.log)
	if !ok {
		return
	}
	if !e.IsEndOfGroup && e.CaptureTimestampMicros != nil {
		s.obs.receiveLatency(nowMS - *e.CaptureTimestampMicros/1000)
	}
	if s.buffer.Push(e) {
		s.obs.jitterBufferPush()
	}
}

// PopAndDecode drains one eligible entry from the buffer at wall-clock
// nowMS and feeds it through the video decode discipline.
func (s *VideoSubscriber) PopAndDecode(nowMS int64) {
	e, ok := s.buffer.Pop(nowMS)
	if !ok {
		return
	}
	if e.IsEndOfGroup {
		s.previousGroupClosed = true
		return
	}
	s.obs.jitterBufferPop()

	s.checkPacketLoss(e.Key)
	s.previousGroupClosed = false

	codec := e.Metadata.Codec
	if codec == "" {
		codec = s.catalogCodec
	}
	if codec == "" {
		// Codec binding is sticky: a decoder bound earlier keeps its codec
		// for the objects that omit codec metadata.
		codec = s.decoderCodec
	}
	if codec == "" {
		s.log.Debug("codec undefined, waiting to decode", "track", s.trackName)
		return
	}

	isKeyframe := e.Metadata.Type == chunk.TypeKey

	if !s.decoderInitialized {
		if !isKeyframe {
			return // first frame out of the buffer must be a keyframe
		}
		if err := s.decoder.Configure(codec, e.Metadata.DescriptionBase64); err != nil {
			s.log.Warn("video decoder configure failed", "track", s.trackName, "error", err)
			return
		}
		s.decoderInitialized = true
		s.decoderCodec = codec
		s.obs.decoderConfig(codec)
	}

	if s.waitingForKeyFrame && !isKeyframe {
		return
	}

	needsKeyFrame, err := s.decoder.DecodeFrame(e.Metadata.Timestamp, e.Data, isKeyframe)
	if err != nil {
		s.log.Warn("video decoder error, will reinitialize", "track", s.trackName, "error", err)
		s.decoderInitialized = false
		s.waitingForKeyFrame = false
		return
	}
	s.waitingForKeyFrame = needsKeyFrame
	if needsKeyFrame {
		return
	}

	s.haveDecodedFirst = true
	if fps, ok := s.renderRate.record(nowMS); ok {
		s.obs.renderingRate(fps)
	}
}

func (s *VideoSubscriber) checkPacketLoss(key jitter.Key) {
	defer func() {
		s.lastKey = key
		s.haveLastKey = true
	}()
	if !s.haveLastKey {
		return
	}
	if key.GroupID != s.lastKey.GroupID {
		if !s.previousGroupClosed {
			s.obs.groupEndedUnexpectedly()
		}
		return
	}
	if key.ObjectID > s.lastKey.ObjectID+1 {
		s.obs.packetLoss(key.ObjectID - s.lastKey.ObjectID - 1)
	}
}

// Reset clears the buffer and all decode-discipline state, e.g. on
// unsubscribe.
func (s *VideoSubscriber) Reset() {
	s.buffer.Reset()
	s.decoderInitialized = false
	s.decoderCodec = ""
	s.waitingForKeyFrame = false
	s.haveDecodedFirst = false
	s.haveLastKey = false
	s.previousGroupClosed = false
	s.renderRate = renderRateEstimator{}
}

// audioSignature is the tuple that determines whether the audio
// decoder must be (re)initialized.
type audioSignature struct {
	codec             string
	sampleRate        int
	channels          int
	descriptionBase64 string
}

// AudioSubscriber owns one inbound audio track alias's jitter buffer
// and decoder.
type AudioSubscriber struct {
	trackName string
	buffer    *jitter.AudioBuffer
	decoder   AudioDecoder
	obs       Observer
	log       *slog.Logger

	haveSignature bool
	signature     audioSignature

	haveLastKey bool
	lastKey     jitter.Key
}

// NewAudioSubscriber creates an audio subscriber over buffer.
func NewAudioSubscriber(trackName string, buffer *jitter.AudioBuffer, decoder AudioDecoder, obs Observer, log *slog.Logger) *AudioSubscriber {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &AudioSubscriber{trackName: trackName, buffer: buffer, decoder: decoder, obs: obs, log: log}
}

// OnSubgroupObject ingests one inbound audio SUBGROUP_STREAM_OBJECT.
func (s *AudioSubscriber) OnSubgroupObject(nowMS int64, groupID, objectID uint64, status uint8, locHeader, payload []byte) {
	e, ok := buildEntry(nowMS, groupID, objectID, status, locHeader, payload, s.log)
	if !ok {
		return
	}
	if !e.IsEndOfGroup && e.CaptureTimestampMicros != nil {
		s.obs.receiveLatency(nowMS - *e.CaptureTimestampMicros/1000)
	}
	if s.buffer.Push(e) {
		s.obs.jitterBufferPush()
	}
}

// PopAndDecode drains one entry and feeds it to the decoder,
// reinitializing whenever (codec, sampleRate, channels,
// descriptionBase64) changes.
func (s *AudioSubscriber) PopAndDecode() {
	e, ok := s.buffer.Pop()
	if !ok || e.IsEndOfGroup {
		return
	}
	s.obs.jitterBufferPop()

	s.checkPacketLoss(e.Key)

	// Objects after an alias's first omit codec/description metadata
	// entirely; only an object that actually carries a codec can change
	// the decoder signature.
	if e.Metadata.Codec == "" {
		if !s.haveSignature {
			s.log.Debug("audio codec undefined, waiting to decode", "track", s.trackName)
			return
		}
	} else if sig := (audioSignature{
		codec:             e.Metadata.Codec,
		sampleRate:        e.Metadata.SampleRate,
		channels:          e.Metadata.Channels,
		descriptionBase64: e.Metadata.DescriptionBase64,
	}); !s.haveSignature || sig != s.signature {
		if err := s.decoder.Configure(sig.codec, sig.sampleRate, sig.channels, sig.descriptionBase64); err != nil {
			s.log.Warn("audio decoder configure failed", "track", s.trackName, "error", err)
			return
		}
		s.signature = sig
		s.haveSignature = true
		s.obs.decoderConfig(sig.codec)
	}

	// Remote PTS is given to the decoder directly; never rebased to the
	// local clock.
	if err := s.decoder.DecodeFrame(e.Metadata.Timestamp, e.Data); err != nil {
		s.log.Warn("audio decoder error, will reinitialize", "track", s.trackName, "error", err)
		s.haveSignature = false
	}
}

func (s *AudioSubscriber) checkPacketLoss(key jitter.Key) {
	defer func() {
		s.lastKey = key
		s.haveLastKey = true
	}()
	if !s.haveLastKey {
		return
	}
	if key.GroupID != s.lastKey.GroupID {
		return
	}
	if key.ObjectID > s.lastKey.ObjectID+1 {
		s.obs.packetLoss(key.ObjectID - s.lastKey.ObjectID - 1)
	}
}

// Reset clears the buffer and decoder-signature state.
func (s *AudioSubscriber) Reset() {
	s.buffer.Reset()
	s.haveSignature = false
	s.haveLastKey = false
}
