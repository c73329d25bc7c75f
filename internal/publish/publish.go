// Package publish implements the per-session publisher: one
// independent pipeline per local media source (camera, screenshare,
// microphone), framing encoder output into MoQT subgroup objects
// via the chunk codec and the shared transport-state counters.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrel-av/roomcall/internal/chunk"
	"github.com/kestrel-av/roomcall/internal/loc"
	"github.com/kestrel-av/roomcall/internal/moq"
	"github.com/kestrel-av/roomcall/internal/txstate"
)

// ObjectStatus mirrors the MoQT SUBGROUP_STREAM_OBJECT status field.
type ObjectStatus uint8

const (
	ObjectStatusNormal     ObjectStatus = 0
	ObjectStatusEndOfGroup ObjectStatus = 3
)

// Transport is the outbound half of the MoQT session the publisher
// drives. Implementations are expected to serialize writes to a given
// alias's subgroup stream themselves; the publisher's send queues only
// guarantee per-media ordering of the calls into Transport.
type Transport interface {
	SendSubgroupHeader(ctx context.Context, alias, group, subgroup uint64) error
	SendSubgroupObject(ctx context.Context, alias, group, subgroup, object uint64, status ObjectStatus, locHeader, payload []byte) error
}

// AliasResolver answers "which subscriber aliases currently want this
// local track's objects", e.g. from the room roster.
type AliasResolver interface {
	AliasesForTrack(trackName string) []uint64
}

// VideoEncoder is the black-box contract a video encoder must satisfy:
// accept a configuration, honor a keyframe request, and stop cleanly. Configure returns an error when
// the requested parameters are not supported.
type VideoEncoder interface {
	Configure(codec string, bitrate, width, height int) error
	ForceKeyframe()
	Stop()
}

// EncoderConfigUnsupportedError is surfaced to the UI when an encoder
// configuration change cannot be applied; the affected pipeline stays
// stopped.
type EncoderConfigUnsupportedError struct {
	TrackName string
	Codec     string
	Bitrate   int
	Width     int
	Height    int
}

func (e *EncoderConfigUnsupportedError) Error() string {
	return fmt.Sprintf("publish: encoder config unsupported for %q: codec=%s bitrate=%d %dx%d",
		e.TrackName, e.Codec, e.Bitrate, e.Width, e.Height)
}

// captureTimestampCacheSize bounds the chunkTimestamp -> captureTimestamp
// association map.
const captureTimestampCacheSize = 1024

// captureTimestampCache is a small bounded FIFO map keyed by the
// encoder's input-chunk timestamp, consumed exactly once per match.
type captureTimestampCache struct {
	mu     sync.Mutex
	values map[int64]int64
	order  []int64
}

func newCaptureTimestampCache() *captureTimestampCache {
	return &captureTimestampCache{values: make(map[int64]int64)}
}

func (c *captureTimestampCache) Put(chunkTimestamp, captureTimestampMicros int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.values[chunkTimestamp]; !exists {
		c.order = append(c.order, chunkTimestamp)
	}
	c.values[chunkTimestamp] = captureTimestampMicros
	for len(c.order) > captureTimestampCacheSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.values, oldest)
	}
}

// Take consumes and removes the association for chunkTimestamp, if any.
func (c *captureTimestampCache) Take(chunkTimestamp int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[chunkTimestamp]
	if ok {
		delete(c.values, chunkTimestamp)
		for i, ts := range c.order {
			if ts == chunkTimestamp {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	return v, ok
}

// VideoChunkInput is one encoded video chunk arriving from a local
// source's encoder.
type VideoChunkInput struct {
	TrackName  string
	SubgroupID uint64      // temporal-layer-id from encoder metadata, default 0
	Chunk      chunk.Chunk
	Extra      *chunk.Extra
	LOC        *loc.Header // optional, attached on this object only
}

// AudioChunkInput is one encoded audio chunk arriving from the local
// microphone source's encoder.
type AudioChunkInput struct {
	TrackName             string
	Chunk                 chunk.Chunk
	Extra                 *chunk.Extra
	LOC                   *loc.Header
	AudioStreamUpdateMode string // "single" or "interval"; group advances on interval boundary
	GroupBoundary         bool   // true when the caller has determined an interval boundary was crossed
	ADTSFramed            bool   // true when Chunk.Data is ADTS-framed AAC and must be stripped to the raw payload before wire framing
}

// sendJob is one unit of work on a per-media serial queue.
type sendJob struct {
	do func(ctx context.Context) error
}

// Publisher is the per-session publisher. It is
// safe for concurrent use from multiple independent source pipelines as
// long as each pipeline owns a disjoint trackName.
type Publisher struct {
	transport Transport
	resolver  AliasResolver
	state     *txstate.State
	log       *slog.Logger

	captureTimestamps *captureTimestampCache

	videoQueue chan sendJob
	audioQueue chan sendJob
	closeOnce  sync.Once
	done       chan struct{}
}

// New creates a Publisher bound to transport/resolver/state, and starts
// its per-media serial send queues.
func New(transport Transport, resolver AliasResolver, state *txstate.State, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &Publisher{
		transport:         transport,
		resolver:          resolver,
		state:             state,
		log:               log,
		captureTimestamps: newCaptureTimestampCache(),
		videoQueue:        make(chan sendJob, 256),
		audioQueue:        make(chan sendJob, 256),
		done:              make(chan struct{}),
	}
	go p.runQueue(p.videoQueue, "video")
	go p.runQueue(p.audioQueue, "audio")
	return p
}

func (p *Publisher) runQueue(q chan sendJob, label string) {
	ctx := context.Background()
	for {
		select {
		case job, ok := <-q:
			if !ok {
				return
			}
			if err := job.do(ctx); err != nil {
				p.log.Warn("publisher send failed", "queue", label, "error", err)
			}
		case <-p.done:
			return
		}
	}
}

// Close tears down the send queues. Remaining enqueued jobs are
// dropped; their errors, if any, would have been logged had they run.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// AssociateCaptureTimestamp records that chunkTimestamp (the encoder's
// input-chunk timestamp) was captured at captureTimestampMicros. Must
// be called once per encoder-input chunk before the matching encoded
// chunk reaches PublishVideoChunk/PublishAudioChunk.
func (p *Publisher) AssociateCaptureTimestamp(chunkTimestamp, captureTimestampMicros int64) {
	p.captureTimestamps.Put(chunkTimestamp, captureTimestampMicros)
}

// PublishVideoChunk frames one encoded video chunk and sends it to
// every alias currently subscribed to its track.
func (p *Publisher) PublishVideoChunk(in VideoChunkInput) {
	aliases := p.resolver.AliasesForTrack(in.TrackName)
	if len(aliases) == 0 {
		return // no subscribers, drop
	}

	subgroupID := in.SubgroupID

	// The very first keyframe of a track's lifetime starts group 0 in
	// place; every keyframe after that closes the current group and
	// advances.
	if in.Chunk.Type == chunk.TypeKey && p.state.CurrentObject(in.TrackName) > 0 {
		p.closeVideoGroup(in.TrackName, aliases)
		p.state.AdvanceVideoGroup(in.TrackName)
	}

	p.state.EnsureVideoSubgroup(in.TrackName, subgroupID)
	group := p.state.CurrentGroup(in.TrackName)

	workChunk := in.Chunk
	workExtra := in.Extra
	var videoConfig []byte
	if workExtra != nil && workExtra.AVCFormat == chunk.AVCFormatAnnexB {
		avc1, cfg := moq.ConvertAnnexBFrame(workExtra.Codec, workChunk.Data)
		workChunk.Data = avc1
		stripped := *workExtra
		stripped.AVCFormat = chunk.AVCFormatAVC
		workExtra = &stripped
		if workChunk.Type == chunk.TypeKey {
			videoConfig = cfg
		}
	}

	locBytes := p.buildLOCBytes(in.LOC, workChunk.Timestamp, videoConfig)

	// One object id per chunk, shared by every alias.
	objectID := p.state.IncrementVideoObject(in.TrackName)

	for _, alias := range aliases {
		needsHeader := !p.state.HasVideoHeaderSent(in.TrackName, subgroupID, alias)
		if needsHeader {
			p.state.MarkVideoHeaderSent(in.TrackName, subgroupID, alias)
		}
		needsCodec := p.state.ShouldSendVideoCodec(alias)
		if needsCodec {
			p.state.MarkVideoCodecSent(alias)
		}

		extra := workExtra
		if !needsCodec && workExtra != nil {
			stripped := *workExtra
			stripped.Codec = ""
			stripped.DescriptionBase64 = ""
			extra = &stripped
		}

		payload, err := chunk.Serialize(workChunk, extra)
		if err != nil {
			p.log.Warn("failed to serialize video chunk", "track", in.TrackName, "error", err)
			continue
		}

		p.enqueueVideo(func(ctx context.Context) error {
			if needsHeader {
				if err := p.transport.SendSubgroupHeader(ctx, alias, group, subgroupID); err != nil {
					return err
				}
			}
			return p.transport.SendSubgroupObject(ctx, alias, group, subgroupID, objectID, ObjectStatusNormal, locBytes, payload)
		})
	}
}

// buildLOCBytes fills in the capture timestamp extension from the
// bounded association cache (if one was recorded for this chunk's
// input timestamp), attaches videoConfig as the decoder-config
// extension when present, and encodes h to its wire form. Returns nil
// if the resulting header carries no extensions.
func (p *Publisher) buildLOCBytes(h *loc.Header, chunkTimestamp int64, videoConfig []byte) []byte {
	if h == nil {
		if videoConfig == nil {
			return nil
		}
		h = &loc.Header{}
	}
	if captureTS, ok := p.captureTimestamps.Take(chunkTimestamp); ok {
		v := uint64(captureTS)
		h.CaptureTimestamp = &v
	}
	if videoConfig != nil {
		h.VideoConfig = videoConfig
	}
	if h.Empty() {
		return nil
	}
	return loc.Append(nil, *h)
}

// closeVideoGroup emits the EndOfGroup object for every alias that
// emitted at least one object in the current (about to be previous)
// group, on subgroup 0.
func (p *Publisher) closeVideoGroup(trackName string, aliases []uint64) {
	group := p.state.CurrentGroup(trackName)
	nextObjectID := p.state.CurrentObject(trackName)
	if nextObjectID == 0 {
		return // nothing emitted yet this group, nothing to close
	}
	for _, alias := range aliases {
		if !p.state.HasVideoHeaderSent(trackName, 0, alias) {
			continue // alias never received an object in this group
		}
		p.enqueueVideo(func(ctx context.Context) error {
			return p.transport.SendSubgroupObject(ctx, alias, group, 0, nextObjectID, ObjectStatusEndOfGroup, nil, nil)
		})
	}
}

// PublishAudioChunk is the audio counterpart of PublishVideoChunk: no
// group-per-keyframe rule, subgroupId=0, groups advance by the track's
// update interval, and each group switch emits an EndOfGroup first.
func (p *Publisher) PublishAudioChunk(in AudioChunkInput) {
	aliases := p.resolver.AliasesForTrack(in.TrackName)
	if len(aliases) == 0 {
		return
	}

	if in.GroupBoundary {
		p.closeAudioGroup(in.TrackName, aliases)
		p.state.AdvanceVideoGroup(in.TrackName) // same counter semantics, reused across roles
	}
	p.state.EnsureAudioSubgroup(in.TrackName)
	group := p.state.CurrentGroup(in.TrackName)

	workChunk := in.Chunk
	if in.ADTSFramed {
		workChunk.Data = moq.StripADTS(workChunk.Data)
	}

	locBytes := p.buildLOCBytes(in.LOC, workChunk.Timestamp, nil)

	objectID := p.state.IncrementAudioObject(in.TrackName)

	for _, alias := range aliases {
		needsHeader := !p.state.HasVideoHeaderSent(in.TrackName, 0, alias)
		if needsHeader {
			p.state.MarkVideoHeaderSent(in.TrackName, 0, alias)
		}
		needsCodec := p.state.ShouldSendAudioCodec(alias)
		if needsCodec {
			p.state.MarkAudioCodecSent(alias)
		}

		extra := in.Extra
		if !needsCodec && in.Extra != nil {
			stripped := *in.Extra
			stripped.Codec = ""
			stripped.DescriptionBase64 = ""
			extra = &stripped
		}

		payload, err := chunk.Serialize(workChunk, extra)
		if err != nil {
			p.log.Warn("failed to serialize audio chunk", "track", in.TrackName, "error", err)
			continue
		}

		p.enqueueAudio(func(ctx context.Context) error {
			if needsHeader {
				if err := p.transport.SendSubgroupHeader(ctx, alias, group, 0); err != nil {
					return err
				}
			}
			return p.transport.SendSubgroupObject(ctx, alias, group, 0, objectID, ObjectStatusNormal, locBytes, payload)
		})
	}
}

func (p *Publisher) closeAudioGroup(trackName string, aliases []uint64) {
	group := p.state.CurrentGroup(trackName)
	nextObjectID := p.state.CurrentObject(trackName)
	if nextObjectID == 0 {
		return
	}
	for _, alias := range aliases {
		if !p.state.HasVideoHeaderSent(trackName, 0, alias) {
			continue
		}
		p.enqueueAudio(func(ctx context.Context) error {
			return p.transport.SendSubgroupObject(ctx, alias, group, 0, nextObjectID, ObjectStatusEndOfGroup, nil, nil)
		})
	}
}

func (p *Publisher) enqueueVideo(do func(ctx context.Context) error) {
	select {
	case p.videoQueue <- sendJob{do: do}:
	case <-p.done:
	}
}

func (p *Publisher) enqueueAudio(do func(ctx context.Context) error) {
	select {
	case p.audioQueue <- sendJob{do: do}:
	case <-p.done:
	}
}

// ApplyEncoderConfig performs the encoder-configuration change
// sequence: flush the pending EndOfGroup for the current group,
// stop the encoder, restart it with the new parameters, and request a
// keyframe so the next emitted object opens a fresh group. If the
// encoder rejects the configuration the pipeline stays stopped and an
// *EncoderConfigUnsupportedError is returned; the publisher never
// auto-downgrades.
func (p *Publisher) ApplyEncoderConfig(trackName string, enc VideoEncoder, codec string, bitrate, width, height int) error {
	aliases := p.resolver.AliasesForTrack(trackName)
	if p.state.CurrentObject(trackName) > 0 {
		p.closeVideoGroup(trackName, aliases)
		p.state.AdvanceVideoGroup(trackName)
	}

	enc.Stop()
	if err := enc.Configure(codec, bitrate, width, height); err != nil {
		return &EncoderConfigUnsupportedError{
			TrackName: trackName,
			Codec:     codec,
			Bitrate:   bitrate,
			Width:     width,
			Height:    height,
		}
	}
	enc.ForceKeyframe()
	return nil
}

// ResetTrack tears down a subscriber's alias: clears its header-sent
// and codec-sent bookkeeping so a future resubscribe re-sends the
// subgroup header on its first video object.
func (p *Publisher) ResetTrack(alias uint64) {
	p.state.ResetAlias(alias)
}
