// Package jitter implements the reorder/playout buffers that sit between
// the subscriber's inbound subgroup objects and the decoder: a video
// buffer with four pop policies and an audio buffer with two, sharing a
// common sorted-by-(groupId, objectId) store.
package jitter

import (
	"log/slog"

	"github.com/kestrel-av/roomcall/internal/chunk"
)

// Key is the lexicographic ordering key for a jitter buffer entry.
type Key struct {
	GroupID  uint64
	ObjectID uint64
}

// Less reports whether a sorts strictly before b.
func (a Key) Less(b Key) bool {
	if a.GroupID != b.GroupID {
		return a.GroupID < b.GroupID
	}
	return a.ObjectID < b.ObjectID
}

// LessEqual reports whether a sorts at or before b.
func (a Key) LessEqual(b Key) bool {
	return a == b || a.Less(b)
}

// Entry is one reassembled unit of media sitting in a jitter buffer.
type Entry struct {
	Key
	InsertedAtMS           int64 // monotonic ms, caller-supplied
	CaptureTimestampMicros *int64
	Metadata               chunk.Metadata
	Data                   []byte
	IsEndOfGroup           bool
}

// store is the common sorted-by-Key structure shared by the video and
// audio buffers: insertion walks from the tail since most inserts are
// near-latest, and overflow drops the oldest entry.
type store struct {
	entries []Entry
	cap     int
}

func newStore(cap int) store {
	return store{cap: cap}
}

// insert adds e in sorted position. It rejects zero-length payloads
// that aren't EndOfGroup sentinels, per the cross-cutting invariant.
// Returns false if rejected.
func (s *store) insert(e Entry) bool {
	if len(e.Data) == 0 && !e.IsEndOfGroup {
		return false
	}
	i := len(s.entries)
	for i > 0 && e.Key.Less(s.entries[i-1].Key) {
		i--
	}
	// The walk stops with any equal-keyed entry at i-1, not i.
	if i > 0 && s.entries[i-1].Key == e.Key {
		return false // duplicate object, drop
	}
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e

	if s.cap > 0 && len(s.entries) > s.cap {
		s.entries = s.entries[1:] // drop oldest
	}
	return true
}

func (s *store) len() int { return len(s.entries) }

func (s *store) head() (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[0], true
}

func (s *store) tail() (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

func (s *store) popFront() Entry {
	e := s.entries[0]
	s.entries = s.entries[1:]
	return e
}

func (s *store) clear() {
	s.entries = nil
}

// VideoMode selects a video jitter buffer's pop policy.
type VideoMode string

const (
	VideoModeFast      VideoMode = "fast"
	VideoModeNormal    VideoMode = "normal"
	VideoModeBuffered  VideoMode = "buffered"
	VideoModeCorrectly VideoMode = "correctly"
)

// DefaultVideoCapacity is the default video buffer depth.
const DefaultVideoCapacity = 9000

// DefaultAudioCapacity is the default audio buffer depth.
const DefaultAudioCapacity = 1800

// minInterPopIntervalMS is correctly mode's minimum gap between pops,
// to avoid bursty playout.
const minInterPopIntervalMS = 20

// VideoConfig parameterizes a VideoBuffer.
type VideoConfig struct {
	Mode                VideoMode
	Capacity            int  // 0 uses DefaultVideoCapacity
	MinDelayMS          int64
	BufferedAheadFrames int
	KeyframeInterval    *int // nil if unknown
	Log                 *slog.Logger
}

// VideoBuffer is the video reorder/playout buffer.
type VideoBuffer struct {
	cfg VideoConfig
	st  store

	havePopped          bool
	lastPopped          Key
	lastPopTimeMS       int64
	bufferedPrimed      bool              // buffered mode: depth threshold crossed once
	pendingEndGroupTail map[uint64]uint64 // groupId -> EndOfGroup's objectId
}

// NewVideoBuffer creates a video buffer with cfg. A zero Capacity uses
// DefaultVideoCapacity; a nil Log discards warnings.
func NewVideoBuffer(cfg VideoConfig) *VideoBuffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultVideoCapacity
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	return &VideoBuffer{
		cfg:                 cfg,
		st:                  newStore(cfg.Capacity),
		pendingEndGroupTail: make(map[uint64]uint64),
	}
}

// Push inserts e. In correctly mode, stale data (at or before the last
// popped key) is rejected with a warning for idempotence across
// retransmission. Returns true if
// e was accepted and a jitterBufferActivity(push) event should fire.
func (b *VideoBuffer) Push(e Entry) bool {
	if b.cfg.Mode == VideoModeCorrectly && b.havePopped && e.Key.LessEqual(b.lastPopped) {
		b.cfg.Log.Warn("dropping stale video entry", "group", e.GroupID, "object", e.ObjectID, "lastPopped", b.lastPopped)
		return false
	}
	if e.IsEndOfGroup {
		b.pendingEndGroupTail[e.GroupID] = e.ObjectID
	}
	return b.st.insert(e)
}

// BufferedFrames returns the live entry count.
func (b *VideoBuffer) BufferedFrames() int { return b.st.len() }

// CapacityFrames returns the configured capacity, which is never exceeded.
func (b *VideoBuffer) CapacityFrames() int { return b.cfg.Capacity }

// Pop attempts one pop at wall-clock nowMS per the buffer's mode.
// Returns false if nothing is eligible to pop yet.
func (b *VideoBuffer) Pop(nowMS int64) (Entry, bool) {
	switch b.cfg.Mode {
	case VideoModeFast:
		return b.popFast()
	case VideoModeNormal:
		return b.popNormal(nowMS)
	case VideoModeBuffered:
		return b.popBuffered(nowMS)
	case VideoModeCorrectly:
		return b.popCorrectly(nowMS)
	default:
		return b.popFast()
	}
}

func (b *VideoBuffer) popFast() (Entry, bool) {
	if b.st.len() == 0 {
		return Entry{}, false
	}
	e := b.st.popFront()
	b.markPopped(e, 0)
	return e, true
}

func (b *VideoBuffer) popNormal(nowMS int64) (Entry, bool) {
	head, ok := b.st.head()
	if !ok {
		return Entry{}, false
	}
	if nowMS-head.InsertedAtMS < b.cfg.MinDelayMS {
		return Entry{}, false
	}
	e := b.st.popFront()
	b.markPopped(e, 0)
	return e, true
}

// popBuffered holds back until bufferedAheadFrames entries have been
// buffered once; from then on it behaves like fast, even if the depth
// later drops below the threshold.
func (b *VideoBuffer) popBuffered(nowMS int64) (Entry, bool) {
	if !b.bufferedPrimed {
		if b.st.len() < b.cfg.BufferedAheadFrames {
			return Entry{}, false
		}
		b.bufferedPrimed = true
	}
	return b.popFast()
}

// expectedNext computes the strictly expected next key for correctly
// mode.
func (b *VideoBuffer) expectedNext() Key {
	if !b.havePopped {
		return Key{0, 0}
	}
	g, o := b.lastPopped.GroupID, b.lastPopped.ObjectID
	if tail, ok := b.pendingEndGroupTail[g]; ok && o >= tail {
		return Key{g + 1, 0}
	}
	if b.cfg.KeyframeInterval != nil && o == uint64(*b.cfg.KeyframeInterval-1) {
		return Key{g + 1, 0}
	}
	return Key{g, o + 1}
}

func (b *VideoBuffer) popCorrectly(nowMS int64) (Entry, bool) {
	if nowMS-b.lastPopTimeMS < minInterPopIntervalMS && b.havePopped {
		return Entry{}, false
	}
	head, ok := b.st.head()
	if !ok {
		return Entry{}, false
	}
	if nowMS-head.InsertedAtMS < b.cfg.MinDelayMS {
		return Entry{}, false
	}

	expected := b.expectedNext()
	if head.Key == expected {
		e := b.st.popFront()
		b.markPopped(e, nowMS)
		return e, true
	}
	if head.ObjectID == 0 && (!b.havePopped || head.GroupID > b.lastPopped.GroupID) {
		e := b.st.popFront()
		b.cfg.Log.Warn("video jitter buffer resynced", "group", e.GroupID)
		b.markPopped(e, nowMS)
		return e, true
	}
	return Entry{}, false
}

func (b *VideoBuffer) markPopped(e Entry, nowMS int64) {
	if b.havePopped && e.GroupID != b.lastPopped.GroupID {
		delete(b.pendingEndGroupTail, b.lastPopped.GroupID)
	}
	b.lastPopped = e.Key
	b.havePopped = true
	b.lastPopTimeMS = nowMS
}

// Reset clears all buffered state and expected-sequence bookkeeping,
// e.g. on session teardown.
func (b *VideoBuffer) Reset() {
	b.st.clear()
	b.havePopped = false
	b.lastPopped = Key{}
	b.lastPopTimeMS = 0
	b.bufferedPrimed = false
	b.pendingEndGroupTail = make(map[uint64]uint64)
}

// AudioMode selects an audio jitter buffer's pop policy.
type AudioMode string

const (
	AudioModeOrdered AudioMode = "ordered"
	AudioModeLatest  AudioMode = "latest"
)

// AudioConfig parameterizes an AudioBuffer.
type AudioConfig struct {
	Mode     AudioMode
	Capacity int // 0 uses DefaultAudioCapacity
}

// AudioBuffer is the audio reorder/playout buffer.
type AudioBuffer struct {
	cfg        AudioConfig
	st         store
	poppedOnce bool
}

// NewAudioBuffer creates an audio buffer with cfg.
func NewAudioBuffer(cfg AudioConfig) *AudioBuffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultAudioCapacity
	}
	return &AudioBuffer{cfg: cfg, st: newStore(cfg.Capacity)}
}

// Push inserts e. Audio has no EndOfGroup-driven transitions; group
// jumps are accepted unconditionally.
func (b *AudioBuffer) Push(e Entry) bool {
	return b.st.insert(e)
}

func (b *AudioBuffer) BufferedFrames() int { return b.st.len() }
func (b *AudioBuffer) CapacityFrames() int { return b.cfg.Capacity }

// Pop returns the next entry per mode. ordered mode's first pop returns
// the latest buffered entry (cold-start catch-up) and subsequent pops
// drain the head in order; latest mode always returns the tail,
// discarding everything older.
func (b *AudioBuffer) Pop() (Entry, bool) {
	switch b.cfg.Mode {
	case AudioModeLatest:
		return b.popLatest()
	default:
		return b.popOrdered()
	}
}

func (b *AudioBuffer) popOrdered() (Entry, bool) {
	if b.st.len() == 0 {
		return Entry{}, false
	}
	if !b.poppedOnce {
		b.poppedOnce = true
		e, _ := b.st.tail()
		b.st.entries = b.st.entries[:len(b.st.entries)-1]
		return e, true
	}
	e := b.st.popFront()
	return e, true
}

func (b *AudioBuffer) popLatest() (Entry, bool) {
	if b.st.len() == 0 {
		return Entry{}, false
	}
	e, _ := b.st.tail()
	b.st.clear()
	return e, true
}

// Reset clears all buffered state.
func (b *AudioBuffer) Reset() {
	b.st.clear()
	b.poppedOnce = false
}
