// Package txstate tracks the sender-side MoQT framing counters for a
// single session: per-track group/object/subgroup bookkeeping and the
// per-alias "have I sent this yet" flags that keep subgroup headers
// and codec metadata from being resent needlessly. All operations are
// total: bookkeeping helpers never fail.
package txstate

import "sync"

// subgroupState tracks which track aliases have received a
// SUBGROUP_STREAM_HEADER for the current group's subgroup.
type subgroupState struct {
	sentAliases map[uint64]struct{}
}

// trackCounters holds the group/object counters for one local track name.
type trackCounters struct {
	groupID   uint64
	objectID  uint64
	subgroups map[uint64]*subgroupState
}

func newTrackCounters() *trackCounters {
	return &trackCounters{subgroups: make(map[uint64]*subgroupState)}
}

func (t *trackCounters) subgroup(id uint64) *subgroupState {
	sg, ok := t.subgroups[id]
	if !ok {
		sg = &subgroupState{sentAliases: make(map[uint64]struct{})}
		t.subgroups[id] = sg
	}
	return sg
}

// State is the per-session media transport state. Safe
// for concurrent use: the publisher's per-media serial queues each
// touch a disjoint track name, but ResetAlias and inspection can come
// from the media controller concurrently.
type State struct {
	mu             sync.Mutex
	tracks         map[string]*trackCounters
	audioCodecSent map[uint64]struct{} // trackAlias -> codec already sent on first object
	videoCodecSent map[uint64]struct{} // trackAlias -> codec already sent on first object
}

// New creates an empty transport state.
func New() *State {
	return &State{
		tracks:         make(map[string]*trackCounters),
		audioCodecSent: make(map[uint64]struct{}),
		videoCodecSent: make(map[uint64]struct{}),
	}
}

func (s *State) track(name string) *trackCounters {
	t, ok := s.tracks[name]
	if !ok {
		t = newTrackCounters()
		s.tracks[name] = t
	}
	return t
}

// EnsureVideoSubgroup and EnsureAudioSubgroup are idempotent: they
// simply guarantee bookkeeping exists for (trackName, subgroupID)
// without mutating counters.
func (s *State) EnsureVideoSubgroup(trackName string, subgroupID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(trackName).subgroup(subgroupID)
}

func (s *State) EnsureAudioSubgroup(trackName string) {
	s.EnsureVideoSubgroup(trackName, 0)
}

// CurrentGroup returns the track's current groupID.
func (s *State) CurrentGroup(trackName string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track(trackName).groupID
}

// CurrentObject returns the track's current objectID.
func (s *State) CurrentObject(trackName string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track(trackName).objectID
}

// AdvanceVideoGroup increments groupID, resets objectID to zero, and
// clears every subgroup's sent-aliases set so headers are resent for
// the new group.
func (s *State) AdvanceVideoGroup(trackName string) (newGroupID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.track(trackName)
	t.groupID++
	t.objectID = 0
	for _, sg := range t.subgroups {
		sg.sentAliases = make(map[uint64]struct{})
	}
	return t.groupID
}

// IncrementVideoObject and IncrementAudioObject advance the per-track
// object counter and return the object id that was just allocated.
// The counter never wraps within a session: it is a u64.
func (s *State) IncrementVideoObject(trackName string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.track(trackName)
	id := t.objectID
	t.objectID++
	return id
}

func (s *State) IncrementAudioObject(trackName string) uint64 {
	return s.IncrementVideoObject(trackName)
}

// HasVideoHeaderSent reports whether a SUBGROUP_STREAM_HEADER has
// already been sent to alias on (trackName, subgroupID) in the current group.
func (s *State) HasVideoHeaderSent(trackName string, subgroupID, alias uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg := s.track(trackName).subgroup(subgroupID)
	_, ok := sg.sentAliases[alias]
	return ok
}

// MarkVideoHeaderSent idempotently records that alias has received the
// header for (trackName, subgroupID) in the current group.
func (s *State) MarkVideoHeaderSent(trackName string, subgroupID, alias uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg := s.track(trackName).subgroup(subgroupID)
	sg.sentAliases[alias] = struct{}{}
}

// ShouldSendAudioCodec reports whether codec/description metadata has
// not yet been sent for this alias — true only for the first audio
// object after registration.
func (s *State) ShouldSendAudioCodec(alias uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, sent := s.audioCodecSent[alias]
	return !sent
}

// MarkAudioCodecSent idempotently records that codec metadata has been
// sent for alias.
func (s *State) MarkAudioCodecSent(alias uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioCodecSent[alias] = struct{}{}
}

// ShouldSendVideoCodec reports whether codec/description metadata has
// not yet been sent for this alias — true only for the first video
// object after registration.
func (s *State) ShouldSendVideoCodec(alias uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, sent := s.videoCodecSent[alias]
	return !sent
}

// MarkVideoCodecSent idempotently records that codec metadata has been
// sent for alias.
func (s *State) MarkVideoCodecSent(alias uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoCodecSent[alias] = struct{}{}
}

// ResetAlias removes every trace of alias: its header-sent flags across
// every track/subgroup and its audio- and video-codec-sent flags. Called when the
// remote unsubscribes or is lost.
func (s *State) ResetAlias(alias uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		for _, sg := range t.subgroups {
			delete(sg.sentAliases, alias)
		}
	}
	delete(s.audioCodecSent, alias)
	delete(s.videoCodecSent, alias)
}
