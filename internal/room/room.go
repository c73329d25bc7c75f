// Package room holds the membership data model: the room roster of
// local and remote members, their announced/subscribed track state,
// and the subscribe-id allocator that makes subscribeId a pure
// function of a remote member's insertion order.
package room

import (
	"sync"

	"github.com/google/uuid"
)

// Role names a published/subscribed track slot.
type Role string

const (
	RoleChat        Role = "chat"
	RoleAudio       Role = "audio"
	RoleVideo       Role = "video"
	RoleScreenshare Role = "screenshare"
)

// TrackState records whether a track is currently announced and its
// MoQT track namespace.
type TrackState struct {
	IsAnnounced    bool
	TrackNamespace []string
}

// SubscriptionState records the subscribe lifecycle for one track.
// IsSubscribing and IsSubscribed are never both true.
type SubscriptionState struct {
	IsSubscribing bool
	IsSubscribed  bool
	SubscribeID   uint64
}

// LocalMember is this session's own identity within the room.
type LocalMember struct {
	ID   string
	Name string

	mu             sync.RWMutex
	publishedChat  bool
	publishedVideo bool
	publishedAudio bool
}

// NewLocalMember creates a local member with a generated UUID identity.
func NewLocalMember(name string) *LocalMember {
	return &LocalMember{ID: uuid.NewString(), Name: name}
}

// SetPublished updates whether this member is currently publishing the
// given role. Chat/video/audio are the only roles a local member
// publishes directly (screenshare is carried under the video role in
// the catalog, see internal/catalog).
func (m *LocalMember) SetPublished(role Role, published bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch role {
	case RoleChat:
		m.publishedChat = published
	case RoleVideo, RoleScreenshare:
		m.publishedVideo = published
	case RoleAudio:
		m.publishedAudio = published
	}
}

// Published reports the current publish state for chat/video/audio.
func (m *LocalMember) Published() (chat, video, audio bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishedChat, m.publishedVideo, m.publishedAudio
}

// RemoteMember represents a peer discovered via ANNOUNCE. It is created
// when the first ANNOUNCE for the member arrives and destroyed on
// UNANNOUNCE or transport loss.
type RemoteMember struct {
	ID   string
	Name string

	mu               sync.RWMutex
	announcedTracks  map[Role]*TrackState
	subscribedTracks map[Role]*SubscriptionState
	catalogSubID     uint64
}

func newRemoteMember(id, name string, baseSubID uint64, catalogSubID uint64) *RemoteMember {
	m := &RemoteMember{
		ID:               id,
		Name:             name,
		announcedTracks:  make(map[Role]*TrackState),
		subscribedTracks: make(map[Role]*SubscriptionState),
		catalogSubID:     catalogSubID,
	}
	// Reserve the contiguous block 3n, 3n+1, 3n+2 for chat/audio/video.
	m.subscribedTracks[RoleChat] = &SubscriptionState{SubscribeID: baseSubID}
	m.subscribedTracks[RoleAudio] = &SubscriptionState{SubscribeID: baseSubID + 1}
	m.subscribedTracks[RoleVideo] = &SubscriptionState{SubscribeID: baseSubID + 2}
	return m
}

// AnnouncedTrack returns the announced TrackState for role; ok is false
// when no TrackState has been recorded for role.
func (m *RemoteMember) AnnouncedTrack(role Role) (TrackState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.announcedTracks[role]
	if !ok {
		return TrackState{}, false
	}
	return *t, true
}

// SetAnnounced records that role has (or has not) been announced with
// the given namespace.
func (m *RemoteMember) SetAnnounced(role Role, namespace []string, announced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcedTracks[role] = &TrackState{IsAnnounced: announced, TrackNamespace: namespace}
}

// SubscriptionFor returns the reserved SubscriptionState for role. Only
// chat/audio/video carry reserved blocks; screenshare shares the video
// subscription slot since it is a subrole of video in the catalog.
func (m *RemoteMember) SubscriptionFor(role Role) (SubscriptionState, bool) {
	if role == RoleScreenshare {
		role = RoleVideo
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscribedTracks[role]
	if !ok {
		return SubscriptionState{}, false
	}
	return *s, true
}

// CatalogSubscribeID returns the subscribe id reserved for this
// member's catalog track. Catalog ids are allocated from a separate
// monotonically increasing counter, not from
// the 3n..3n+2 block, to avoid the ambiguous chatSubscribeId+1 collision
// the original client relied on.
func (m *RemoteMember) CatalogSubscribeID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalogSubID
}

// BeginSubscribing transitions role from idle to isSubscribing=true.
// No-op if already subscribing or subscribed.
func (m *RemoteMember) BeginSubscribing(role Role) {
	if role == RoleScreenshare {
		role = RoleVideo
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribedTracks[role]
	if !ok || s.IsSubscribing || s.IsSubscribed {
		return
	}
	s.IsSubscribing = true
}

// ConfirmSubscribed transitions role to isSubscribed=true.
func (m *RemoteMember) ConfirmSubscribed(role Role) {
	if role == RoleScreenshare {
		role = RoleVideo
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribedTracks[role]
	if !ok {
		return
	}
	s.IsSubscribing = false
	s.IsSubscribed = true
}

// EndSubscription resets role to the idle (not subscribing, not
// subscribed) state, e.g. on UNSUBSCRIBE or track loss.
func (m *RemoteMember) EndSubscription(role Role) {
	if role == RoleScreenshare {
		role = RoleVideo
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribedTracks[role]
	if !ok {
		return
	}
	s.IsSubscribing = false
	s.IsSubscribed = false
}

// Room is the membership roster for a named room. Every key of
// remoteMembers equals its value's ID, and the room never contains the
// local user.
type Room struct {
	Name  string
	Local *LocalMember

	mu            sync.RWMutex
	remoteMembers map[string]*RemoteMember
	insertOrder   []string        // stable insertion order, for subscribe-id allocation
	seenIDs       map[string]bool // every id ever inserted, so ids are never reused even across rejoin
	nextCatalogID uint64
}

// catalogIDBase offsets the catalog-id counter so it can never land in
// any member's 3n..3n+2 block.
const catalogIDBase uint64 = 1 << 32

// New creates a room with the given name and local identity.
func New(name string, local *LocalMember) *Room {
	return &Room{
		Name:          name,
		Local:         local,
		remoteMembers: make(map[string]*RemoteMember),
		seenIDs:       make(map[string]bool),
	}
}

// AddRemoteMember creates (or returns the existing) remote member for
// id/name. Self-announcements must be filtered by the caller before
// calling this (a Room never contains the local user). If id was seen
// before (e.g. a prior ANNOUNCE/UNANNOUNCE cycle for the same user),
// its original insertion-index subscribe-id block is reused rather
// than minted fresh, so a rejoin can't collide with a block already
// handed to a different member.
func (r *Room) AddRemoteMember(id, name string) *RemoteMember {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.remoteMembers[id]; ok {
		return m
	}

	var n int
	if r.seenIDs[id] {
		for i, seen := range r.insertOrder {
			if seen == id {
				n = i
				break
			}
		}
	} else {
		n = len(r.insertOrder)
		r.insertOrder = append(r.insertOrder, id)
		r.seenIDs[id] = true
	}

	baseSubID := uint64(3 * n)
	catalogID := catalogIDBase + r.nextCatalogID
	r.nextCatalogID++

	m := newRemoteMember(id, name, baseSubID, catalogID)
	r.remoteMembers[id] = m
	return m
}

// RemoveRemoteMember destroys the remote member, e.g. on UNANNOUNCE or
// transport loss. A subscribe-id block is never handed to a different
// member within a session: the member's slot in insertOrder is left in
// place, so a later member added after a removal still gets a fresh,
// unique block, and the same id rejoining gets its original block back.
func (r *Room) RemoveRemoteMember(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.remoteMembers, id)
}

// RemoteMember looks up a remote member by id.
func (r *Room) RemoteMember(id string) (*RemoteMember, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.remoteMembers[id]
	return m, ok
}

// RemoteMembers returns a snapshot slice of all current remote members.
func (r *Room) RemoteMembers() []*RemoteMember {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RemoteMember, 0, len(r.remoteMembers))
	for _, id := range r.insertOrder {
		if m, ok := r.remoteMembers[id]; ok {
			out = append(out, m)
		}
	}
	return out
}
