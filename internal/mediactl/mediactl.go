// Package mediactl binds the session controller, the publisher, and
// the subscriber into the one component that actually runs a call: it
// answers inbound SUBSCRIBE requests against the local catalog and
// roster, drives outbound SUBSCRIBE when the caller (UI or
// cmd/roomcall) decides to view a peer's track, and routes inbound
// subgroup-stream bytes to the right jitter buffer.
//
// Every requested track name is resolved against the catalog before an
// alias is granted. Namespaces are per member ([roomName, userName]);
// trackName is one of "catalog", "chat", or a catalog profile name
// such as "camera_1080p"/"screenshare_720p"/"audio_128".
package mediactl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-av/roomcall/internal/catalog"
	"github.com/kestrel-av/roomcall/internal/jitter"
	"github.com/kestrel-av/roomcall/internal/moq"
	"github.com/kestrel-av/roomcall/internal/moqsession"
	"github.com/kestrel-av/roomcall/internal/publish"
	"github.com/kestrel-av/roomcall/internal/room"
	"github.com/kestrel-av/roomcall/internal/subscribe"
)

// HTTP-flavored SUBSCRIBE_ERROR codes.
const (
	errCodeUnknownNamespace uint64 = 404
	errCodeUnknownTrack     uint64 = 404
)

// Per-role publisher priorities: lower values win contention on a
// congested link.
const (
	priorityVideo   byte = 100
	priorityAudio   byte = 50
	priorityChat    byte = 10
	priorityCatalog byte = 200
)

// Observer is the typed event-handler slot struct the media controller
// exposes to its caller: one handler per event kind, nil-checked like
// internal/subscribe.Observer.
// Every callback is scoped to the remote member and catalog track name
// the event came from.
type Observer struct {
	// OnRemoteCatalog fires after a peer's catalog object has been
	// received and parsed; the caller decides which per-role subscribes
	// to issue from it.
	OnRemoteCatalog func(remoteID string, cat catalog.Catalog)
	// OnLocalTrackSubscribed fires when a peer's SUBSCRIBE for one of
	// our catalog tracks has been granted; the caller applies the
	// track-specific encoder profile to its capture pipeline.
	OnLocalTrackSubscribed   func(track catalog.Track)
	OnReceiveLatencyMS       func(remoteID, trackName string, ms int64)
	OnPacketLoss             func(remoteID, trackName string, gap uint64)
	OnGroupEndedUnexpectedly func(remoteID, trackName string)
	OnRenderingRateFPS       func(remoteID, trackName string, fps float64)
	OnDecoderConfig          func(remoteID, trackName string, codec string)
	OnJitterBufferPush       func(remoteID, trackName string)
	OnJitterBufferPop        func(remoteID, trackName string)
}

func (o Observer) receiveLatency(remoteID, trackName string, ms int64) {
	if o.OnReceiveLatencyMS != nil {
		o.OnReceiveLatencyMS(remoteID, trackName, ms)
	}
}

func (o Observer) packetLoss(remoteID, trackName string, gap uint64) {
	if o.OnPacketLoss != nil {
		o.OnPacketLoss(remoteID, trackName, gap)
	}
}

func (o Observer) groupEndedUnexpectedly(remoteID, trackName string) {
	if o.OnGroupEndedUnexpectedly != nil {
		o.OnGroupEndedUnexpectedly(remoteID, trackName)
	}
}

func (o Observer) renderingRate(remoteID, trackName string, fps float64) {
	if o.OnRenderingRateFPS != nil {
		o.OnRenderingRateFPS(remoteID, trackName, fps)
	}
}

func (o Observer) decoderConfig(remoteID, trackName, codec string) {
	if o.OnDecoderConfig != nil {
		o.OnDecoderConfig(remoteID, trackName, codec)
	}
}

func (o Observer) jitterBufferPush(remoteID, trackName string) {
	if o.OnJitterBufferPush != nil {
		o.OnJitterBufferPush(remoteID, trackName)
	}
}

func (o Observer) jitterBufferPop(remoteID, trackName string) {
	if o.OnJitterBufferPop != nil {
		o.OnJitterBufferPop(remoteID, trackName)
	}
}

// priorityResolver is the subset of moqsession.Transport the media
// controller needs to assign per-alias publisher priority; satisfied
// by *moqsession.Transport.
type priorityResolver interface {
	SetPriority(alias uint64, priority byte)
}

// VideoDecoderFactory/AudioDecoderFactory construct one decoder per
// newly subscribed track.
type VideoDecoderFactory func(trackName string) subscribe.VideoDecoder
type AudioDecoderFactory func(trackName string) subscribe.AudioDecoder

// PlayoutConfig selects the jitter-buffer pop policies applied to
// every newly confirmed subscription. Zero values fall back to normal
// video mode and ordered audio mode. correctly mode additionally picks
// up the subscribed track's keyframe interval from the peer's catalog
// when one is advertised.
type PlayoutConfig struct {
	VideoMode           jitter.VideoMode
	VideoMinDelayMS     int64
	BufferedAheadFrames int
	AudioMode           jitter.AudioMode
}

// aliasRoute is what an inbound trackAlias resolves to for object
// dispatch: either a media subscriber, or the catalog sink.
type aliasRoute struct {
	isCatalog bool
	remoteID  string
	role      room.Role
	video     *subscribe.VideoSubscriber
	audio     *subscribe.AudioSubscriber
}

// Controller is the media controller.
type Controller struct {
	log       *slog.Logger
	sess      *moqsession.Controller
	pub       *publish.Publisher
	room      *room.Room
	transport priorityResolver

	videoDecoders VideoDecoderFactory
	audioDecoders AudioDecoderFactory
	playout       PlayoutConfig
	obs           Observer

	mu              sync.Mutex
	localAliases    map[string][]uint64         // local trackName -> subscriber aliases wanting it
	aliasRoutes     map[uint64]*aliasRoute
	pendingRequests map[uint64]pendingSubscribe // our outbound requestId -> what we asked for
	catalogBytes    []byte
	localCatalog    catalog.Catalog             // last catalog passed to SetLocalCatalog
	remoteCatalogs  map[string]catalog.Catalog  // remote member id -> its last parsed catalog
}

type pendingSubscribe struct {
	remoteID  string
	role      room.Role
	trackName string // the actual catalog track name requested, e.g. "camera_720p"
}

// New creates a media controller bound to sess, pub, the room roster
// rm, and transport (for per-alias publisher priority). videoDecoders/
// audioDecoders are consulted the first time a SUBSCRIBE_OK for a
// peer's video/audio track arrives. playout selects the jitter-buffer
// pop policies for confirmed subscriptions. obs receives the
// per-subscription events.
func New(sess *moqsession.Controller, pub *publish.Publisher, transport priorityResolver, rm *room.Room, videoDecoders VideoDecoderFactory, audioDecoders AudioDecoderFactory, playout PlayoutConfig, obs Observer, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if playout.VideoMode == "" {
		playout.VideoMode = jitter.VideoModeNormal
	}
	if playout.AudioMode == "" {
		playout.AudioMode = jitter.AudioModeOrdered
	}
	return &Controller{
		log:             log.With("component", "mediactl"),
		sess:            sess,
		pub:             pub,
		transport:       transport,
		room:            rm,
		videoDecoders:   videoDecoders,
		audioDecoders:   audioDecoders,
		playout:         playout,
		obs:             obs,
		localAliases:    make(map[string][]uint64),
		aliasRoutes:     make(map[uint64]*aliasRoute),
		pendingRequests: make(map[uint64]pendingSubscribe),
		remoteCatalogs:  make(map[string]catalog.Catalog),
	}
}

// SetPublisher binds the publisher used to reset a subscriber's alias
// bookkeeping on a fresh SUBSCRIBE. Callers that must break the
// mediactl/publish.Publisher construction cycle (the publisher's
// AliasResolver is this controller) call this once, immediately after
// constructing both.
func (c *Controller) SetPublisher(pub *publish.Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pub = pub
}

// AliasesForTrack implements publish.AliasResolver.
func (c *Controller) AliasesForTrack(trackName string) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.localAliases[trackName]...)
}

// SetLocalCatalog updates the bytes served to catalog subscribers,
// regenerated on every preset change. Every track in cat is stamped
// with this room/user's namespace unless it already declares one of
// its own.
func (c *Controller) SetLocalCatalog(cat catalog.Catalog, nowMS int64) error {
	namespace := []string{c.room.Name, c.room.Local.Name}
	full := catalog.Catalog{Tracks: catalog.WithChatTrack(catalog.WithNamespace(cat.Tracks, namespace))}

	c.mu.Lock()
	previous, havePrevious := c.localCatalog, c.catalogBytes != nil
	c.mu.Unlock()
	if havePrevious && catalog.Equal(full, previous) {
		return nil // unchanged, skip the redundant resend
	}

	data, err := catalog.Serialize(full, nowMS)
	if err != nil {
		return fmt.Errorf("mediactl: serialize catalog: %w", err)
	}
	c.mu.Lock()
	c.catalogBytes = data
	c.localCatalog = full
	aliases := append([]uint64(nil), c.localAliases["catalog"]...)
	c.mu.Unlock()

	for _, alias := range aliases {
		if err := c.sendCatalogTo(alias); err != nil {
			c.log.Warn("catalog resend failed", "alias", alias, "error", err)
		}
	}
	return nil
}

// lookupLocalTrack resolves trackName against the last catalog passed
// to SetLocalCatalog, the single source of truth for what a SUBSCRIBE
// against this session may legally ask for.
func (c *Controller) lookupLocalTrack(name string) (catalog.Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.localCatalog.Tracks {
		if t.Name == name {
			return t, true
		}
	}
	return catalog.Track{}, false
}

// remoteCatalogTrack resolves trackName against remoteID's last
// received catalog.
func (c *Controller) remoteCatalogTrack(remoteID, trackName string) (catalog.Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cat, ok := c.remoteCatalogs[remoteID]
	if !ok {
		return catalog.Track{}, false
	}
	for _, t := range cat.Tracks {
		if t.Name == trackName {
			return t, true
		}
	}
	return catalog.Track{}, false
}

// videoJitterConfig builds the jitter buffer configuration for a newly
// confirmed video subscription: the session's playout policy plus the
// subscribed track's keyframe interval, when the peer's catalog
// advertises one (correctly mode uses it as the group-boundary
// fallback when no EndOfGroup arrives).
func (c *Controller) videoJitterConfig(remoteID, trackName string) jitter.VideoConfig {
	cfg := jitter.VideoConfig{
		Mode:                c.playout.VideoMode,
		MinDelayMS:          c.playout.VideoMinDelayMS,
		BufferedAheadFrames: c.playout.BufferedAheadFrames,
		Log:                 c.log,
	}
	if track, ok := c.remoteCatalogTrack(remoteID, trackName); ok && track.KeyframeInterval > 0 {
		ki := track.KeyframeInterval
		cfg.KeyframeInterval = &ki
	}
	return cfg
}

// HandleAnnounce reacts to a peer's namespace appearing under the
// room's SUBSCRIBE_ANNOUNCES prefix.
func (c *Controller) HandleAnnounce(namespace []string) {
	if len(namespace) != 2 {
		return
	}
	userName := namespace[1]
	c.room.AddRemoteMember(userName, userName)
	c.log.Info("peer announced", "user", userName)
}

// HandleUnannounce reacts to a peer's namespace withdrawing.
func (c *Controller) HandleUnannounce(namespace []string) {
	if len(namespace) != 2 {
		return
	}
	c.room.RemoveRemoteMember(namespace[1])
	c.log.Info("peer unannounced", "user", namespace[1])
}

// HandleIncomingSubscribe answers a SUBSCRIBE a peer sent us.
func (c *Controller) HandleIncomingSubscribe(localRoomName, localUserName string, requestID uint64, namespace []string, trackName string) {
	if len(namespace) != 2 || namespace[0] != localRoomName || namespace[1] != localUserName {
		_ = c.sess.RespondSubscribeError(requestID, errCodeUnknownNamespace, moq.ErrUnknownNamespace.Error())
		return
	}

	alias := requestID // the request id doubles as the track alias for locally-originated tracks

	switch trackName {
	case "catalog":
		c.mu.Lock()
		c.localAliases["catalog"] = appendUnique(c.localAliases["catalog"], alias)
		c.mu.Unlock()
		if c.transport != nil {
			c.transport.SetPriority(alias, priorityCatalog)
		}
		if err := c.sess.RespondSubscribeOK(requestID, alias); err != nil {
			c.log.Warn("SUBSCRIBE_OK write failed", "error", err)
			return
		}
		if err := c.sendCatalogTo(alias); err != nil {
			c.log.Warn("initial catalog send failed", "alias", alias, "error", err)
		}

	default:
		track, found := c.lookupLocalTrack(trackName)
		if !found {
			_ = c.sess.RespondSubscribeError(requestID, errCodeUnknownTrack, moq.ErrUnknownTrack.Error())
			return
		}
		c.mu.Lock()
		c.localAliases[trackName] = appendUnique(c.localAliases[trackName], alias)
		c.mu.Unlock()
		if c.transport != nil {
			c.transport.SetPriority(alias, priorityForRole(track.Role))
		}
		c.pub.ResetTrack(alias)
		if err := c.sess.RespondSubscribeOK(requestID, alias); err != nil {
			c.log.Warn("SUBSCRIBE_OK write failed", "error", err)
		}
		if c.obs.OnLocalTrackSubscribed != nil {
			c.obs.OnLocalTrackSubscribed(track)
		}
	}
}

// HandleIncomingUnsubscribe removes a peer's registered alias from
// every local track it had subscribed to and clears the publisher's
// per-alias counters so a resubscribe starts from a fresh subgroup
// header.
func (c *Controller) HandleIncomingUnsubscribe(requestID uint64) {
	c.mu.Lock()
	for name, aliases := range c.localAliases {
		c.localAliases[name] = removeValue(aliases, requestID)
	}
	pub := c.pub
	c.mu.Unlock()
	if pub != nil {
		pub.ResetTrack(requestID)
	}
}

// SubscribeToPeer sends an outbound SUBSCRIBE for member's default
// track in role, e.g. when the UI asks to view a peer's camera; the
// controller never auto-subscribes. The wire track name is
// resolved against member's last received catalog — the highest-
// bitrate camera/screenshare/audio profile of role — and
// falls back to a generic role name when no catalog has arrived yet
// or the catalog lists no track for role. Callers that want a specific profile (e.g. the UI stepping a
// viewer down to a lower bitrate) call SubscribeToPeerTrack instead.
func (c *Controller) SubscribeToPeer(roomName string, member *room.RemoteMember, role room.Role) error {
	c.mu.Lock()
	cat, known := c.remoteCatalogs[member.ID]
	c.mu.Unlock()

	trackName, resolved := "", false
	if known {
		trackName, resolved = defaultTrackName(cat, role)
	}
	if !resolved {
		trackName = trackNameForRole(role)
	}
	return c.SubscribeToPeerTrack(roomName, member, role, trackName)
}

// SubscribeToPeerTrack sends an outbound SUBSCRIBE for member's
// trackName using role's subscribe-id slot.
func (c *Controller) SubscribeToPeerTrack(roomName string, member *room.RemoteMember, role room.Role, trackName string) error {
	sub, ok := member.SubscriptionFor(role)
	if !ok {
		return fmt.Errorf("mediactl: no subscription slot for role %s", role)
	}
	if sub.IsSubscribing || sub.IsSubscribed {
		return nil // idempotent: a subscribe for this slot is already in flight or confirmed
	}
	member.BeginSubscribing(role)

	c.mu.Lock()
	c.pendingRequests[sub.SubscribeID] = pendingSubscribe{remoteID: member.ID, role: role, trackName: trackName}
	c.mu.Unlock()

	return c.sess.Subscribe(sub.SubscribeID, []string{roomName, member.Name}, trackName, moq.FilterNextGroupStart)
}

// catalogSubscribeTimeout bounds how long an outbound catalog SUBSCRIBE
// may stay unanswered before it is abandoned. The member
// entry is preserved so the caller can retry.
const catalogSubscribeTimeout = 5 * time.Second

// SubscribeToCatalog sends an outbound SUBSCRIBE for member's catalog
// track, using the room's separately-allocated catalog subscribe id.
func (c *Controller) SubscribeToCatalog(roomName string, member *room.RemoteMember) error {
	reqID := member.CatalogSubscribeID()
	c.mu.Lock()
	c.pendingRequests[reqID] = pendingSubscribe{remoteID: member.ID, role: ""}
	c.mu.Unlock()

	time.AfterFunc(catalogSubscribeTimeout, func() {
		c.mu.Lock()
		_, stillPending := c.pendingRequests[reqID]
		if stillPending {
			delete(c.pendingRequests, reqID)
		}
		c.mu.Unlock()
		if stillPending {
			c.log.Warn("catalog subscribe timed out", "user", member.Name)
		}
	})

	return c.sess.Subscribe(reqID, []string{roomName, member.Name}, "catalog", moq.FilterLatestObject)
}

// HandleSubscribeResult reacts to SUBSCRIBE_OK/SUBSCRIBE_ERROR for a
// SUBSCRIBE this controller sent, wiring up the jitter buffer and
// decoder for a newly confirmed media subscription.
func (c *Controller) HandleSubscribeResult(requestID uint64, ok bool, trackAlias uint64, reason string) {
	c.mu.Lock()
	pending, known := c.pendingRequests[requestID]
	if known {
		delete(c.pendingRequests, requestID)
	}
	c.mu.Unlock()
	if !known {
		return
	}

	member, found := c.room.RemoteMember(pending.remoteID)
	if !found {
		return
	}

	if !ok {
		if pending.role != "" {
			member.EndSubscription(pending.role)
		}
		c.log.Warn("peer rejected SUBSCRIBE", "user", member.Name, "role", pending.role, "reason", reason)
		return
	}

	if pending.role == "" {
		// Catalog subscription: route object bytes without a decoder.
		c.mu.Lock()
		c.aliasRoutes[trackAlias] = &aliasRoute{isCatalog: true, remoteID: pending.remoteID}
		c.mu.Unlock()
		return
	}

	member.ConfirmSubscribed(pending.role)

	trackName := pending.trackName
	if trackName == "" {
		trackName = trackNameForRole(pending.role)
	}
	remoteID := pending.remoteID
	subObs := subscribe.Observer{
		OnReceiveLatencyMS:       func(ms int64) { c.obs.receiveLatency(remoteID, trackName, ms) },
		OnPacketLoss:             func(gap uint64) { c.obs.packetLoss(remoteID, trackName, gap) },
		OnGroupEndedUnexpectedly: func() { c.obs.groupEndedUnexpectedly(remoteID, trackName) },
		OnRenderingRateFPS:       func(fps float64) { c.obs.renderingRate(remoteID, trackName, fps) },
		OnDecoderConfig:          func(codec string) { c.obs.decoderConfig(remoteID, trackName, codec) },
		OnJitterBufferPush:       func() { c.obs.jitterBufferPush(remoteID, trackName) },
		OnJitterBufferPop:        func() { c.obs.jitterBufferPop(remoteID, trackName) },
	}

	route := &aliasRoute{remoteID: pending.remoteID, role: pending.role}
	switch pending.role {
	case room.RoleVideo, room.RoleScreenshare:
		dec := c.videoDecoders(trackName)
		buf := jitter.NewVideoBuffer(c.videoJitterConfig(pending.remoteID, trackName))
		route.video = subscribe.NewVideoSubscriber(trackName, buf, dec, subObs, c.log)
		if track, ok := c.remoteCatalogTrack(pending.remoteID, trackName); ok && track.Codec != "" {
			route.video.SetCatalogCodec(track.Codec)
		}
	case room.RoleAudio:
		dec := c.audioDecoders(trackName)
		buf := jitter.NewAudioBuffer(jitter.AudioConfig{Mode: c.playout.AudioMode})
		route.audio = subscribe.NewAudioSubscriber(trackName, buf, dec, subObs, c.log)
	}

	c.mu.Lock()
	c.aliasRoutes[trackAlias] = route
	c.mu.Unlock()
}

// HandleObjectStream reads every SUBGROUP_STREAM_OBJECT off an inbound
// stream and dispatches it to whatever alias route owns trackAlias.
func (c *Controller) HandleObjectStream(trackAlias, groupID, subgroupID uint64, _ byte, r moqsession.StreamReader) {
	c.mu.Lock()
	route, ok := c.aliasRoutes[trackAlias]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("object stream for unknown alias", "alias", trackAlias)
		return
	}

	for {
		objectID, payload, status, locHeader, err := moqsession.ReadSubgroupObject(r)
		if err != nil {
			return
		}
		nowMS := time.Now().UnixMilli()

		if route.isCatalog {
			cat, err := catalog.Parse(payload)
			if err != nil {
				c.log.Warn("bad catalog payload", "error", err)
				continue
			}
			c.mu.Lock()
			c.remoteCatalogs[route.remoteID] = cat
			c.mu.Unlock()
			c.log.Info("catalog updated", "user", route.remoteID, "tracks", len(cat.Tracks))
			if c.obs.OnRemoteCatalog != nil {
				c.obs.OnRemoteCatalog(route.remoteID, cat)
			}
			continue
		}

		switch {
		case route.video != nil:
			route.video.OnSubgroupObject(nowMS, groupID, objectID, status, locHeader, payload)
		case route.audio != nil:
			route.audio.OnSubgroupObject(nowMS, groupID, objectID, status, locHeader, payload)
		}
	}
}

// DrivePlayout pops and decodes one eligible entry from every active
// subscriber's jitter buffer; callers run it on a steady tick (pop
// policies are time-driven, not push-driven).
func (c *Controller) DrivePlayout(nowMS int64) {
	c.mu.Lock()
	routes := make([]*aliasRoute, 0, len(c.aliasRoutes))
	for _, r := range c.aliasRoutes {
		routes = append(routes, r)
	}
	c.mu.Unlock()

	for _, r := range routes {
		switch {
		case r.video != nil:
			r.video.PopAndDecode(nowMS)
		case r.audio != nil:
			r.audio.PopAndDecode()
		}
	}
}

func (c *Controller) sendCatalogTo(alias uint64) error {
	c.mu.Lock()
	data := c.catalogBytes
	c.mu.Unlock()
	if data == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := c.sess.OpenSubgroupStream(ctx, alias, 0, 0, 0)
	if err != nil {
		return err
	}
	if err := moqsession.WriteSubgroupObject(stream, 0, data, uint8(publish.ObjectStatusNormal), nil); err != nil {
		_ = stream.Close()
		return err
	}
	return stream.Close()
}

// priorityForRole maps a catalog track's role to its per-alias
// publisher priority, regardless of which profile the track is:
// priority is a property of the media kind, not the bitrate.
func priorityForRole(role catalog.Role) byte {
	switch role {
	case catalog.RoleVideo:
		return priorityVideo
	case catalog.RoleAudio:
		return priorityAudio
	case catalog.RoleChat:
		return priorityChat
	default:
		return priorityCatalog
	}
}

// defaultTrackName resolves role against cat's tracks, screenshare-
// aware: RoleScreenshare and RoleVideo both select among catalog.RoleVideo
// tracks but are disjoint by catalog.Track.IsScreenshare. Within
// the matching subset the highest-bitrate track wins, falling back to
// the first listed if none declare a bitrate.
func defaultTrackName(cat catalog.Catalog, role room.Role) (string, bool) {
	switch role {
	case room.RoleChat:
		return "chat", true
	case room.RoleAudio:
		t, ok := catalog.SelectDefault(cat, catalog.RoleAudio)
		return t.Name, ok
	case room.RoleVideo, room.RoleScreenshare:
		wantScreenshare := role == room.RoleScreenshare
		var best catalog.Track
		found := false
		for _, t := range cat.Tracks {
			if t.Role != catalog.RoleVideo || t.IsScreenshare() != wantScreenshare {
				continue
			}
			if !found || t.Bitrate > best.Bitrate {
				best = t
				found = true
			}
		}
		return best.Name, found
	default:
		return "", false
	}
}

// trackNameForRole returns the generic wire name for role, used only
// as a last resort when no catalog has arrived yet to resolve a real
// profile name against.
func trackNameForRole(role room.Role) string {
	switch role {
	case room.RoleChat:
		return "chat"
	case room.RoleAudio:
		return "audio"
	case room.RoleVideo, room.RoleScreenshare:
		return "video"
	default:
		return string(role)
	}
}

func appendUnique(s []uint64, v uint64) []uint64 {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}

func removeValue(s []uint64, v uint64) []uint64 {
	out := s[:0]
	for _, existing := range s {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}
