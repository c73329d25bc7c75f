// Package moqsession owns the one MoQT connection a room participant
// keeps open: the CLIENT_SETUP/SERVER_SETUP handshake, the
// ANNOUNCE/SUBSCRIBE_ANNOUNCES room-membership exchange, and the
// control-message read loop that turns inbound ANNOUNCE/SUBSCRIBE
// traffic into calls on an Observer. It also owns the
// subgroup-stream transport the publisher and subscriber ride on.
//
// The shape is one persistent control stream with a mutex-guarded
// writer and a goroutine dispatching on message type. A room member
// plays both directions: it announces its own namespace and subscribes
// to the room's announce prefix, and it both sends SUBSCRIBE (to view
// peers) and answers it (when peers view it).
package moqsession

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/kestrel-av/roomcall/internal/moq"
)

// maxRequestID is the request-id quota advertised in CLIENT_SETUP.
const maxRequestID = 1 << 20

// State is a position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Observer is the typed event-handler slot struct the media controller
// (or, ultimately, the UI) registers to react to session events. Unset
// slots are no-ops, matching the pattern in internal/subscribe.Observer.
type Observer struct {
	OnStateChange func(State)
	// OnAnnounce fires when a peer's namespace appears under the room's
	// SUBSCRIBE_ANNOUNCES prefix. namespace is always [roomName, userName].
	OnAnnounce func(namespace []string)
	// OnUnannounce fires when a previously announced namespace withdraws.
	OnUnannounce func(namespace []string)
	// OnIncomingSubscribe fires for a SUBSCRIBE a peer sent us. The
	// handler must answer via RespondSubscribeOK or RespondSubscribeError.
	OnIncomingSubscribe func(requestID uint64, namespace []string, trackName string)
	// OnIncomingUnsubscribe fires when a peer cancels a prior SUBSCRIBE.
	OnIncomingUnsubscribe func(requestID uint64)
	// OnSubscribeResult fires when a SUBSCRIBE this session sent gets a
	// SUBSCRIBE_OK (ok=true, trackAlias set) or SUBSCRIBE_ERROR (ok=false).
	OnSubscribeResult func(requestID uint64, ok bool, trackAlias uint64, reason string)
	// OnObjectStream fires once per freshly accepted inbound subgroup
	// stream, after its header has been read. The handler owns reading
	// the rest of the stream with ReadSubgroupObject.
	OnObjectStream func(trackAlias, groupID, subgroupID uint64, priority byte, r StreamReader)
	OnClosed       func(error)
}

func (o Observer) stateChange(s State) {
	if o.OnStateChange != nil {
		o.OnStateChange(s)
	}
}

// StreamReader is the minimal reader interface ReadSubgroupObject needs:
// an io.Reader that is also an io.ByteReader, which webtransport-go's
// receive streams satisfy.
type StreamReader interface {
	Read(p []byte) (int, error)
	ReadByte() (byte, error)
}

// Config configures a Controller. TLSConfig is expected to trust the
// relay's certificate (e.g. pinned via fingerprint for a self-signed
// relay); this package does no certificate generation itself.
type Config struct {
	ServerAddr string
	Path       string // optional CLIENT_SETUP PATH parameter
	TLSConfig  *tls.Config

	RoomName string
	UserName string
}

// Controller drives a single MoQT session for one room participant.
type Controller struct {
	cfg Config
	log *slog.Logger
	obs Observer

	mu            sync.Mutex
	state         State
	session       *webtransport.Session
	control       *webtransport.Stream
	controlReader *bufio.Reader

	nextRequestID uint64
}

// New creates a Controller. Call Connect, then Run in a goroutine (or
// under an errgroup), to drive it.
func New(cfg Config, obs Observer, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Controller{cfg: cfg, obs: obs, log: log.With("component", "moqsession")}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.obs.stateChange(s)
}

// Connect dials the relay, performs CLIENT_SETUP/SERVER_SETUP, and
// announces this member's namespace plus a SUBSCRIBE_ANNOUNCES for the
// room prefix. It returns once SERVER_SETUP and both ANNOUNCE_OK/
// SUBSCRIBE_ANNOUNCES_OK have been observed (or an error/rejection).
func (c *Controller) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	d := webtransport.Dialer{
		TLSClientConfig: c.cfg.TLSConfig,
		QUICConfig: &quic.Config{
			EnableDatagrams: true,
		},
	}

	_, sess, err := d.Dial(ctx, "https://"+c.cfg.ServerAddr, http.Header{})
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("moqsession: dial: %w", err)
	}

	control, err := sess.OpenStream()
	if err != nil {
		sess.CloseWithError(0, "control stream open failed")
		c.setState(StateDisconnected)
		return fmt.Errorf("moqsession: open control stream: %w", err)
	}

	c.mu.Lock()
	c.session = sess
	c.control = control
	c.controlReader = bufio.NewReader(control)
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	if err := c.announceLocal(); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	if err := c.subscribeAnnouncesRoom(); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateReady)
	return nil
}

// handshake sends CLIENT_SETUP and waits for SERVER_SETUP.
func (c *Controller) handshake() error {
	cs := moq.ClientSetup{
		Versions:     []uint64{moq.Version},
		Path:         c.cfg.Path,
		HasPath:      c.cfg.Path != "",
		MaxRequestID: maxRequestID,
	}
	if err := c.writeControl(moq.MsgClientSetup, moq.SerializeClientSetup(cs)); err != nil {
		return fmt.Errorf("moqsession: write CLIENT_SETUP: %w", err)
	}

	msgType, payload, err := moq.ReadControlMsg(c.controlReader)
	if err != nil {
		return fmt.Errorf("moqsession: read SERVER_SETUP: %w", err)
	}
	if msgType != moq.MsgServerSetup {
		return fmt.Errorf("moqsession: expected SERVER_SETUP, got 0x%x", msgType)
	}
	ss, err := moq.ParseServerSetup(payload)
	if err != nil {
		return fmt.Errorf("moqsession: parse SERVER_SETUP: %w", err)
	}
	if ss.SelectedVersion != moq.Version {
		return fmt.Errorf("%w: server selected 0x%x", moq.ErrVersionMismatch, ss.SelectedVersion)
	}
	return nil
}

// announceLocal sends ANNOUNCE for [roomName, userName] and waits for
// ANNOUNCE_OK/ANNOUNCE_ERROR.
func (c *Controller) announceLocal() error {
	reqID := c.allocRequestID()
	a := moq.Announce{RequestID: reqID, Namespace: []string{c.cfg.RoomName, c.cfg.UserName}}
	if err := c.writeControl(moq.MsgAnnounce, moq.SerializeAnnounce(a)); err != nil {
		return fmt.Errorf("moqsession: write ANNOUNCE: %w", err)
	}

	msgType, payload, err := moq.ReadControlMsg(c.controlReader)
	if err != nil {
		return fmt.Errorf("moqsession: read ANNOUNCE response: %w", err)
	}
	switch msgType {
	case moq.MsgAnnounceOK:
		_, err := moq.ParseAnnounceOK(payload)
		return err
	case moq.MsgAnnounceError:
		ae, err := moq.ParseAnnounceError(payload)
		if err != nil {
			return err
		}
		return fmt.Errorf("moqsession: ANNOUNCE rejected: %d %s", ae.ErrorCode, ae.ReasonPhrase)
	default:
		return fmt.Errorf("moqsession: expected ANNOUNCE_OK/ERROR, got 0x%x", msgType)
	}
}

// subscribeAnnouncesRoom sends SUBSCRIBE_ANNOUNCES for the room's
// namespace prefix so every other member's ANNOUNCE is forwarded here.
func (c *Controller) subscribeAnnouncesRoom() error {
	reqID := c.allocRequestID()
	sa := moq.SubscribeAnnounces{RequestID: reqID, NamespacePrefix: []string{c.cfg.RoomName}}
	if err := c.writeControl(moq.MsgSubscribeAnnounces, moq.SerializeSubscribeAnnounces(sa)); err != nil {
		return fmt.Errorf("moqsession: write SUBSCRIBE_ANNOUNCES: %w", err)
	}

	msgType, payload, err := moq.ReadControlMsg(c.controlReader)
	if err != nil {
		return fmt.Errorf("moqsession: read SUBSCRIBE_ANNOUNCES response: %w", err)
	}
	switch msgType {
	case moq.MsgSubscribeAnnouncesOK:
		return nil
	case moq.MsgSubscribeAnnouncesError:
		sae, err := moq.ParseSubscribeAnnouncesError(payload)
		if err != nil {
			return err
		}
		return fmt.Errorf("moqsession: SUBSCRIBE_ANNOUNCES rejected: %d %s", sae.ErrorCode, sae.ReasonPhrase)
	default:
		return fmt.Errorf("moqsession: expected SUBSCRIBE_ANNOUNCES_OK/ERROR, got 0x%x", msgType)
	}
}

// Run drives the control read loop until ctx is cancelled or a fatal
// read error occurs, then sends GOAWAY and transitions to Disconnected.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 1)
	go func() { loopErr <- c.readControlLoop(ctx) }()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-loopErr:
	}

	c.setState(StateDisconnecting)
	c.mu.Lock()
	if c.control != nil {
		_ = c.writeControlLocked(moq.MsgGoAway, moq.SerializeGoAway(moq.GoAway{}))
	}
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		sess.CloseWithError(0, "session closed")
	}
	c.setState(StateDisconnected)
	if c.obs.OnClosed != nil {
		c.obs.OnClosed(err)
	}
	return err
}

// readControlLoop reads and dispatches inbound control messages.
func (c *Controller) readControlLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgType, payload, err := moq.ReadControlMsg(c.controlReader)
		if err != nil {
			return fmt.Errorf("moqsession: control read: %w", err)
		}

		switch msgType {
		case moq.MsgAnnounce:
			a, err := moq.ParseAnnounce(payload)
			if err != nil {
				c.log.Warn("bad ANNOUNCE", "error", err)
				continue
			}
			c.mu.Lock()
			_ = c.writeControlLocked(moq.MsgAnnounceOK, moq.SerializeAnnounceOK(moq.AnnounceOK{RequestID: a.RequestID}))
			c.mu.Unlock()
			if c.obs.OnAnnounce != nil {
				c.obs.OnAnnounce(a.Namespace)
			}

		case moq.MsgUnannounce:
			u, err := moq.ParseUnannounce(payload)
			if err != nil {
				c.log.Warn("bad UNANNOUNCE", "error", err)
				continue
			}
			if c.obs.OnUnannounce != nil {
				c.obs.OnUnannounce(u.Namespace)
			}

		case moq.MsgSubscribe:
			s, err := moq.ParseSubscribe(payload)
			if err != nil {
				c.log.Warn("bad SUBSCRIBE", "error", err)
				continue
			}
			if c.obs.OnIncomingSubscribe != nil {
				c.obs.OnIncomingSubscribe(s.RequestID, s.Namespace, s.TrackName)
			}

		case moq.MsgUnsubscribe:
			u, err := moq.ParseUnsubscribe(payload)
			if err != nil {
				c.log.Warn("bad UNSUBSCRIBE", "error", err)
				continue
			}
			if c.obs.OnIncomingUnsubscribe != nil {
				c.obs.OnIncomingUnsubscribe(u.RequestID)
			}

		case moq.MsgSubscribeOK:
			sok, err := moq.ParseSubscribeOK(payload)
			if err != nil {
				c.log.Warn("bad SUBSCRIBE_OK", "error", err)
				continue
			}
			if c.obs.OnSubscribeResult != nil {
				c.obs.OnSubscribeResult(sok.RequestID, true, sok.TrackAlias, "")
			}

		case moq.MsgSubscribeError:
			se, err := moq.ParseSubscribeError(payload)
			if err != nil {
				c.log.Warn("bad SUBSCRIBE_ERROR", "error", err)
				continue
			}
			if c.obs.OnSubscribeResult != nil {
				c.obs.OnSubscribeResult(se.RequestID, false, 0, se.ReasonPhrase)
			}

		case moq.MsgGoAway:
			return fmt.Errorf("moqsession: peer sent GOAWAY")

		default:
			c.log.Debug("unhandled control message", "type", msgType)
		}
	}
}

// Subscribe sends a SUBSCRIBE for trackName under namespace, using the
// reserved subscribeId/requestId the room roster already allocated.
func (c *Controller) Subscribe(requestID uint64, namespace []string, trackName string, filter uint64) error {
	s := moq.Subscribe{
		RequestID:  requestID,
		Namespace:  namespace,
		TrackName:  trackName,
		Priority:   128,
		GroupOrder: moq.GroupOrderAscending,
		FilterType: filter,
	}
	return c.writeControl(moq.MsgSubscribe, moq.SerializeSubscribe(s))
}

// Unsubscribe cancels a SUBSCRIBE previously sent with requestID.
func (c *Controller) Unsubscribe(requestID uint64) error {
	return c.writeControl(moq.MsgUnsubscribe, moq.SerializeUnsubscribe(moq.Unsubscribe{RequestID: requestID}))
}

// RespondSubscribeOK answers an inbound SUBSCRIBE with SUBSCRIBE_OK.
func (c *Controller) RespondSubscribeOK(requestID, trackAlias uint64) error {
	sok := moq.SubscribeOK{RequestID: requestID, TrackAlias: trackAlias, GroupOrder: moq.GroupOrderAscending}
	return c.writeControl(moq.MsgSubscribeOK, moq.SerializeSubscribeOK(sok))
}

// RespondSubscribeError answers an inbound SUBSCRIBE with SUBSCRIBE_ERROR.
func (c *Controller) RespondSubscribeError(requestID, errorCode uint64, reason string) error {
	se := moq.SubscribeError{RequestID: requestID, ErrorCode: errorCode, ReasonPhrase: reason}
	return c.writeControl(moq.MsgSubscribeError, moq.SerializeSubscribeError(se))
}

// OpenSubgroupStream opens a new unidirectional stream and writes its
// SUBGROUP_STREAM_HEADER, returning the stream for subsequent
// WriteSubgroupObject calls. The caller (the publish.Transport adapter)
// is responsible for closing it when the subgroup ends.
func (c *Controller) OpenSubgroupStream(ctx context.Context, trackAlias, groupID, subgroupID uint64, priority byte) (*webtransport.SendStream, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("moqsession: not connected")
	}

	stream, err := sess.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("moqsession: open uni stream: %w", err)
	}
	if err := WriteSubgroupHeader(stream, trackAlias, groupID, subgroupID, priority); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("moqsession: write subgroup header: %w", err)
	}
	return stream, nil
}

// AcceptObjectStreams runs until ctx is cancelled, accepting inbound
// unidirectional streams, reading their subgroup header, and invoking
// Observer.OnObjectStream for each one.
func (c *Controller) AcceptObjectStreams(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("moqsession: not connected")
	}

	for {
		stream, err := sess.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("moqsession: accept uni stream: %w", err)
		}
		go c.handleObjectStream(stream)
	}
}

func (c *Controller) handleObjectStream(r *webtransport.ReceiveStream) {
	br := bufio.NewReader(r)
	alias, group, subgroup, priority, err := ReadSubgroupHeader(br)
	if err != nil {
		c.log.Debug("dropping stream with bad subgroup header", "error", err)
		return
	}
	if c.obs.OnObjectStream != nil {
		c.obs.OnObjectStream(alias, group, subgroup, priority, br)
	}
}

func (c *Controller) allocRequestID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextRequestID
	c.nextRequestID++
	return id
}

func (c *Controller) writeControl(msgType uint64, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeControlLocked(msgType, payload)
}

func (c *Controller) writeControlLocked(msgType uint64, payload []byte) error {
	if c.control == nil {
		return fmt.Errorf("moqsession: control stream not open")
	}
	return moq.WriteControlMsg(c.control, msgType, payload)
}
