// Command roomcall is a headless room participant: it joins a room
// over MoQT, publishes a synthetic camera/microphone profile set,
// subscribes to every announced peer's catalog, and logs jitter-
// buffer/latency/packet-loss/rendering-rate/decoder-config events to
// stderr. It is the non-UI stand-in for a browser client: env-var
// config overridable by flags, errgroup-supervised components,
// signal-driven shutdown.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-av/roomcall/internal/catalog"
	"github.com/kestrel-av/roomcall/internal/encoding"
	"github.com/kestrel-av/roomcall/internal/jitter"
	"github.com/kestrel-av/roomcall/internal/mediactl"
	"github.com/kestrel-av/roomcall/internal/moqsession"
	"github.com/kestrel-av/roomcall/internal/publish"
	"github.com/kestrel-av/roomcall/internal/room"
	"github.com/kestrel-av/roomcall/internal/subscribe"
	"github.com/kestrel-av/roomcall/internal/txstate"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	var (
		serverAddr = flag.String("server", envOr("ROOMCALL_SERVER", "localhost:4443"), "MoQT relay address (host:port)")
		roomName   = flag.String("room", envOr("ROOMCALL_ROOM", "lobby"), "room name")
		userName   = flag.String("user", envOr("ROOMCALL_USER", "guest"), "display name")
		insecure   = flag.Bool("insecure", envOr("ROOMCALL_INSECURE", "") != "", "skip TLS certificate verification (self-signed relay)")

		videoJitter = flag.String("video-jitter", envOr("ROOMCALL_VIDEO_JITTER", "correctly"), "video jitter buffer mode: fast, normal, buffered, correctly")
		videoDelay  = flag.Int("video-delay-ms", envOrInt("ROOMCALL_VIDEO_DELAY_MS", 0), "minimum video playout delay in milliseconds")
		videoAhead  = flag.Int("video-buffered-ahead", envOrInt("ROOMCALL_VIDEO_BUFFERED_AHEAD", 3), "frames buffered before playout starts in buffered mode")
		audioJitter = flag.String("audio-jitter", envOr("ROOMCALL_AUDIO_JITTER", "ordered"), "audio jitter buffer mode: ordered, latest")
	)
	flag.Parse()

	log.Info("roomcall starting", "version", version, "server", *serverAddr, "room", *roomName, "user", *userName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, log, runConfig{
		ServerAddr: *serverAddr,
		RoomName:   *roomName,
		UserName:   *userName,
		Insecure:   *insecure,
		Playout: mediactl.PlayoutConfig{
			VideoMode:           jitter.VideoMode(*videoJitter),
			VideoMinDelayMS:     int64(*videoDelay),
			BufferedAheadFrames: *videoAhead,
			AudioMode:           jitter.AudioMode(*audioJitter),
		},
	}); err != nil {
		log.Error("roomcall exited with error", "error", err)
		os.Exit(1)
	}
}

type runConfig struct {
	ServerAddr string
	RoomName   string
	UserName   string
	Insecure   bool
	Playout    mediactl.PlayoutConfig
}

func run(ctx context.Context, log *slog.Logger, cfg runConfig) error {
	rm := room.New(cfg.RoomName, room.NewLocalMember(cfg.UserName))
	state := txstate.New()

	var tlsConfig *tls.Config
	if cfg.Insecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec — opt-in for self-signed relays
	}

	var mc *mediactl.Controller
	sessObs := moqsession.Observer{
		OnStateChange: func(s moqsession.State) { log.Info("session state", "state", s.String()) },
		OnAnnounce: func(ns []string) {
			mc.HandleAnnounce(ns)
			// Acting as the UI stand-in, fetch the peer's catalog right
			// away; per-role subscribes follow once it arrives.
			if len(ns) == 2 {
				if member, ok := rm.RemoteMember(ns[1]); ok {
					if err := mc.SubscribeToCatalog(cfg.RoomName, member); err != nil {
						log.Warn("catalog subscribe failed", "peer", ns[1], "error", err)
					}
				}
			}
		},
		OnUnannounce: func(ns []string) {
			mc.HandleUnannounce(ns)
		},
		OnIncomingSubscribe: func(requestID uint64, ns []string, trackName string) {
			mc.HandleIncomingSubscribe(cfg.RoomName, cfg.UserName, requestID, ns, trackName)
		},
		OnIncomingUnsubscribe: func(requestID uint64) {
			mc.HandleIncomingUnsubscribe(requestID)
		},
		OnSubscribeResult: func(requestID uint64, ok bool, trackAlias uint64, reason string) {
			mc.HandleSubscribeResult(requestID, ok, trackAlias, reason)
		},
		OnObjectStream: func(trackAlias, groupID, subgroupID uint64, priority byte, r moqsession.StreamReader) {
			mc.HandleObjectStream(trackAlias, groupID, subgroupID, priority, r)
		},
		OnClosed: func(err error) {
			if err != nil {
				log.Warn("session closed", "error", err)
			}
		},
	}

	sess := moqsession.New(moqsession.Config{
		ServerAddr: cfg.ServerAddr,
		TLSConfig:  tlsConfig,
		RoomName:   cfg.RoomName,
		UserName:   cfg.UserName,
	}, sessObs, log)

	transport := moqsession.NewTransport(sess)

	cameraTracks := catalog.SeedCameraTracks()
	audioTracks := catalog.SeedAudioTracks()

	videoSources := make(map[string]*encoding.SyntheticVideoSource, len(cameraTracks))
	for _, t := range cameraTracks {
		videoSources[t.Name] = encoding.NewSyntheticVideoSource(t.Name, t.Codec, encoding.DefaultAVCDescriptionBase64(), t.KeyframeInterval)
	}
	audioSources := make(map[string]*encoding.SyntheticAudioSource, len(audioTracks))
	for _, t := range audioTracks {
		src := encoding.NewSyntheticAudioSource(t.Name, t.Codec, t.SampleRate, channelCount(t.ChannelConfig))
		src.SetUpdateInterval(string(t.AudioStreamUpdateMode), t.AudioStreamUpdateIntervalSeconds)
		audioSources[t.Name] = src
	}

	var pub *publish.Publisher
	mediaObs := mediactl.Observer{
		// A granted per-track SUBSCRIBE applies that track's encoder
		// profile to the matching capture pipeline.
		OnLocalTrackSubscribed: func(track catalog.Track) {
			src, ok := videoSources[track.Name]
			if !ok {
				return
			}
			if err := pub.ApplyEncoderConfig(track.Name, src, track.Codec, track.Bitrate, track.Width, track.Height); err != nil {
				log.Warn("encoder config rejected", "track", track.Name, "error", err)
			}
		},
		OnRemoteCatalog: func(remoteID string, cat catalog.Catalog) {
			member, ok := rm.RemoteMember(remoteID)
			if !ok {
				return
			}
			for _, role := range []room.Role{room.RoleVideo, room.RoleAudio} {
				if err := mc.SubscribeToPeer(cfg.RoomName, member, role); err != nil {
					log.Warn("subscribe to peer failed", "peer", remoteID, "role", role, "error", err)
				}
			}
		},
		OnReceiveLatencyMS: func(remoteID, trackName string, ms int64) {
			log.Debug("receive latency", "peer", remoteID, "track", trackName, "ms", ms)
		},
		OnPacketLoss: func(remoteID, trackName string, gap uint64) {
			log.Warn("packet loss", "peer", remoteID, "track", trackName, "gap", gap)
		},
		OnGroupEndedUnexpectedly: func(remoteID, trackName string) {
			log.Warn("group ended unexpectedly", "peer", remoteID, "track", trackName)
		},
		OnRenderingRateFPS: func(remoteID, trackName string, fps float64) {
			log.Debug("rendering rate", "peer", remoteID, "track", trackName, "fps", fps)
		},
		OnDecoderConfig: func(remoteID, trackName, codec string) {
			log.Info("decoder configured", "peer", remoteID, "track", trackName, "codec", codec)
		},
		OnJitterBufferPush: func(remoteID, trackName string) {
			log.Debug("jitter buffer push", "peer", remoteID, "track", trackName)
		},
		OnJitterBufferPop: func(remoteID, trackName string) {
			log.Debug("jitter buffer pop", "peer", remoteID, "track", trackName)
		},
	}

	// mediactl.AliasesForTrack only reads localAliases, which is safe to
	// resolve against before pub exists; pub itself is wired in below
	// once both sides of the mutual dependency are constructed.
	mc = mediactl.New(sess, nil, transport, rm, videoDecoderFactory, audioDecoderFactory, cfg.Playout, mediaObs, log)
	pub = publish.New(transport, mc, state, log)
	mc.SetPublisher(pub)

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	cat := catalog.WithChatTrack(append(append([]catalog.Track(nil), cameraTracks...), audioTracks...))
	if err := mc.SetLocalCatalog(catalog.Catalog{Tracks: cat}, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("set local catalog: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sess.Run(ctx)
	})

	g.Go(func() error {
		return sess.AcceptObjectStreams(ctx)
	})

	g.Go(func() error {
		return publishSyntheticMedia(ctx, pub, videoSources, audioSources)
	})

	g.Go(func() error {
		return drivePlayout(ctx, mc)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// publishSyntheticMedia feeds one synthetic source per advertised
// camera/audio catalog profile into the publisher at a fixed rate,
// standing in for a real capture pipeline that encodes every
// advertised bitrate profile in parallel.
func publishSyntheticMedia(ctx context.Context, pub *publish.Publisher, videoSources map[string]*encoding.SyntheticVideoSource, audioSources map[string]*encoding.SyntheticAudioSource) error {
	videoTicker := time.NewTicker(time.Second / 30)
	defer videoTicker.Stop()
	audioTicker := time.NewTicker(20 * time.Millisecond)
	defer audioTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-videoTicker.C:
			now := time.Now().UnixMicro()
			pub.AssociateCaptureTimestamp(now, now)
			for _, src := range videoSources {
				pub.PublishVideoChunk(src.Next(now))
			}
		case <-audioTicker.C:
			now := time.Now().UnixMicro()
			pub.AssociateCaptureTimestamp(now, now)
			for _, src := range audioSources {
				pub.PublishAudioChunk(src.Next(now))
			}
		}
	}
}

// channelCount parses a catalog track's channelConfig (a decimal
// channel count, e.g. "2" or "1") into an int, defaulting to stereo
// when absent or malformed.
func channelCount(channelConfig string) int {
	n, err := strconv.Atoi(channelConfig)
	if err != nil || n <= 0 {
		return 2
	}
	return n
}

// drivePlayout pops and decodes every active subscriber's jitter buffer
// on a steady tick.
func drivePlayout(ctx context.Context, mc *mediactl.Controller) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mc.DrivePlayout(time.Now().UnixMilli())
		}
	}
}

func videoDecoderFactory(trackName string) subscribe.VideoDecoder {
	return &encoding.PassthroughVideoDecoder{}
}

func audioDecoderFactory(trackName string) subscribe.AudioDecoder {
	return &encoding.PassthroughAudioDecoder{}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
