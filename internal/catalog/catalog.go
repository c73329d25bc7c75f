// Package catalog implements the MSF-style catalog model (draft-ietf-moq-msf-00):
// the per-room track list a publisher advertises, preset seed tracks,
// parse/serialize, and role resolution.
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the media kind a catalog track carries.
type Role string

const (
	RoleVideo Role = "video"
	RoleAudio Role = "audio"
	RoleChat  Role = "chat"
)

// AudioStreamUpdateMode controls when an audio track's group advances.
type AudioStreamUpdateMode string

const (
	AudioUpdateSingle   AudioStreamUpdateMode = "single"
	AudioUpdateInterval AudioStreamUpdateMode = "interval"
)

// screensharePrefix is the literal name prefix that marks a video track
// as the screenshare subrole.
const screensharePrefix = "screenshare"

// Track describes one track a publisher currently offers.
type Track struct {
	Namespace                        []string // MoQT track namespace tuple, e.g. [roomName, userName]; required on every entry
	Name                             string
	Packaging                        string   // wire packaging, e.g. "loc" or "eventtimeline"; defaulted by role in Serialize when empty
	Label                            string
	Role                             Role
	Codec                            string
	Bitrate                          int
	Width                            int
	Height                           int
	KeyframeInterval                 int
	SampleRate                       int
	ChannelConfig                    string
	AudioStreamUpdateMode            AudioStreamUpdateMode
	AudioStreamUpdateIntervalSeconds int
	IsLive                           bool
	Depends                          []string // chat's dependency list
}

// IsScreenshare reports whether t is the screenshare subrole of the
// video role: name begins with the literal prefix "screenshare" and
// role == video.
func (t Track) IsScreenshare() bool {
	return t.Role == RoleVideo && strings.HasPrefix(t.Name, screensharePrefix)
}

// Catalog is the full set of tracks a publisher currently offers.
type Catalog struct {
	Tracks []Track
}

// namePreset describes one seed preset's static parameters; bitrate and
// resolution/samplerate vary per profile.
type namePreset struct {
	suffix           string
	label            string
	codec            string
	bitrate          int
	width, height    int
	keyframeInterval int
	sampleRate       int
	channelConfig    string
}

var cameraPresets = []namePreset{
	{suffix: "1080p", label: "1080p", codec: "avc1.640032", bitrate: 1_000_000, width: 1920, height: 1080, keyframeInterval: 60},
	{suffix: "720p", label: "720p", codec: "avc1.64001f", bitrate: 600_000, width: 1280, height: 720, keyframeInterval: 60},
	{suffix: "480p", label: "480p", codec: "avc1.64000c", bitrate: 300_000, width: 854, height: 480, keyframeInterval: 60},
}

var screensharePresets = []namePreset{
	{suffix: "1080p", label: "1080p", codec: "avc1.640032", bitrate: 1_000_000, width: 1920, height: 1080, keyframeInterval: 120},
	{suffix: "720p", label: "720p", codec: "avc1.64001f", bitrate: 600_000, width: 1280, height: 720, keyframeInterval: 120},
	{suffix: "480p", label: "480p", codec: "avc1.64000c", bitrate: 300_000, width: 854, height: 480, keyframeInterval: 120},
}

var audioPresets = []namePreset{
	{suffix: "128", label: "128 kbps", codec: "opus", bitrate: 128_000, sampleRate: 48000, channelConfig: "2"},
	{suffix: "64", label: "64 kbps", codec: "opus", bitrate: 64_000, sampleRate: 48000, channelConfig: "2"},
	{suffix: "32", label: "32 kbps", codec: "opus", bitrate: 32_000, sampleRate: 48000, channelConfig: "1"},
}

// SeedCameraTracks returns the preset camera tracks: 1080p/720p/480p.
func SeedCameraTracks() []Track {
	return buildVideoPresets("camera", cameraPresets)
}

// SeedScreenshareTracks returns the preset screenshare tracks: 1080p/720p/480p.
func SeedScreenshareTracks() []Track {
	return buildVideoPresets(screensharePrefix, screensharePresets)
}

// SeedAudioTracks returns the preset audio tracks: 128/64/32 kbps.
func SeedAudioTracks() []Track {
	tracks := make([]Track, 0, len(audioPresets))
	for _, p := range audioPresets {
		tracks = append(tracks, Track{
			Name:                             fmt.Sprintf("audio_%s", p.suffix),
			Label:                            p.label,
			Role:                             RoleAudio,
			Codec:                            p.codec,
			Bitrate:                          p.bitrate,
			SampleRate:                       p.sampleRate,
			ChannelConfig:                    p.channelConfig,
			AudioStreamUpdateMode:            AudioUpdateInterval,
			AudioStreamUpdateIntervalSeconds: 2,
			IsLive:                           true,
		})
	}
	return tracks
}

func buildVideoPresets(namePrefix string, presets []namePreset) []Track {
	tracks := make([]Track, 0, len(presets))
	for _, p := range presets {
		tracks = append(tracks, Track{
			Name:             fmt.Sprintf("%s_%s", namePrefix, p.suffix),
			Label:            p.label,
			Role:             RoleVideo,
			Codec:            p.codec,
			Bitrate:          p.bitrate,
			Width:            p.width,
			Height:           p.height,
			KeyframeInterval: p.keyframeInterval,
			IsLive:           true,
		})
	}
	return tracks
}

// WithNamespace returns a copy of tracks with namespace stamped onto
// every entry that doesn't already carry one of its own.
func WithNamespace(tracks []Track, namespace []string) []Track {
	out := make([]Track, len(tracks))
	for i, t := range tracks {
		if len(t.Namespace) == 0 {
			t.Namespace = namespace
		}
		out[i] = t
	}
	return out
}

// WithChatTrack returns a copy of tracks with a chat virtual track
// appended if one isn't already present, depending on every other
// track name.
func WithChatTrack(tracks []Track) []Track {
	for _, t := range tracks {
		if t.Role == RoleChat {
			return tracks
		}
	}
	deps := make([]string, 0, len(tracks))
	for _, t := range tracks {
		deps = append(deps, t.Name)
	}
	out := make([]Track, len(tracks), len(tracks)+1)
	copy(out, tracks)
	out = append(out, Track{
		Name:    "chat",
		Label:   "chat",
		Role:    RoleChat,
		IsLive:  true,
		Depends: deps,
	})
	return out
}

// wireTrack is the MSF-Catalog v1 JSON shape for one track.
type wireTrack struct {
	Namespace     string   `json:"namespace,omitempty"`
	Name          string   `json:"name"`
	Packaging     string   `json:"packaging,omitempty"`
	Role          Role     `json:"role"`
	IsLive        bool     `json:"isLive"`
	Label         string   `json:"label,omitempty"`
	Codec         string   `json:"codec,omitempty"`
	Bitrate       int      `json:"bitrate,omitempty"`
	Width         int      `json:"width,omitempty"`
	Height        int      `json:"height,omitempty"`
	SampleRate    int      `json:"samplerate,omitempty"`
	ChannelConfig string   `json:"channelConfig,omitempty"`
	MimeType      string   `json:"mimeType,omitempty"`
	EventType     string   `json:"eventType,omitempty"`
	Depends       []string `json:"depends,omitempty"`
}

// wireCatalog is the MSF-Catalog v1 top-level document.
type wireCatalog struct {
	Version     int         `json:"version"`
	GeneratedAt int64       `json:"generatedAt"`
	IsComplete  bool        `json:"isComplete"`
	Tracks      []wireTrack `json:"tracks"`
}

// Serialize encodes the catalog as MSF-Catalog v1 JSON. nowMS is the
// generation timestamp in Unix milliseconds, supplied by the caller
// since this package must stay free of wall-clock reads to remain
// deterministic and testable.
func Serialize(c Catalog, nowMS int64) ([]byte, error) {
	wc := wireCatalog{Version: 1, GeneratedAt: nowMS, IsComplete: true}
	for _, t := range WithChatTrack(c.Tracks) {
		wt := wireTrack{
			Namespace:     strings.Join(t.Namespace, "/"),
			Name:          t.Name,
			Packaging:     t.Packaging,
			Role:          t.Role,
			IsLive:        t.IsLive,
			Label:         t.Label,
			Codec:         t.Codec,
			Bitrate:       t.Bitrate,
			Width:         t.Width,
			Height:        t.Height,
			SampleRate:    t.SampleRate,
			ChannelConfig: t.ChannelConfig,
		}
		if wt.Packaging == "" {
			wt.Packaging = defaultPackaging(t.Role)
		}
		if t.Role == RoleChat {
			wt.MimeType = "application/json"
			wt.EventType = "com.skyway.chat.v1"
			wt.Depends = t.Depends
		}
		wc.Tracks = append(wc.Tracks, wt)
	}
	return json.Marshal(wc)
}

// defaultPackaging is the wire packaging a track carries when its
// publisher didn't set one explicitly: LOC-wrapped objects for the
// media roles (internal/loc), the chat event-timeline format for chat.
func defaultPackaging(role Role) string {
	switch role {
	case RoleChat:
		return "eventtimeline"
	default:
		return "loc"
	}
}

// Parse decodes MSF-Catalog v1 JSON. It is tolerant: a missing role is
// inferred from the name prefix (video/audio, or the literal "chat"),
// and entries whose role still can't be determined are skipped.
func Parse(data []byte) (Catalog, error) {
	var wc wireCatalog
	if err := json.Unmarshal(data, &wc); err != nil {
		return Catalog{}, fmt.Errorf("catalog: parse: %w", err)
	}

	var c Catalog
	for _, wt := range wc.Tracks {
		role := wt.Role
		if role == "" {
			role = inferRole(wt.Name)
		}
		if role != RoleVideo && role != RoleAudio && role != RoleChat {
			continue // malformed entry, skip
		}
		var namespace []string
		if wt.Namespace != "" {
			namespace = strings.Split(wt.Namespace, "/")
		}
		c.Tracks = append(c.Tracks, Track{
			Namespace:     namespace,
			Name:          wt.Name,
			Packaging:     wt.Packaging,
			Label:         wt.Label,
			Role:          role,
			Codec:         wt.Codec,
			Bitrate:       wt.Bitrate,
			Width:         wt.Width,
			Height:        wt.Height,
			SampleRate:    wt.SampleRate,
			ChannelConfig: wt.ChannelConfig,
			IsLive:        wt.IsLive,
			Depends:       wt.Depends,
		})
	}
	return c, nil
}

func inferRole(name string) Role {
	switch {
	case name == "chat":
		return RoleChat
	case strings.HasPrefix(name, "video") || strings.HasPrefix(name, screensharePrefix) || strings.HasPrefix(name, "camera"):
		return RoleVideo
	case strings.HasPrefix(name, "audio"):
		return RoleAudio
	default:
		return ""
	}
}

// SelectDefault picks the default profile for a role: the
// highest-bitrate track of that role, falling back to the first
// listed track of that role if none declare a bitrate.
func SelectDefault(c Catalog, role Role) (Track, bool) {
	var best Track
	found := false
	var first Track
	haveFirst := false

	for _, t := range c.Tracks {
		if t.Role != role {
			continue
		}
		if !haveFirst {
			first = t
			haveFirst = true
		}
		if !found || t.Bitrate > best.Bitrate {
			best = t
			found = true
		}
	}
	if found && best.Bitrate > 0 {
		return best, true
	}
	if haveFirst {
		return first, true
	}
	return Track{}, false
}

// Equal reports whether two catalogs serialize identically, ignoring
// the generatedAt timestamp. Used by the media controller to skip
// resending an unchanged catalog.
func Equal(a, b Catalog) bool {
	aJSON, err1 := Serialize(a, 0)
	bJSON, err2 := Serialize(b, 0)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(aJSON) == string(bJSON)
}
