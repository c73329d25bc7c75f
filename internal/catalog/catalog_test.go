package catalog

import "testing"

func TestSeedPresetsHaveExpectedCounts(t *testing.T) {
	t.Parallel()
	if n := len(SeedCameraTracks()); n != 3 {
		t.Fatalf("camera presets = %d, want 3", n)
	}
	if n := len(SeedScreenshareTracks()); n != 3 {
		t.Fatalf("screenshare presets = %d, want 3", n)
	}
	if n := len(SeedAudioTracks()); n != 3 {
		t.Fatalf("audio presets = %d, want 3", n)
	}
}

func TestIsScreenshareByNamePrefix(t *testing.T) {
	t.Parallel()
	for _, tr := range SeedScreenshareTracks() {
		if !tr.IsScreenshare() {
			t.Fatalf("track %q should be screenshare", tr.Name)
		}
	}
	for _, tr := range SeedCameraTracks() {
		if tr.IsScreenshare() {
			t.Fatalf("track %q should not be screenshare", tr.Name)
		}
	}
}

func TestWithChatTrackIsIdempotentAndDependsOnAll(t *testing.T) {
	t.Parallel()
	tracks := append(SeedCameraTracks(), SeedAudioTracks()...)
	withChat := WithChatTrack(tracks)
	if len(withChat) != len(tracks)+1 {
		t.Fatalf("len = %d, want %d", len(withChat), len(tracks)+1)
	}
	chat := withChat[len(withChat)-1]
	if chat.Role != RoleChat || chat.Name != "chat" {
		t.Fatalf("expected trailing chat track, got %+v", chat)
	}
	if len(chat.Depends) != len(tracks) {
		t.Fatalf("chat depends on %d tracks, want %d", len(chat.Depends), len(tracks))
	}

	again := WithChatTrack(withChat)
	if len(again) != len(withChat) {
		t.Fatal("WithChatTrack must be idempotent once a chat track exists")
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	t.Parallel()
	c := Catalog{Tracks: append(SeedCameraTracks(), SeedAudioTracks()[0])}
	data, err := Serialize(c, 1_700_000_000_000)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// +1 for the auto-appended chat track.
	if len(got.Tracks) != len(c.Tracks)+1 {
		t.Fatalf("parsed %d tracks, want %d", len(got.Tracks), len(c.Tracks)+1)
	}
}

func TestParseInfersRoleFromNamePrefix(t *testing.T) {
	t.Parallel()
	data := []byte(`{"version":1,"tracks":[
		{"name":"camera_720p"},
		{"name":"audio_64"},
		{"name":"chat"},
		{"name":"mystery_blob"}
	]}`)
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// mystery_blob has no inferable role and must be skipped.
	if len(got.Tracks) != 3 {
		t.Fatalf("parsed %d tracks, want 3 (malformed entry skipped)", len(got.Tracks))
	}
	roles := map[string]Role{}
	for _, tr := range got.Tracks {
		roles[tr.Name] = tr.Role
	}
	if roles["camera_720p"] != RoleVideo {
		t.Fatalf("camera_720p role = %q, want video", roles["camera_720p"])
	}
	if roles["audio_64"] != RoleAudio {
		t.Fatalf("audio_64 role = %q, want audio", roles["audio_64"])
	}
	if roles["chat"] != RoleChat {
		t.Fatalf("chat role = %q, want chat", roles["chat"])
	}
}

func TestParseMalformedJSONErrors(t *testing.T) {
	t.Parallel()
	if _, err := Parse([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestSelectDefaultPicksHighestBitrate(t *testing.T) {
	t.Parallel()
	c := Catalog{Tracks: SeedCameraTracks()}
	best, ok := SelectDefault(c, RoleVideo)
	if !ok {
		t.Fatal("expected a default video track")
	}
	if best.Name != "camera_1080p" {
		t.Fatalf("default = %q, want camera_1080p (highest bitrate)", best.Name)
	}
}

func TestSelectDefaultFallsBackToFirstWhenNoBitrate(t *testing.T) {
	t.Parallel()
	c := Catalog{Tracks: []Track{
		{Name: "video_a", Role: RoleVideo},
		{Name: "video_b", Role: RoleVideo},
	}}
	best, ok := SelectDefault(c, RoleVideo)
	if !ok || best.Name != "video_a" {
		t.Fatalf("default = %+v, ok=%v, want video_a", best, ok)
	}
}

func TestSelectDefaultNoTracksOfRole(t *testing.T) {
	t.Parallel()
	c := Catalog{Tracks: SeedCameraTracks()}
	if _, ok := SelectDefault(c, RoleAudio); ok {
		t.Fatal("expected no default audio track")
	}
}

func TestSerializeStampsNamespaceAndDefaultPackaging(t *testing.T) {
	t.Parallel()
	tracks := WithNamespace(SeedCameraTracks(), []string{"lobby", "alice"})
	data, err := Serialize(Catalog{Tracks: tracks}, 0)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, tr := range got.Tracks {
		if tr.Role == RoleChat {
			if tr.Packaging != "eventtimeline" {
				t.Fatalf("chat packaging = %q, want eventtimeline", tr.Packaging)
			}
			continue
		}
		if len(tr.Namespace) != 2 || tr.Namespace[0] != "lobby" || tr.Namespace[1] != "alice" {
			t.Fatalf("track %q namespace = %v, want [lobby alice]", tr.Name, tr.Namespace)
		}
		if tr.Packaging != "loc" {
			t.Fatalf("track %q packaging = %q, want loc", tr.Name, tr.Packaging)
		}
	}
}

func TestWithNamespaceDoesNotOverrideExisting(t *testing.T) {
	t.Parallel()
	tracks := []Track{{Name: "camera_720p", Role: RoleVideo, Namespace: []string{"room2", "bob"}}}
	got := WithNamespace(tracks, []string{"lobby", "alice"})
	if len(got[0].Namespace) != 2 || got[0].Namespace[0] != "room2" {
		t.Fatalf("namespace overridden: %v", got[0].Namespace)
	}
}

func TestEqualIgnoresTimestamp(t *testing.T) {
	t.Parallel()
	a := Catalog{Tracks: SeedCameraTracks()}
	b := Catalog{Tracks: SeedCameraTracks()}
	if !Equal(a, b) {
		t.Fatal("expected equal catalogs with identical tracks")
	}

	c := Catalog{Tracks: SeedAudioTracks()}
	if Equal(a, c) {
		t.Fatal("expected different catalogs to compare unequal")
	}
}
