package room

import "testing"

func TestSubscribeIDAllocation(t *testing.T) {
	t.Parallel()
	r := New("demo", NewLocalMember("alice"))

	bob := r.AddRemoteMember("bob", "bob")
	carol := r.AddRemoteMember("carol", "carol")

	bobChat, _ := bob.SubscriptionFor(RoleChat)
	bobAudio, _ := bob.SubscriptionFor(RoleAudio)
	bobVideo, _ := bob.SubscriptionFor(RoleVideo)
	if bobChat.SubscribeID != 0 || bobAudio.SubscribeID != 1 || bobVideo.SubscribeID != 2 {
		t.Fatalf("bob (index 0) ids = %d/%d/%d, want 0/1/2", bobChat.SubscribeID, bobAudio.SubscribeID, bobVideo.SubscribeID)
	}

	carolChat, _ := carol.SubscriptionFor(RoleChat)
	carolAudio, _ := carol.SubscriptionFor(RoleAudio)
	carolVideo, _ := carol.SubscriptionFor(RoleVideo)
	if carolChat.SubscribeID != 3 || carolAudio.SubscribeID != 4 || carolVideo.SubscribeID != 5 {
		t.Fatalf("carol (index 1) ids = %d/%d/%d, want 3/4/5", carolChat.SubscribeID, carolAudio.SubscribeID, carolVideo.SubscribeID)
	}

	if bob.CatalogSubscribeID() == carol.CatalogSubscribeID() {
		t.Fatal("catalog subscribe ids must be unique per member")
	}
	// Catalog ids must never collide with the 3n..3n+2 block.
	for _, id := range []uint64{bobChat.SubscribeID, bobAudio.SubscribeID, bobVideo.SubscribeID,
		carolChat.SubscribeID, carolAudio.SubscribeID, carolVideo.SubscribeID} {
		if id == bob.CatalogSubscribeID() || id == carol.CatalogSubscribeID() {
			t.Fatalf("catalog id collided with reserved block id %d", id)
		}
	}
}

func TestScreenshareSharesVideoSlot(t *testing.T) {
	t.Parallel()
	r := New("demo", NewLocalMember("alice"))
	bob := r.AddRemoteMember("bob", "bob")

	video, _ := bob.SubscriptionFor(RoleVideo)
	screenshare, _ := bob.SubscriptionFor(RoleScreenshare)
	if video.SubscribeID != screenshare.SubscribeID {
		t.Fatalf("screenshare subscribe id %d should equal video's %d", screenshare.SubscribeID, video.SubscribeID)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	t.Parallel()
	r := New("demo", NewLocalMember("alice"))
	bob := r.AddRemoteMember("bob", "bob")

	bob.BeginSubscribing(RoleVideo)
	s, _ := bob.SubscriptionFor(RoleVideo)
	if !s.IsSubscribing || s.IsSubscribed {
		t.Fatalf("expected isSubscribing=true isSubscribed=false, got %+v", s)
	}

	bob.ConfirmSubscribed(RoleVideo)
	s, _ = bob.SubscriptionFor(RoleVideo)
	if s.IsSubscribing || !s.IsSubscribed {
		t.Fatalf("expected isSubscribing=false isSubscribed=true, got %+v", s)
	}

	bob.EndSubscription(RoleVideo)
	s, _ = bob.SubscriptionFor(RoleVideo)
	if s.IsSubscribing || s.IsSubscribed {
		t.Fatalf("expected both false after end, got %+v", s)
	}
}

func TestRemoveAndRejoinPreservesBlock(t *testing.T) {
	t.Parallel()
	r := New("demo", NewLocalMember("alice"))
	bob := r.AddRemoteMember("bob", "bob")
	bobVideo, _ := bob.SubscriptionFor(RoleVideo)

	r.RemoveRemoteMember("bob")
	if _, ok := r.RemoteMember("bob"); ok {
		t.Fatal("expected bob removed")
	}

	// carol joins while bob is gone, taking the next fresh block.
	carol := r.AddRemoteMember("carol", "carol")
	carolVideo, _ := carol.SubscriptionFor(RoleVideo)
	if carolVideo.SubscribeID == bobVideo.SubscribeID {
		t.Fatal("carol must not reuse bob's in-flight subscribe id while both could coexist conceptually")
	}

	// bob rejoins: gets his original block back, not colliding with carol.
	bobAgain := r.AddRemoteMember("bob", "bob")
	bobAgainVideo, _ := bobAgain.SubscriptionFor(RoleVideo)
	if bobAgainVideo.SubscribeID != bobVideo.SubscribeID {
		t.Fatalf("rejoin subscribe id = %d, want original %d", bobAgainVideo.SubscribeID, bobVideo.SubscribeID)
	}
}

func TestRoomNeverContainsLocalByConstruction(t *testing.T) {
	t.Parallel()
	local := NewLocalMember("alice")
	r := New("demo", local)
	if _, ok := r.RemoteMember(local.ID); ok {
		t.Fatal("room must never contain the local member as a remote")
	}
}
