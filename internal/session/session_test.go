package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ndenisov/meshcall/internal/domain"
	"github.com/ndenisov/meshcall/internal/ice"
	"github.com/ndenisov/meshcall/internal/protocol"
	"github.com/ndenisov/meshcall/internal/vad"
)

type fixture struct {
	sess    *Session
	tr      *fakeTransport
	engine  *fakeEngine
	source  *fakeSource
	handler *recHandler
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		tr:      newFakeTransport(),
		engine:  &fakeEngine{},
		source:  &fakeSource{},
		handler: newRecHandler(),
	}
	opts := Options{
		RelayURL: "http://relay.test",
		RoomID:   "r1",
		UserID:   "self",
		Profile:  domain.Profile{FirstName: "Self"},
		Engine:   f.engine,
		Media:    f.source,
		Handler:  f.handler,
		Dialer:   &fakeDialer{tr: f.tr},
		ICE:      ice.NewStatic(ice.Default()),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.sess = New(opts)
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	if err := f.sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(f.sess.Disconnect)
	if msg := f.tr.waitOut(t, protocol.TypeJoin); msg.Profile == nil || msg.Profile.FirstName != "Self" {
		t.Fatalf("join should carry the profile, got %+v", msg)
	}
}

func member(id string) domain.Member {
	return domain.Member{UserID: domain.UserID(id), Profile: domain.Profile{FirstName: id}}
}

func (f *fixture) waitRoster(t *testing.T, want ...string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case roster := <-f.handler.rosters:
			if len(roster) != len(want) {
				continue
			}
			match := true
			for i, id := range want {
				if roster[i].UserID != domain.UserID(id) {
					match = false
					break
				}
			}
			if match {
				return
			}
		case <-deadline:
			t.Fatalf("roster %v never observed", want)
		}
	}
}

func TestConnectRequiresMedia(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) { o.Media = nil })
	if err := f.sess.Connect(context.Background()); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}

	f = newFixture(t, nil)
	f.source.err = errors.New("permission denied")
	if err := f.sess.Connect(context.Background()); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
}

func TestConnectFailsWhenRelayUnreachable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) {
		o.Dialer = &fakeDialer{err: errors.New("connection refused")}
	})
	err := f.sess.Connect(context.Background())
	if !errors.Is(err, ErrRelayUnreachable) {
		t.Fatalf("expected ErrRelayUnreachable, got %v", err)
	}
	// No implicit retry: the session stays disconnected but reusable.
	if got := f.sess.Roster(); len(got) != 0 {
		t.Fatalf("disconnected session should have empty roster, got %+v", got)
	}
}

// The joiner offers to every pre-existing member, in roster order.
func TestRoomStateInitiatesOffersToPreExistingMembers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)

	f.tr.deliver(&protocol.Message{
		Type:         protocol.TypeRoomState,
		Participants: []domain.Member{member("a"), member("b"), member("self")},
	})
	f.waitRoster(t, "a", "b", "self")

	targets := map[domain.UserID]bool{}
	for i := 0; i < 2; i++ {
		offer := f.tr.waitOut(t, protocol.TypeOffer)
		if offer.Offer == nil {
			t.Fatalf("offer without sdp: %+v", offer)
		}
		targets[offer.TargetUserID] = true
	}
	if !targets["a"] || !targets["b"] {
		t.Fatalf("expected offers to a and b, got %v", targets)
	}
	if f.engine.linkCount() != 2 {
		t.Fatalf("expected 2 media links, got %d", f.engine.linkCount())
	}
	if st, ok := f.sess.Link("a"); !ok || st != LinkOffering {
		t.Fatalf("link to a should be offering, got %v (%v)", st, ok)
	}
}

// A member that joins after us offers to us; we only answer.
func TestUserJoinedDoesNotInitiateOffer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)
	f.tr.deliver(&protocol.Message{
		Type:         protocol.TypeRoomState,
		Participants: []domain.Member{member("self")},
	})
	f.waitRoster(t, "self")

	joined := member("late")
	f.tr.deliver(&protocol.Message{Type: protocol.TypeUserJoined, UserID: "late", Profile: &joined.Profile})
	f.waitRoster(t, "self", "late")

	// Idempotent: a duplicate join is a no-op.
	f.tr.deliver(&protocol.Message{Type: protocol.TypeUserJoined, UserID: "late", Profile: &joined.Profile})
	f.tr.deliver(&protocol.Message{Type: protocol.TypeSpeaking, UserID: "late", IsSpeaking: true})
	<-f.handler.speaking // barrier: both messages processed

	if roster := f.sess.Roster(); len(roster) != 2 {
		t.Fatalf("duplicate user_joined must not grow the roster: %+v", roster)
	}
	f.tr.expectNoOut(t, protocol.TypeOffer)
	if _, ok := f.sess.Link("late"); ok {
		t.Fatal("no link may exist before the newcomer offers")
	}
}

func TestInboundOfferIsAnswered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)
	f.tr.deliver(&protocol.Message{
		Type:         protocol.TypeRoomState,
		Participants: []domain.Member{member("self")},
	})
	f.waitRoster(t, "self")

	f.tr.deliver(&protocol.Message{
		Type:       protocol.TypeOffer,
		FromUserID: "late",
		Offer:      &protocol.SessionDescription{Type: "offer", SDP: "v=0 late"},
	})
	answer := f.tr.waitOut(t, protocol.TypeAnswer)
	if answer.TargetUserID != "late" || answer.Answer == nil {
		t.Fatalf("answer should target the offerer, got %+v", answer)
	}
	if st, ok := f.sess.Link("late"); !ok || st != LinkAnswering {
		t.Fatalf("link should be answering, got %v (%v)", st, ok)
	}
	if got := f.engine.links[0].remoteDescs; len(got) != 1 || got[0].SDP != "v=0 late" {
		t.Fatalf("remote offer not applied: %+v", got)
	}
}

func TestAnswerCompletesNegotiation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)
	f.tr.deliver(&protocol.Message{
		Type:         protocol.TypeRoomState,
		Participants: []domain.Member{member("a"), member("self")},
	})
	f.tr.waitOut(t, protocol.TypeOffer)

	f.tr.deliver(&protocol.Message{
		Type:       protocol.TypeAnswer,
		FromUserID: "a",
		Answer:     &protocol.SessionDescription{Type: "answer", SDP: "v=0 a"},
	})
	f.tr.deliver(&protocol.Message{Type: protocol.TypeSpeaking, UserID: "a", IsSpeaking: true})
	<-f.handler.speaking // barrier

	if st, _ := f.sess.Link("a"); st != LinkNegotiating {
		t.Fatalf("link should be negotiating after answer, got %v", st)
	}

	// Engine reports a usable transport.
	f.engine.links[0].fireState(TransportConnected)
	if st, _ := f.sess.Link("a"); st != LinkConnected {
		t.Fatalf("link should be connected, got %v", st)
	}
}

func TestStaleAnswerAndCandidateAreDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)
	f.tr.deliver(&protocol.Message{
		Type:         protocol.TypeRoomState,
		Participants: []domain.Member{member("self")},
	})
	f.waitRoster(t, "self")

	f.tr.deliver(&protocol.Message{
		Type:       protocol.TypeAnswer,
		FromUserID: "ghost",
		Answer:     &protocol.SessionDescription{Type: "answer", SDP: "v=0"},
	})
	f.tr.deliver(&protocol.Message{
		Type:       protocol.TypeICECandidate,
		FromUserID: "ghost",
		Candidate:  &candidateFixture,
	})
	f.tr.deliver(&protocol.Message{Type: protocol.TypeSpeaking, UserID: "x", IsSpeaking: true})
	<-f.handler.speaking // barrier: stale messages fully processed

	if f.engine.linkCount() != 0 {
		t.Fatal("stale messages must not create links")
	}
}

// user_left(U) removes exactly U's link, stream and speaking entry.
func TestUserLeftCleansUpExactlyThatPeer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)
	f.tr.deliver(&protocol.Message{
		Type:         protocol.TypeRoomState,
		Participants: []domain.Member{member("b"), member("c"), member("self")},
	})
	f.tr.waitOut(t, protocol.TypeOffer)
	f.tr.waitOut(t, protocol.TypeOffer)

	linkB := f.engine.links[0]
	linkB.fireTrack(fakeRemoteTrack{id: "t1", stream: "s-b"})
	select {
	case u := <-f.handler.streams:
		if u != "b" {
			t.Fatalf("stream should belong to b, got %s", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream never published")
	}
	f.tr.deliver(&protocol.Message{Type: protocol.TypeSpeaking, UserID: "b", IsSpeaking: true})
	<-f.handler.speaking

	f.tr.deliver(&protocol.Message{Type: protocol.TypeUserLeft, UserID: "b"})
	f.waitRoster(t, "c", "self")

	if _, ok := f.sess.Link("b"); ok {
		t.Fatal("b's link must be gone")
	}
	if _, ok := f.sess.Link("c"); !ok {
		t.Fatal("c's link must survive")
	}
	if !linkB.isClosed() {
		t.Fatal("b's media link must be closed")
	}
	if streams := f.sess.Streams(); len(streams["b"]) != 0 {
		t.Fatalf("b's stream must be discarded: %+v", streams)
	}
	if speaking := f.sess.Speaking(); len(speaking) != 0 {
		t.Fatalf("b's speaking entry must be discarded: %+v", speaking)
	}
	select {
	case u := <-f.handler.removals:
		if u != "b" {
			t.Fatalf("StreamRemoved for %s, want b", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StreamRemoved never fired")
	}
}

func TestSpeakingTogglesSet(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)

	f.tr.deliver(&protocol.Message{Type: protocol.TypeSpeaking, UserID: "a", IsSpeaking: true})
	ev := <-f.handler.speaking
	if ev.user != "a" || !ev.on {
		t.Fatalf("unexpected speaking event %+v", ev)
	}
	if got := f.sess.Speaking(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("speaking set should contain a: %v", got)
	}

	f.tr.deliver(&protocol.Message{Type: protocol.TypeSpeaking, UserID: "a", IsSpeaking: false})
	ev = <-f.handler.speaking
	if ev.user != "a" || ev.on {
		t.Fatalf("unexpected speaking event %+v", ev)
	}
	if got := f.sess.Speaking(); len(got) != 0 {
		t.Fatalf("speaking set should be empty: %v", got)
	}
}

func TestLocalSpeakingSamplerBroadcasts(t *testing.T) {
	t.Parallel()

	src := &stubLevels{}
	f := newFixture(t, func(o *Options) {
		o.Levels = src
		o.VADInterval = 2 * time.Millisecond
	})
	f.connect(t)

	src.set([]byte{40, 40, 40})
	msg := f.tr.waitOut(t, protocol.TypeSpeaking)
	if !msg.IsSpeaking {
		t.Fatalf("expected speaking(true) broadcast, got %+v", msg)
	}
	ev := <-f.handler.speaking
	if ev.user != "self" || !ev.on {
		t.Fatalf("local speaking flag not set: %+v", ev)
	}
}

func TestDisconnectIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)
	f.tr.deliver(&protocol.Message{
		Type:         protocol.TypeRoomState,
		Participants: []domain.Member{member("a"), member("self")},
	})
	f.tr.waitOut(t, protocol.TypeOffer)
	link := f.engine.links[0]

	f.sess.Disconnect()
	f.sess.Disconnect()

	if !link.isClosed() {
		t.Fatal("peer links must be closed on disconnect")
	}
	if f.source.closes() != 1 {
		t.Fatalf("media source should be released exactly once, got %d", f.source.closes())
	}

	// A racing offer must not resurrect a link after teardown began.
	if _, err := f.sess.createLink("z"); err == nil {
		t.Fatal("createLink after disconnect must fail")
	}
	if f.engine.linkCount() != 1 {
		t.Fatalf("no new links after disconnect, got %d", f.engine.linkCount())
	}
}

func TestUpdateMediaReplacesTracksOnEveryLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.connect(t)
	f.tr.deliver(&protocol.Message{
		Type:         protocol.TypeRoomState,
		Participants: []domain.Member{member("a"), member("b"), member("self")},
	})
	f.tr.waitOut(t, protocol.TypeOffer)
	f.tr.waitOut(t, protocol.TypeOffer)

	if err := f.sess.UpdateMedia(); err != nil {
		t.Fatalf("update media: %v", err)
	}
	for i, l := range f.engine.links {
		// One set at link creation, one from the update.
		l.mu.Lock()
		sets := len(l.trackSets)
		l.mu.Unlock()
		if sets != 2 {
			t.Fatalf("link %d should have had tracks replaced, %d sets", i, sets)
		}
	}
}

var candidateFixture = webrtc.ICECandidateInit{
	Candidate: "candidate:1 1 udp 1 10.0.0.1 4242 typ host",
}

type stubLevels struct {
	mu   sync.Mutex
	bins []byte
}

func (s *stubLevels) set(b []byte) {
	s.mu.Lock()
	s.bins = b
	s.mu.Unlock()
}

func (s *stubLevels) Levels() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bins
}

var _ vad.LevelSource = (*stubLevels)(nil)
