package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ndenisov/meshcall/internal/domain"
	"github.com/ndenisov/meshcall/internal/ice"
	"github.com/ndenisov/meshcall/internal/protocol"
)

// fakeTransport is a channel-backed relay connection.
type fakeTransport struct {
	in        chan *protocol.Message
	out       chan *protocol.Message
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan *protocol.Message, 64),
		out:    make(chan *protocol.Message, 256),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Read() (*protocol.Message, error) {
	select {
	case msg := <-t.in:
		return msg, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) Write(msg *protocol.Message) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	select {
	case t.out <- msg:
		return nil
	default:
		return errors.New("test transport out buffer full")
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) deliver(msg *protocol.Message) {
	t.in <- msg
}

// waitOut drains outbound messages until one of the wanted type appears.
func (t *fakeTransport) waitOut(tb testing.TB, typ string) *protocol.Message {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-t.out:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			tb.Fatalf("no outbound %q observed", typ)
			return nil
		}
	}
}

// expectNoOut asserts that no message of the given type goes out within
// the grace window.
func (t *fakeTransport) expectNoOut(tb testing.TB, typ string) {
	tb.Helper()
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case msg := <-t.out:
			if msg.Type == typ {
				tb.Fatalf("unexpected outbound %q: %+v", typ, msg)
			}
		case <-deadline:
			return
		}
	}
}

type fakeDialer struct {
	tr  *fakeTransport
	err error
}

func (d *fakeDialer) Dial(context.Context, string, string, string) (Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.tr, nil
}

// fakeLink records engine calls and lets tests fire engine callbacks.
type fakeLink struct {
	mu          sync.Mutex
	remoteDescs []protocol.SessionDescription
	candidates  []webrtc.ICECandidateInit
	trackSets   [][]webrtc.TrackLocal
	offers      int
	answers     int
	restarts    int
	closed      bool

	remoteErr  error
	restartErr error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(RemoteTrack)
	onState func(TransportState)
}

func (l *fakeLink) CreateOffer(context.Context) (protocol.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	return protocol.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d", l.offers)}, nil
}

func (l *fakeLink) CreateAnswer(context.Context) (protocol.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers++
	return protocol.SessionDescription{Type: "answer", SDP: fmt.Sprintf("answer-%d", l.answers)}, nil
}

func (l *fakeLink) RestartOffer(context.Context) (protocol.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.restartErr != nil {
		return protocol.SessionDescription{}, l.restartErr
	}
	l.restarts++
	return protocol.SessionDescription{Type: "offer", SDP: fmt.Sprintf("restart-%d", l.restarts)}, nil
}

func (l *fakeLink) SetRemoteDescription(desc protocol.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteErr != nil {
		return l.remoteErr
	}
	l.remoteDescs = append(l.remoteDescs, desc)
	return nil
}

func (l *fakeLink) AddICECandidate(ci webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, ci)
	return nil
}

func (l *fakeLink) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trackSets = append(l.trackSets, tracks)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }
func (l *fakeLink) OnTrack(fn func(RemoteTrack))                   { l.onTrack = fn }
func (l *fakeLink) OnStateChange(fn func(TransportState))          { l.onState = fn }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) fireState(st TransportState) { l.onState(st) }
func (l *fakeLink) fireTrack(t RemoteTrack)     { l.onTrack(t) }

type fakeEngine struct {
	mu    sync.Mutex
	links []*fakeLink
	err   error
}

func (e *fakeEngine) NewLink(ice.Document) (MediaLink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	l := &fakeLink{}
	e.links = append(e.links, l)
	return l, nil
}

func (e *fakeEngine) linkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.links)
}

type fakeSource struct {
	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	err      error
	audioOn  bool
	closedAt int
}

func (s *fakeSource) Tracks() ([]webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.tracks, nil
}

func (s *fakeSource) SetAudioEnabled(on bool) {
	s.mu.Lock()
	s.audioOn = on
	s.mu.Unlock()
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closedAt++
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

type fakeRemoteTrack struct{ id, stream string }

func (t fakeRemoteTrack) ID() string       { return t.id }
func (t fakeRemoteTrack) StreamID() string { return t.stream }

// recHandler pushes every observer callback onto channels for assertion.
type recHandler struct {
	rosters  chan []domain.Member
	streams  chan domain.UserID
	removals chan domain.UserID
	speaking chan speakingEvent
}

type speakingEvent struct {
	user domain.UserID
	on   bool
}

func newRecHandler() *recHandler {
	return &recHandler{
		rosters:  make(chan []domain.Member, 32),
		streams:  make(chan domain.UserID, 32),
		removals: make(chan domain.UserID, 32),
		speaking: make(chan speakingEvent, 32),
	}
}

func (h *recHandler) RosterChanged(m []domain.Member)            { h.rosters <- m }
func (h *recHandler) StreamAdded(u domain.UserID, _ RemoteTrack) { h.streams <- u }
func (h *recHandler) StreamRemoved(u domain.UserID)              { h.removals <- u }
func (h *recHandler) SpeakingChanged(u domain.UserID, on bool)   { h.speaking <- speakingEvent{u, on} }
