package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ndenisov/meshcall/internal/domain"
	"github.com/ndenisov/meshcall/internal/ice"
	"github.com/ndenisov/meshcall/internal/protocol"
	"github.com/ndenisov/meshcall/internal/vad"
)

type Options struct {
	RelayURL string
	RoomID   domain.RoomID
	UserID   domain.UserID
	Profile  domain.Profile

	Engine Engine
	Media  MediaSource
	// Levels feeds the speaking sampler; nil disables voice activity.
	Levels  vad.LevelSource
	Handler Handler

	// Optional; defaulted by New.
	Dialer       Dialer
	ICE          *ice.Provider
	VADThreshold float64
	VADInterval  time.Duration
}

// Session drives the signaling protocol for one local member in one room.
// Inbound messages are processed sequentially on a single reader
// goroutine; the speaking sampler is the only other writer and touches
// nothing but the local speaking flag and the outbound channel.
type Session struct {
	opts    Options
	handler Handler

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	conn      Transport
	iceDoc    ice.Document
	tracks    []webrtc.TrackLocal
	roster    []domain.Member
	links     map[domain.UserID]*PeerLink
	streams   map[domain.UserID][]RemoteTrack
	speaking  map[domain.UserID]bool
}

func New(opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.ICE == nil {
		opts.ICE = ice.NewProvider(opts.RelayURL)
	}
	if opts.Handler == nil {
		opts.Handler = NopHandler{}
	}
	return &Session{
		opts:     opts,
		handler:  opts.Handler,
		links:    make(map[domain.UserID]*PeerLink),
		streams:  make(map[domain.UserID][]RemoteTrack),
		speaking: make(map[domain.UserID]bool),
	}
}

// Connect acquires local media, fetches the ICE configuration, opens the
// relay channel and sends join. On failure the session stays disconnected;
// there is no implicit retry, the caller may re-invoke.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return fmt.Errorf("session already connected to room %s", s.opts.RoomID)
	}
	if s.opts.Media == nil {
		return fmt.Errorf("%w: no media source", ErrMediaUnavailable)
	}
	tracks, err := s.opts.Media.Tracks()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMediaUnavailable, err)
	}

	iceDoc := s.opts.ICE.Fetch(ctx)

	conn, err := s.opts.Dialer.Dial(ctx, s.opts.RelayURL, string(s.opts.RoomID), string(s.opts.UserID))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRelayUnreachable, err)
	}
	profile := s.opts.Profile.WithDefaults()
	if err := conn.Write(&protocol.Message{Type: protocol.TypeJoin, Profile: &profile}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: join: %s", ErrRelayUnreachable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.connected = true
	s.cancel = cancel
	s.conn = conn
	s.iceDoc = iceDoc
	s.tracks = tracks

	go s.readLoop(runCtx, conn)
	if s.opts.Levels != nil {
		mon := vad.NewMonitor(s.opts.Levels, vad.NewDetector(s.opts.VADThreshold), s.opts.VADInterval)
		go mon.Run(runCtx, s.onLocalSpeaking)
	}
	log.Info().Str("module", "session").Str("room", string(s.opts.RoomID)).
		Str("user", string(s.opts.UserID)).Msg("connected to relay")
	return nil
}

// Disconnect tears the session down: every peer link, the sampler, the
// relay channel and the local media source. Safe to call twice and safe
// to call concurrently with in-flight message handling.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.cancel()
	conn := s.conn
	links := s.links
	s.conn = nil
	s.links = make(map[domain.UserID]*PeerLink)
	s.streams = make(map[domain.UserID][]RemoteTrack)
	s.speaking = make(map[domain.UserID]bool)
	s.roster = nil
	s.mu.Unlock()

	for _, pl := range links {
		pl.Close()
	}
	_ = conn.Close()
	if err := s.opts.Media.Close(); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("media close")
	}
	log.Info().Str("module", "session").Str("room", string(s.opts.RoomID)).Msg("disconnected")
}

// ToggleMicrophone flips audio track enablement only; no renegotiation.
func (s *Session) ToggleMicrophone(enabled bool) {
	s.opts.Media.SetAudioEnabled(enabled)
}

// UpdateMedia re-reads the source's track set after a track was added or
// removed (camera on/off) and replaces the outbound senders on every live
// link. Track replacement on an existing connection needs no fresh
// offer/answer round with the pion engine.
func (s *Session) UpdateMedia() error {
	tracks, err := s.opts.Media.Tracks()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMediaUnavailable, err)
	}
	s.mu.Lock()
	s.tracks = tracks
	links := s.liveLinksLocked()
	s.mu.Unlock()

	for _, pl := range links {
		if err := pl.ReplaceTracks(tracks); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("peer", string(pl.peer)).Msg("replace tracks")
		}
	}
	return nil
}

// Roster returns the converged member list in join order.
func (s *Session) Roster() []domain.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Member, len(s.roster))
	copy(out, s.roster)
	return out
}

// Speaking returns the user ids currently in the speaking set.
func (s *Session) Speaking() []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserID, 0, len(s.speaking))
	for u, on := range s.speaking {
		if on {
			out = append(out, u)
		}
	}
	return out
}

// Streams returns the published remote tracks per member.
func (s *Session) Streams() map[domain.UserID][]RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.UserID][]RemoteTrack, len(s.streams))
	for u, ts := range s.streams {
		out[u] = append([]RemoteTrack(nil), ts...)
	}
	return out
}

// Link reports the state of the link to one peer, if any.
func (s *Session) Link(peer domain.UserID) (LinkState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.links[peer]
	if !ok {
		return LinkClosed, false
	}
	return pl.State(), true
}

func (s *Session) liveLinksLocked() []*PeerLink {
	out := make([]*PeerLink, 0, len(s.links))
	for _, pl := range s.links {
		out = append(out, pl)
	}
	return out
}

// readLoop is the session's single logical message-handling thread.
func (s *Session) readLoop(ctx context.Context, conn Transport) {
	for {
		msg, err := conn.Read()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			// Relay gone: all room state is relay-resident, so a rejoin
			// with a fresh room_state is the only recovery.
			log.Warn().Err(err).Str("module", "session").Msg("relay channel lost, session requires rejoin")
			s.Disconnect()
			return
		}
		s.handle(ctx, msg)
	}
}

func (s *Session) handle(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeRoomState:
		s.handleRoomState(ctx, msg.Participants)
	case protocol.TypeUserJoined:
		s.handleUserJoined(msg)
	case protocol.TypeUserLeft:
		s.handleUserLeft(msg.UserID)
	case protocol.TypeOffer:
		s.handleOffer(ctx, msg)
	case protocol.TypeAnswer:
		s.handleAnswer(msg)
	case protocol.TypeICECandidate:
		s.handleCandidate(msg)
	case protocol.TypeSpeaking:
		s.setSpeaking(msg.UserID, msg.IsSpeaking)
	default:
		log.Warn().Str("module", "session").Str("type", msg.Type).Msg("unknown signal")
	}
}

// handleRoomState replaces the roster wholesale and makes this session
// the offering side towards every pre-existing member. The relay delivers
// room_state to the joiner strictly before anyone sees user_joined, which
// is what rules out glare.
func (s *Session) handleRoomState(ctx context.Context, participants []domain.Member) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.roster = append([]domain.Member(nil), participants...)
	roster := append([]domain.Member(nil), s.roster...)
	s.mu.Unlock()
	s.handler.RosterChanged(roster)

	for _, m := range participants {
		if m.UserID == s.opts.UserID {
			continue
		}
		pl, err := s.createLink(m.UserID)
		if err != nil {
			log.Error().Err(err).Str("module", "session").Str("peer", string(m.UserID)).Msg("create peer link")
			continue
		}
		if err := pl.Offer(ctx); err != nil {
			log.Error().Err(err).Str("module", "session").Str("peer", string(m.UserID)).Msg("offer")
			pl.failNegotiation()
		}
	}
}

// handleUserJoined appends the member if absent (idempotent) and does NOT
// offer: the newly joined member offers to us.
func (s *Session) handleUserJoined(msg *protocol.Message) {
	if msg.UserID == s.opts.UserID {
		return
	}
	s.mu.Lock()
	for _, m := range s.roster {
		if m.UserID == msg.UserID {
			s.mu.Unlock()
			return
		}
	}
	member := domain.Member{UserID: msg.UserID}
	if msg.Profile != nil {
		member.Profile = *msg.Profile
	}
	s.roster = append(s.roster, member)
	roster := append([]domain.Member(nil), s.roster...)
	s.mu.Unlock()
	s.handler.RosterChanged(roster)
}

// handleUserLeft removes exactly this member's roster entry, link, cached
// streams and speaking entry, and nothing else.
func (s *Session) handleUserLeft(user domain.UserID) {
	s.mu.Lock()
	for i, m := range s.roster {
		if m.UserID == user {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			break
		}
	}
	pl := s.links[user]
	delete(s.links, user)
	_, hadStream := s.streams[user]
	delete(s.streams, user)
	wasSpeaking := s.speaking[user]
	delete(s.speaking, user)
	roster := append([]domain.Member(nil), s.roster...)
	s.mu.Unlock()

	if pl != nil {
		pl.Close()
	}
	s.handler.RosterChanged(roster)
	if hadStream {
		s.handler.StreamRemoved(user)
	}
	if wasSpeaking {
		s.handler.SpeakingChanged(user, false)
	}
}

func (s *Session) handleOffer(ctx context.Context, msg *protocol.Message) {
	if msg.Offer == nil || msg.FromUserID == "" {
		return
	}
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	pl, ok := s.links[msg.FromUserID]
	s.mu.Unlock()
	if ok && pl.State() == LinkClosed {
		// Closed links are never reused; the peer is renegotiating from
		// scratch, so is this side.
		s.dropLink(msg.FromUserID, pl)
		ok = false
	}
	if !ok {
		var err error
		pl, err = s.createLink(msg.FromUserID)
		if err != nil {
			log.Error().Err(err).Str("module", "session").Str("peer", string(msg.FromUserID)).Msg("create peer link")
			return
		}
	}
	if err := pl.ApplyOffer(ctx, *msg.Offer); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(msg.FromUserID)).Msg("negotiation failed")
		pl.failNegotiation()
	}
}

func (s *Session) handleAnswer(msg *protocol.Message) {
	if msg.Answer == nil {
		return
	}
	s.mu.Lock()
	pl, ok := s.links[msg.FromUserID]
	s.mu.Unlock()
	if !ok {
		// Stale or misrouted; the peer likely left while the answer was
		// in flight.
		log.Warn().Str("module", "session").Str("peer", string(msg.FromUserID)).Msg("answer for unknown peer link")
		return
	}
	if err := pl.ApplyAnswer(*msg.Answer); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(msg.FromUserID)).Msg("negotiation failed")
		pl.failNegotiation()
	}
}

func (s *Session) handleCandidate(msg *protocol.Message) {
	if msg.Candidate == nil {
		return
	}
	s.mu.Lock()
	pl, ok := s.links[msg.FromUserID]
	s.mu.Unlock()
	if !ok {
		// Benign race: candidates can arrive before or after the link's
		// lifetime.
		log.Debug().Str("module", "session").Str("peer", string(msg.FromUserID)).Msg("candidate for unknown peer link")
		return
	}
	if err := pl.AddCandidate(*msg.Candidate); err != nil {
		log.Debug().Err(err).Str("module", "session").Str("peer", string(msg.FromUserID)).Msg("add candidate")
	}
}

// createLink builds a PeerLink for a remote member. Refuses to create one
// once teardown began, so a racing offer cannot resurrect the session.
func (s *Session) createLink(peer domain.UserID) (*PeerLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, fmt.Errorf("session disconnected")
	}
	if pl, ok := s.links[peer]; ok {
		return pl, nil
	}
	ml, err := s.opts.Engine.NewLink(s.iceDoc)
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}
	pl, err := newPeerLink(peer, ml, s.tracks, s.send, s.onRemoteTrack, s.onPeerUnreachable)
	if err != nil {
		return nil, err
	}
	s.links[peer] = pl
	return pl, nil
}

func (s *Session) dropLink(peer domain.UserID, pl *PeerLink) {
	s.mu.Lock()
	if cur, ok := s.links[peer]; ok && cur == pl {
		delete(s.links, peer)
	}
	s.mu.Unlock()
	pl.Close()
}

// send is best-effort: a lost signaling write surfaces as a log line and
// the protocol self-corrects (stale messages are dropped on every side).
func (s *Session) send(msg *protocol.Message) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Write(msg); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("type", msg.Type).Msg("signaling send failed")
	}
}

func (s *Session) onRemoteTrack(peer domain.UserID, t RemoteTrack) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.streams[peer] = append(s.streams[peer], t)
	s.mu.Unlock()
	s.handler.StreamAdded(peer, t)
}

func (s *Session) onPeerUnreachable(peer domain.UserID) {
	// Roster entry persists until an explicit user_left; only the media
	// path is gone.
	log.Warn().Str("module", "session").Str("peer", string(peer)).Msg("peer unreachable, keeping roster entry")
}

func (s *Session) onLocalSpeaking(speaking bool) {
	s.setSpeaking(s.opts.UserID, speaking)
	// Loss-tolerant: a missed update self-corrects on the next flip.
	s.send(&protocol.Message{
		Type:       protocol.TypeSpeaking,
		IsSpeaking: speaking,
	})
}

func (s *Session) setSpeaking(user domain.UserID, speaking bool) {
	if user == "" {
		return
	}
	s.mu.Lock()
	was := s.speaking[user]
	if speaking {
		s.speaking[user] = true
	} else {
		delete(s.speaking, user)
	}
	s.mu.Unlock()
	if was != speaking {
		s.handler.SpeakingChanged(user, speaking)
	}
}
