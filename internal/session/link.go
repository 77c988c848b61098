package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ndenisov/meshcall/internal/domain"
	"github.com/ndenisov/meshcall/internal/protocol"
)

// LinkState is the peer link lifecycle:
//
//	New -> (Offering | Answering) -> Negotiating -> Connected -> (Failed | Closed)
//
// Closed is terminal; a fresh link is created if the same peer must ever
// be renegotiated from scratch.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkOffering
	LinkAnswering
	LinkNegotiating
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkOffering:
		return "offering"
	case LinkAnswering:
		return "answering"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// PeerLink owns one negotiated connection to one remote member. All
// negotiation operations are serialized by its mutex; engine callbacks
// arrive on engine goroutines and take the same lock.
type PeerLink struct {
	peer domain.UserID
	link MediaLink

	mu        sync.Mutex
	state     LinkState
	restarted bool

	signal      func(*protocol.Message)
	trackAdded  func(domain.UserID, RemoteTrack)
	unreachable func(domain.UserID)
}

func newPeerLink(
	peer domain.UserID,
	link MediaLink,
	tracks []webrtc.TrackLocal,
	signal func(*protocol.Message),
	trackAdded func(domain.UserID, RemoteTrack),
	unreachable func(domain.UserID),
) (*PeerLink, error) {
	pl := &PeerLink{
		peer:        peer,
		link:        link,
		state:       LinkNew,
		signal:      signal,
		trackAdded:  trackAdded,
		unreachable: unreachable,
	}
	if err := link.ReplaceTracks(tracks); err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("attach local tracks: %w", err)
	}

	link.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		// Candidate gathering is asynchronous and may continue after
		// Connected; forward as long as the link is alive.
		if pl.State() == LinkClosed {
			return
		}
		pl.signal(&protocol.Message{
			Type:         protocol.TypeICECandidate,
			TargetUserID: peer,
			Candidate:    &ci,
		})
	})
	link.OnTrack(func(t RemoteTrack) {
		pl.trackAdded(peer, t)
	})
	link.OnStateChange(pl.handleTransport)
	return pl, nil
}

func (pl *PeerLink) State() LinkState {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.state
}

// Offer drives the offering side: this session joined after the peer, so
// it creates the offer.
func (pl *PeerLink) Offer(ctx context.Context) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.state != LinkNew {
		return fmt.Errorf("offer in state %s", pl.state)
	}
	desc, err := pl.link.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", pl.peer, err)
	}
	pl.state = LinkOffering
	pl.signal(&protocol.Message{
		Type:         protocol.TypeOffer,
		TargetUserID: pl.peer,
		Offer:        &desc,
	})
	return nil
}

// ApplyOffer drives the answering side: applies the remote offer, creates
// the answer and sends it back. Re-invoked on the same link for ICE
// restart renegotiation.
func (pl *PeerLink) ApplyOffer(ctx context.Context, desc protocol.SessionDescription) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.state == LinkClosed {
		return ErrLinkClosed
	}
	if err := pl.link.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply offer from %s: %w", pl.peer, err)
	}
	answer, err := pl.link.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", pl.peer, err)
	}
	if pl.state == LinkNew {
		pl.state = LinkAnswering
	} else {
		pl.state = LinkNegotiating
	}
	pl.signal(&protocol.Message{
		Type:         protocol.TypeAnswer,
		TargetUserID: pl.peer,
		Answer:       &answer,
	})
	return nil
}

// ApplyAnswer completes the offering side's description exchange.
func (pl *PeerLink) ApplyAnswer(desc protocol.SessionDescription) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.state == LinkClosed {
		return ErrLinkClosed
	}
	if err := pl.link.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply answer from %s: %w", pl.peer, err)
	}
	pl.state = LinkNegotiating
	return nil
}

func (pl *PeerLink) AddCandidate(ci webrtc.ICECandidateInit) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.state == LinkClosed {
		return ErrLinkClosed
	}
	return pl.link.AddICECandidate(ci)
}

func (pl *PeerLink) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.state == LinkClosed {
		return ErrLinkClosed
	}
	return pl.link.ReplaceTracks(tracks)
}

// handleTransport maps engine transport reports onto the link lifecycle.
// One ICE restart is attempted on failure; a second failure closes the
// link and marks the peer unreachable until an explicit user_left.
func (pl *PeerLink) handleTransport(st TransportState) {
	pl.mu.Lock()
	if pl.state == LinkClosed {
		pl.mu.Unlock()
		return
	}

	switch st {
	case TransportConnected:
		pl.state = LinkConnected
		pl.mu.Unlock()
		log.Info().Str("module", "session").Str("peer", string(pl.peer)).Msg("peer link connected")
	case TransportFailed:
		if !pl.restarted {
			pl.restarted = true
			pl.state = LinkFailed
			desc, err := pl.link.RestartOffer(context.Background())
			if err != nil {
				pl.closeLocked()
				pl.mu.Unlock()
				log.Warn().Err(err).Str("module", "session").Str("peer", string(pl.peer)).Msg("ice restart failed")
				pl.unreachable(pl.peer)
				return
			}
			pl.state = LinkNegotiating
			pl.signal(&protocol.Message{
				Type:         protocol.TypeOffer,
				TargetUserID: pl.peer,
				Offer:        &desc,
			})
			pl.mu.Unlock()
			log.Warn().Str("module", "session").Str("peer", string(pl.peer)).Msg("transport failed, attempting ice restart")
			return
		}
		pl.closeLocked()
		pl.mu.Unlock()
		log.Warn().Str("module", "session").Str("peer", string(pl.peer)).Msg("transport failed after restart, giving up")
		pl.unreachable(pl.peer)
	case TransportClosed:
		pl.closeLocked()
		pl.mu.Unlock()
	default:
		pl.mu.Unlock()
	}
}

// failNegotiation funnels a rejected description application into the
// same restart-once policy used for transport failure.
func (pl *PeerLink) failNegotiation() {
	pl.handleTransport(TransportFailed)
}

// Close releases the link. Idempotent; the link is never reused.
func (pl *PeerLink) Close() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.closeLocked()
}

func (pl *PeerLink) closeLocked() {
	if pl.state == LinkClosed {
		return
	}
	pl.state = LinkClosed
	if err := pl.link.Close(); err != nil {
		log.Debug().Err(err).Str("module", "session").Str("peer", string(pl.peer)).Msg("link close")
	}
}
