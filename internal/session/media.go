// Package session implements the client side of the signaling protocol:
// one Session per joined room, holding the converged roster, the peer link
// table and the speaking set, and driving every peer negotiation.
package session

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/ndenisov/meshcall/internal/domain"
	"github.com/ndenisov/meshcall/internal/ice"
	"github.com/ndenisov/meshcall/internal/protocol"
)

var (
	// ErrMediaUnavailable: capture denied or absent. Fatal to Connect, no retry.
	ErrMediaUnavailable = errors.New("local media unavailable")
	// ErrRelayUnreachable: the signaling channel could not be established.
	// Fatal to Connect, the caller may re-invoke.
	ErrRelayUnreachable = errors.New("signaling relay unreachable")
	// ErrLinkClosed: negotiation attempted on a terminal link.
	ErrLinkClosed = errors.New("peer link closed")
)

// TransportState is what the media engine reports about one connection's
// transport, after ICE checks start.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteTrack is the engine's handle for one inbound media track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
}

// MediaLink is one negotiated connection inside the external media engine.
// The engine establishes the encrypted media path on its own once both
// descriptions are applied; the session only feeds it signaling artifacts.
// Implementations need not be safe for concurrent negotiation calls; the
// owning peer link serializes them.
type MediaLink interface {
	// CreateOffer produces a local offer and applies it as the local description.
	CreateOffer(ctx context.Context) (protocol.SessionDescription, error)
	// CreateAnswer produces a local answer for the applied remote offer and
	// applies it as the local description.
	CreateAnswer(ctx context.Context) (protocol.SessionDescription, error)
	SetRemoteDescription(protocol.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// RestartOffer re-runs ICE gathering on the existing negotiated
	// description and returns the restart offer to relay to the peer.
	RestartOffer(ctx context.Context) (protocol.SessionDescription, error)
	// ReplaceTracks swaps the full outbound track set without a fresh
	// offer/answer round.
	ReplaceTracks(tracks []webrtc.TrackLocal) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(RemoteTrack))
	OnStateChange(func(TransportState))

	Close() error
}

// Engine is the black-box media engine factory (the host platform's WebRTC
// implementation).
type Engine interface {
	NewLink(cfg ice.Document) (MediaLink, error)
}

// MediaSource is the capture collaborator. Tracks is consulted at connect
// time and again after camera add/remove; an error here means capture is
// denied or gone.
type MediaSource interface {
	Tracks() ([]webrtc.TrackLocal, error)
	SetAudioEnabled(bool)
	Close() error
}

// Handler is the push-based view the presentation layer subscribes to.
// Callbacks fire on the session's reader goroutine and must not block.
type Handler interface {
	RosterChanged([]domain.Member)
	StreamAdded(domain.UserID, RemoteTrack)
	StreamRemoved(domain.UserID)
	SpeakingChanged(user domain.UserID, speaking bool)
}

// NopHandler satisfies Handler for callers that poll snapshots instead.
type NopHandler struct{}

func (NopHandler) RosterChanged([]domain.Member)          {}
func (NopHandler) StreamAdded(domain.UserID, RemoteTrack) {}
func (NopHandler) StreamRemoved(domain.UserID)            {}
func (NopHandler) SpeakingChanged(domain.UserID, bool)    {}
