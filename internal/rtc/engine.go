// Package rtc adapts pion/webrtc as the session's media engine.
package rtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ndenisov/meshcall/internal/ice"
	"github.com/ndenisov/meshcall/internal/protocol"
	"github.com/ndenisov/meshcall/internal/session"
)

// Engine creates pion peer connections configured with the session's ICE
// document.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) NewLink(doc ice.Document) (session.MediaLink, error) {
	pc, err := webrtc.NewPeerConnection(doc.WebRTC())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &link{pc: pc}, nil
}

type link struct {
	pc *webrtc.PeerConnection
}

func (l *link) CreateOffer(_ context.Context) (protocol.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, err
	}
	// Trickle ICE: candidates are forwarded as they are gathered, no
	// waiting for gathering to complete.
	return protocol.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *link) CreateAnswer(_ context.Context) (protocol.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *link) RestartOffer(_ context.Context) (protocol.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *link) SetRemoteDescription(desc protocol.SessionDescription) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (l *link) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

func (l *link) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	for _, sender := range l.pc.GetSenders() {
		if err := l.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("remove track: %w", err)
		}
	}
	for _, t := range tracks {
		if _, err := l.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	return nil
}

func (l *link) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			fn(c.ToJSON())
		}
	})
}

func (l *link) OnTrack(fn func(session.RemoteTrack)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).Str("stream_id", track.StreamID()).Msg("remote track")
		fn(track)
	})
}

func (l *link) OnStateChange(fn func(session.TransportState)) {
	l.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", st.String()).Msg("peer state")
		switch st {
		case webrtc.PeerConnectionStateConnecting:
			fn(session.TransportConnecting)
		case webrtc.PeerConnectionStateConnected:
			fn(session.TransportConnected)
		case webrtc.PeerConnectionStateFailed:
			fn(session.TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(session.TransportClosed)
		}
	})
}

func (l *link) Close() error {
	return l.pc.Close()
}
