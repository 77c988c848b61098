// Package protocol defines the signaling wire format shared by the relay
// and the client session. One JSON message per websocket text frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/ndenisov/meshcall/internal/domain"
)

const (
	TypeJoin         = "join"
	TypeRoomState    = "room_state"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeSpeaking     = "speaking"
)

var ErrUnknownType = errors.New("unknown message type")

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Message is the tagged envelope. Only the fields for the given Type are
// populated; everything else stays empty and is omitted on the wire.
//
// Target-bearing variants (offer/answer/ice_candidate) carry TargetUserID
// on the way in and FromUserID on the way out; the relay delivers them to
// exactly one member. The rest are room broadcasts.
type Message struct {
	Type string `json:"type"`

	UserID       domain.UserID `json:"user_id,omitempty"`
	FromUserID   domain.UserID `json:"from_user_id,omitempty"`
	TargetUserID domain.UserID `json:"target_user_id,omitempty"`

	Profile      *domain.Profile `json:"user_info,omitempty"`
	Participants []domain.Member `json:"participants,omitempty"`

	Offer     *SessionDescription      `json:"offer,omitempty"`
	Answer    *SessionDescription      `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`

	IsSpeaking bool `json:"is_speaking,omitempty"`
}

// Targeted reports whether the message must be routed to a single member
// instead of broadcast.
func (m *Message) Targeted() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Validate checks the structural invariants of an inbound client message.
// The relay drops anything that fails here.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeJoin:
		if m.Profile == nil {
			return errors.New("join without user_info")
		}
	case TypeOffer:
		if m.TargetUserID == "" || m.Offer == nil {
			return errors.New("offer without target or sdp")
		}
	case TypeAnswer:
		if m.TargetUserID == "" || m.Answer == nil {
			return errors.New("answer without target or sdp")
		}
	case TypeICECandidate:
		if m.TargetUserID == "" || m.Candidate == nil {
			return errors.New("ice_candidate without target or candidate")
		}
	case TypeSpeaking:
		// user_id is stamped by the relay, nothing to check.
	case TypeRoomState, TypeUserJoined, TypeUserLeft:
		// Server-originated; a client must not send these.
		return fmt.Errorf("client sent server message %q", m.Type)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode signaling message: %w", err)
	}
	return &m, nil
}

func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode signaling message: %w", err)
	}
	return data, nil
}
