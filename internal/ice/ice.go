// Package ice carries the ICE server document exchanged over
// GET /api/ice-config and its STUN-only fallback.
package ice

import (
	"github.com/pion/webrtc/v4"

	"github.com/ndenisov/meshcall/internal/config"
)

// Server is one traversal server descriptor in browser RTCIceServer shape.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Document is the full response body of /api/ice-config.
type Document struct {
	ICEServers       []Server `json:"iceServers"`
	ICECandidatePool int      `json:"iceCandidatePoolSize"`
}

// Default is the public STUN-only set used when the relay cannot supply a
// configuration of its own.
func Default() Document {
	return Document{
		ICEServers: []Server{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
		ICECandidatePool: 10,
	}
}

// FromConfig builds the served document from relay configuration, falling
// back to the default set when nothing is configured.
func FromConfig(cfg config.ICE) Document {
	if len(cfg.Servers) == 0 {
		d := Default()
		if cfg.CandidatePoolSize > 0 {
			d.ICECandidatePool = cfg.CandidatePoolSize
		}
		return d
	}
	doc := Document{ICECandidatePool: cfg.CandidatePoolSize}
	for _, s := range cfg.Servers {
		doc.ICEServers = append(doc.ICEServers, Server{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return doc
}

// WebRTC converts the document into a pion configuration.
func (d Document) WebRTC() webrtc.Configuration {
	out := webrtc.Configuration{}
	for _, s := range d.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out.ICEServers = append(out.ICEServers, srv)
	}
	return out
}
