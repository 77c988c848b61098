package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Provider fetches the ICE configuration once per session and caches it.
// Any failure falls back to the public default set, so a session can still
// connect peers on a LAN when the relay's config endpoint is down.
type Provider struct {
	BaseURL string
	Client  *http.Client

	once sync.Once
	doc  Document
}

func NewProvider(baseURL string) *Provider {
	return &Provider{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// NewStatic returns a provider that always serves the given document,
// for callers that already hold a configuration.
func NewStatic(doc Document) *Provider {
	p := &Provider{}
	p.once.Do(func() { p.doc = doc })
	return p
}

func (p *Provider) Fetch(ctx context.Context) Document {
	p.once.Do(func() {
		doc, err := p.fetch(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "ice").Msg("ice config fetch failed, using defaults")
			doc = Default()
		}
		p.doc = doc
	})
	return p.doc
}

func (p *Provider) fetch(ctx context.Context) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/api/ice-config", nil)
	if err != nil {
		return Document{}, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("ice config: unexpected status %d", resp.StatusCode)
	}
	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("ice config: %w", err)
	}
	if len(doc.ICEServers) == 0 {
		return Document{}, fmt.Errorf("ice config: empty server list")
	}
	return doc, nil
}
