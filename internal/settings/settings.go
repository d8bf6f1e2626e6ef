// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package settings exposes this site's federation settings to the
// dispatcher and receiver: the own symmetric key and the set of active
// peer sites.
package settings

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bcem/federation/internal/config"
	"github.com/bcem/federation/internal/site"
)

// ErrMissingLocalKey is returned when this site has no symmetric key.
var ErrMissingLocalKey = errors.New("local federation symmetric key is not configured")

// ActiveSiteReader is the hot-path registry read.
type ActiveSiteReader interface {
	ActiveSites(ctx context.Context) ([]site.ActiveSite, error)
}

// Provider answers OwnSymmetricKey and ActiveFederationSites.
type Provider struct {
	ownKey   string
	registry ActiveSiteReader
	static   []site.ActiveSite
}

// NewProvider creates a provider. registry may be nil, in which case only
// the static peers are used.
func NewProvider(ownKey string, registry ActiveSiteReader, static []config.PeerConfig) *Provider {
	p := &Provider{ownKey: ownKey, registry: registry}
	for _, s := range static {
		p.static = append(p.static, site.ActiveSite{Domain: s.Domain, Key: s.Key, APIHost: s.APIHost})
	}
	return p
}

// OwnSymmetricKey returns this site's key or ErrMissingLocalKey.
func (p *Provider) OwnSymmetricKey(_ context.Context) (string, error) {
	if p.ownKey == "" {
		return "", ErrMissingLocalKey
	}
	return p.ownKey, nil
}

// ActiveFederationSites reads the registry, falling back to the static
// peer list when the registry is unavailable.
func (p *Provider) ActiveFederationSites(ctx context.Context) ([]site.ActiveSite, error) {
	if p.registry == nil {
		return p.static, nil
	}
	sites, err := p.registry.ActiveSites(ctx)
	if err != nil {
		slog.Error("failed to read federation sites from registry, using static list",
			"static_sites", len(p.static),
			"error", err,
		)
		return p.static, nil
	}
	return sites, nil
}
