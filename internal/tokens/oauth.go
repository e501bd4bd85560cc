// Copyright 2025 Tom Barlow
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

package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
)

// DefaultRefreshSkew refreshes tokens expiring within five minutes.
const DefaultRefreshSkew = 5 * time.Minute

// Config configures an OAuthProvider.
type Config struct {
	// Store holds the credentials. Required.
	Store Store

	// Clients holds the OAuth client per service. A service without a client
	// can still serve non-expiring or unexpired tokens but never refreshes.
	Clients map[string]*oauth2.Config

	RefreshSkew    time.Duration
	RefreshTimeout time.Duration

	// HTTPClient is used for refresh calls. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	Logger *slog.Logger

	// OnRefresh observes each refresh attempt.
	OnRefresh func(service string, err error)
}

// OAuthProvider serves credentials from a Store and refreshes near-expiry
// ones with golang.org/x/oauth2. Concurrent refreshes of the same credential
// are coalesced.
type OAuthProvider struct {
	cfg    Config
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

var _ Provider = (*OAuthProvider)(nil)

// NewOAuthProvider creates a provider.
func NewOAuthProvider(cfg Config) *OAuthProvider {
	if cfg.RefreshSkew == 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OAuthProvider{
		cfg:    cfg,
		logger: log.WithComponent(cfg.Logger, "tokens"),
		now:    time.Now,
	}
}

// Token returns a credential valid beyond the refresh skew, refreshing it if
// needed. It returns ErrNoCredential when none exists or refresh fails.
func (p *OAuthProvider) Token(ctx context.Context, userID, service string) (*Credential, error) {
	cred, err := p.cfg.Store.Load(ctx, userID, service)
	if err != nil {
		return nil, err
	}
	if cred.ValidAt(p.now(), p.cfg.RefreshSkew) {
		return cred, nil
	}

	v, err, _ := p.group.Do(storeKey(userID, service), func() (any, error) {
		return p.refresh(ctx, userID, service, cred)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (p *OAuthProvider) refresh(ctx context.Context, userID, service string, cred *Credential) (*Credential, error) {
	logger := p.logger.With(log.UserKey, userID, log.ServiceKey, service)

	client, ok := p.cfg.Clients[service]
	if !ok || cred.RefreshToken == "" {
		logger.Debug("credential expired and cannot be refreshed")
		return nil, fmt.Errorf("%w: %s token expired", ErrNoCredential, service)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, p.cfg.RefreshTimeout)
	defer cancel()
	if p.cfg.HTTPClient != nil {
		refreshCtx = context.WithValue(refreshCtx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}

	// Expiry in the past forces the token source to hit the token endpoint.
	src := client.TokenSource(refreshCtx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if p.cfg.OnRefresh != nil {
		p.cfg.OnRefresh(service, err)
	}
	if err != nil {
		logger.Warn("token refresh failed", log.Error(err))
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, fmt.Errorf("%w: refresh rejected with status %d", ErrNoCredential, rerr.Response.StatusCode)
		}
		return nil, fmt.Errorf("%w: refresh failed", ErrNoCredential)
	}

	next := &Credential{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if !next.ValidAt(p.now(), 0) {
		return nil, fmt.Errorf("%w: refreshed token already expired", ErrNoCredential)
	}

	if err := p.cfg.Store.Save(ctx, userID, service, next); err != nil {
		// The fresh token is still usable for this call.
		logger.Warn("failed to persist refreshed token", log.Error(err))
	}
	logger.Debug("token refreshed", "expires_in", time.Until(next.Expiry).Round(time.Second))
	return next, nil
}
