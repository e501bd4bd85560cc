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

// Package tokens resolves the credential a user granted for a service.
//
// A Provider either returns a credential that is valid beyond the refresh
// skew or ErrNoCredential. It never hands out an expired token.
package tokens

import (
	"context"
	"errors"
	"time"
)

// ErrNoCredential signals that no usable credential exists for a user and
// service. Callers skip the work and let credential tooling fix it.
var ErrNoCredential = errors.New("no credential")

// Credential is an access token and what is needed to refresh it.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// ValidAt reports whether the token is usable at now plus skew. A zero
// expiry never expires.
func (c *Credential) ValidAt(now time.Time, skew time.Duration) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	if c.Expiry.IsZero() {
		return true
	}
	return now.Add(skew).Before(c.Expiry)
}

// Provider returns a currently valid credential.
type Provider interface {
	Token(ctx context.Context, userID, service string) (*Credential, error)
}

// Store persists credentials. Load returns ErrNoCredential when none exists.
type Store interface {
	Load(ctx context.Context, userID, service string) (*Credential, error)
	Save(ctx context.Context, userID, service string, cred *Credential) error
	Delete(ctx context.Context, userID, service string) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, userID, service string) (*Credential, error)

// Token calls f.
func (f ProviderFunc) Token(ctx context.Context, userID, service string) (*Credential, error) {
	return f(ctx, userID, service)
}

func storeKey(userID, service string) string {
	return service + "/" + userID
}
