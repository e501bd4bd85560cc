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
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*KeyringStore)(nil)
)

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

func (m *MemoryStore) Load(ctx context.Context, userID, service string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.creds[storeKey(userID, service)]
	if !ok {
		return nil, ErrNoCredential
	}
	return &c, nil
}

func (m *MemoryStore) Save(ctx context.Context, userID, service string, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds[storeKey(userID, service)] = *cred
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.creds, storeKey(userID, service))
	return nil
}

// KeyringStore keeps credentials in the OS keyring as JSON, one entry per
// user and service.
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a store using the given keyring service name.
func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

func (k *KeyringStore) Load(ctx context.Context, userID, service string) (*Credential, error) {
	raw, err := keyring.Get(k.service, storeKey(userID, service))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("keyring error: %w", err)
	}

	var c Credential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("corrupt keyring entry for %s: %w", storeKey(userID, service), err)
	}
	return &c, nil
}

func (k *KeyringStore) Save(ctx context.Context, userID, service string, cred *Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := keyring.Set(k.service, storeKey(userID, service), string(raw)); err != nil {
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}

func (k *KeyringStore) Delete(ctx context.Context, userID, service string) error {
	err := keyring.Delete(k.service, storeKey(userID, service))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}
