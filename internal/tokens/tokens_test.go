package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
)

func tokenServer(t *testing.T, status int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		// Slow enough for concurrent callers to pile onto one refresh.
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProvider(store Store, tokenURL string) *OAuthProvider {
	return NewOAuthProvider(Config{
		Store: store,
		Clients: map[string]*oauth2.Config{
			"github": {ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams}},
		},
		Logger: log.Discard(),
	})
}

func TestOAuthProvider_ValidTokenServedFromStore(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "u1", "github", &Credential{
		AccessToken: "current",
		Expiry:      time.Now().Add(time.Hour),
	}))

	p := newProvider(store, "http://unused.invalid")
	cred, err := p.Token(context.Background(), "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "current", cred.AccessToken)
}

func TestOAuthProvider_Absent(t *testing.T) {
	p := newProvider(NewMemoryStore(), "http://unused.invalid")

	_, err := p.Token(context.Background(), "u1", "github")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestOAuthProvider_RefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, http.StatusOK, &calls)

	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "u1", "github", &Credential{
		AccessToken:  "stale",
		RefreshToken: "r1",
		Expiry:       time.Now().Add(2 * time.Minute),
	}))

	var refreshed []string
	p := newProvider(store, srv.URL)
	p.cfg.OnRefresh = func(service string, err error) {
		refreshed = append(refreshed, service)
		assert.NoError(t, err)
	}

	cred, err := p.Token(context.Background(), "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
	assert.Equal(t, "r1", cred.RefreshToken, "refresh token kept when not rotated")
	assert.Equal(t, []string{"github"}, refreshed)

	saved, err := store.Load(context.Background(), "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
}

func TestOAuthProvider_ConcurrentRefreshCoalesced(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, http.StatusOK, &calls)

	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "u1", "github", &Credential{
		AccessToken:  "stale",
		RefreshToken: "r1",
		Expiry:       time.Now().Add(-time.Minute),
	}))
	p := newProvider(store, srv.URL)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := p.Token(context.Background(), "u1", "github")
			if assert.NoError(t, err) {
				assert.Equal(t, "fresh", cred.AccessToken)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestOAuthProvider_RefreshFailureIsAbsence(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, http.StatusBadRequest, &calls)

	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "u1", "github", &Credential{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Minute),
	}))
	p := newProvider(store, srv.URL)

	cred, err := p.Token(context.Background(), "u1", "github")
	assert.Nil(t, cred)
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOAuthProvider_ExpiredWithoutClient(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "u1", "gitlab", &Credential{
		AccessToken:  "old",
		RefreshToken: "r",
		Expiry:       time.Now().Add(-time.Minute),
	}))
	p := newProvider(store, "http://unused.invalid")

	_, err := p.Token(context.Background(), "u1", "gitlab")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestCredential_ValidAt(t *testing.T) {
	now := time.Now()
	assert.True(t, (&Credential{AccessToken: "x"}).ValidAt(now, time.Hour))
	assert.False(t, (&Credential{}).ValidAt(now, 0))
	assert.False(t, (*Credential)(nil).ValidAt(now, 0))
	assert.False(t, (&Credential{AccessToken: "x", Expiry: now.Add(time.Minute)}).ValidAt(now, 5*time.Minute))
	assert.True(t, (&Credential{AccessToken: "x", Expiry: now.Add(time.Hour)}).ValidAt(now, 5*time.Minute))
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	s := NewKeyringStore("area-engine-test")

	_, err := s.Load(ctx, "u1", "github")
	assert.True(t, errors.Is(err, ErrNoCredential))

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.Save(ctx, "u1", "github", &Credential{AccessToken: "a", RefreshToken: "r", Expiry: expiry}))

	got, err := s.Load(ctx, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)
	assert.True(t, expiry.Equal(got.Expiry))

	require.NoError(t, s.Delete(ctx, "u1", "github"))
	require.NoError(t, s.Delete(ctx, "u1", "github"), "deleting twice is fine")
	_, err = s.Load(ctx, "u1", "github")
	assert.ErrorIs(t, err, ErrNoCredential)
}
