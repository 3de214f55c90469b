package kumo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory SessionStore.
type memStore struct {
	mu    sync.Mutex
	sess  *StoredSession
	saves int
}

func (m *memStore) LoadSession() (*StoredSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess, nil
}

func (m *memStore) SaveSession(sess StoredSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := sess
	m.sess = &copied
	m.saves++
	return nil
}

type authServer struct {
	mu           sync.Mutex
	logins       int
	refreshes    int
	refreshFails bool
	loginFails   bool
}

func (a *authServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.logins++
		fail := a.loginFails
		a.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(loginResponse{Token: TokenPair{Access: "access-login", Refresh: "refresh-login"}})
	})
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.refreshes++
		fail := a.refreshFails
		a.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(TokenPair{Access: "access-refreshed", Refresh: "refresh-refreshed"})
	})
	return mux
}

func newTestSession(t *testing.T, srv *httptest.Server, store SessionStore) *Session {
	t.Helper()
	return NewSession(SessionConfig{
		BaseURL:  srv.URL,
		TokenTTL: time.Hour,
		Margin:   5 * time.Minute,
	}, Credentials{Username: "user", Password: "pass"}, store)
}

func TestTokenLoginOnceAndCache(t *testing.T) {
	auth := &authServer{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	s := newTestSession(t, srv, nil)

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "access-login" {
		t.Errorf("Token() = %q, want access-login", tok)
	}

	// Second call hits the cache, not the server.
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if auth.logins != 1 {
		t.Errorf("logins = %d, want 1", auth.logins)
	}
}

func TestTokenRefreshNearExpiry(t *testing.T) {
	auth := &authServer{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	store := &memStore{sess: &StoredSession{
		Access:    "stored-access",
		Refresh:   "stored-refresh",
		ExpiresAt: time.Now().Add(time.Minute), // inside the 5m margin
	}}
	s := newTestSession(t, srv, store)

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "access-refreshed" {
		t.Errorf("Token() = %q, want access-refreshed", tok)
	}
	if auth.refreshes != 1 || auth.logins != 0 {
		t.Errorf("refreshes = %d logins = %d, want 1 and 0", auth.refreshes, auth.logins)
	}
}

func TestTokenConcurrentCallersShareOneRefresh(t *testing.T) {
	auth := &authServer{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	store := &memStore{sess: &StoredSession{
		Access:    "stored-access",
		Refresh:   "stored-refresh",
		ExpiresAt: time.Now().Add(time.Minute), // inside the 5m margin
	}}
	s := newTestSession(t, srv, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.Token(context.Background())
			if err != nil {
				t.Errorf("Token() error = %v", err)
				return
			}
			if tok != "access-refreshed" {
				t.Errorf("Token() = %q, want access-refreshed", tok)
			}
		}()
	}
	wg.Wait()

	auth.mu.Lock()
	defer auth.mu.Unlock()
	if auth.refreshes != 1 {
		t.Errorf("refreshes = %d, want a single shared refresh", auth.refreshes)
	}
	if auth.logins != 0 {
		t.Errorf("logins = %d, want 0", auth.logins)
	}
}

func TestTokenStoredSessionStillValid(t *testing.T) {
	auth := &authServer{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	store := &memStore{sess: &StoredSession{
		Access:    "stored-access",
		Refresh:   "stored-refresh",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	s := newTestSession(t, srv, store)

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "stored-access" {
		t.Errorf("Token() = %q, want stored-access", tok)
	}
	if auth.logins != 0 || auth.refreshes != 0 {
		t.Error("valid stored session still hit the auth endpoints")
	}
}

func TestClearForcesFullLogin(t *testing.T) {
	auth := &authServer{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	// Tokens adopted from the store would otherwise satisfy Token from
	// cache or via refresh.
	store := &memStore{sess: &StoredSession{
		Access:    "stored-access",
		Refresh:   "stored-refresh",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	s := newTestSession(t, srv, store)

	s.Clear()

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "access-login" {
		t.Errorf("Token() = %q, want access-login", tok)
	}
	if auth.logins != 1 || auth.refreshes != 0 {
		t.Errorf("logins = %d refreshes = %d, want full login only", auth.logins, auth.refreshes)
	}
}

func TestTokenRefreshRejectedFallsBackToLogin(t *testing.T) {
	auth := &authServer{refreshFails: true}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	store := &memStore{sess: &StoredSession{
		Access:    "stored-access",
		Refresh:   "dead-refresh",
		ExpiresAt: time.Now().Add(-time.Minute),
	}}
	s := newTestSession(t, srv, store)

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "access-login" {
		t.Errorf("Token() = %q, want access-login", tok)
	}
	if auth.refreshes != 1 || auth.logins != 1 {
		t.Errorf("refreshes = %d logins = %d, want 1 and 1", auth.refreshes, auth.logins)
	}
}

func TestTokenReauthRequiredWhenBothFail(t *testing.T) {
	auth := &authServer{refreshFails: true, loginFails: true}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	store := &memStore{sess: &StoredSession{
		Access:    "",
		Refresh:   "dead-refresh",
		ExpiresAt: time.Now().Add(-time.Minute),
	}}
	s := newTestSession(t, srv, store)

	_, err := s.Token(context.Background())
	if !errors.Is(err, ErrReauthRequired) {
		t.Errorf("Token() error = %v, want ErrReauthRequired", err)
	}
}

func TestAuthenticatePersistsSession(t *testing.T) {
	auth := &authServer{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	store := &memStore{}
	s := newTestSession(t, srv, store)

	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.sess == nil {
		t.Fatal("session not persisted")
	}
	if store.sess.Access != "access-login" || store.sess.Refresh != "refresh-login" {
		t.Errorf("persisted tokens = %+v", store.sess)
	}
	if !store.sess.ExpiresAt.After(time.Now()) {
		t.Error("persisted expiry not in the future")
	}
}
