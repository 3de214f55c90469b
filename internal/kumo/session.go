package kumo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kumobridge/internal/metrics"
)

// Credentials are the account credentials used for full logins.
type Credentials struct {
	Username string
	Password string
}

// StoredSession is the persisted token state.
type StoredSession struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionStore persists tokens across restarts.
type SessionStore interface {
	LoadSession() (*StoredSession, error)
	SaveSession(StoredSession) error
}

// Session owns the access/refresh token pair for one account. Token renewal
// runs under the session mutex: concurrent callers asking for a token while
// a refresh is in flight block on the lock and reuse its result instead of
// issuing duplicate refresh calls.
type Session struct {
	baseURL    string
	appVersion string
	creds      Credentials
	httpClient *http.Client
	store      SessionStore

	tokenTTL time.Duration
	margin   time.Duration

	mu        sync.Mutex
	access    string
	refresh   string
	expiresAt time.Time
}

// SessionConfig configures a Session.
type SessionConfig struct {
	BaseURL    string
	AppVersion string
	Timeout    time.Duration
	TokenTTL   time.Duration
	Margin     time.Duration
}

// NewSession creates a session. store may be nil (tokens held in memory
// only). Previously persisted tokens are adopted if present.
func NewSession(cfg SessionConfig, creds Credentials, store SessionStore) *Session {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = DefaultAppVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.Margin == 0 {
		cfg.Margin = 5 * time.Minute
	}

	s := &Session{
		baseURL:    cfg.BaseURL,
		appVersion: cfg.AppVersion,
		creds:      creds,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		store:      store,
		tokenTTL:   cfg.TokenTTL,
		margin:     cfg.Margin,
	}

	if store != nil {
		stored, err := store.LoadSession()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load stored session")
		} else if stored != nil {
			s.access = stored.Access
			s.refresh = stored.Refresh
			s.expiresAt = stored.ExpiresAt
			log.Debug().Time("expires_at", stored.ExpiresAt).Msg("Adopted stored session")
		}
	}

	return s
}

// Token returns a valid access token, refreshing or re-authenticating as
// needed. Returns ErrReauthRequired when both refresh and login fail on
// credentials grounds.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.access != "" && time.Until(s.expiresAt) > s.margin {
		return s.access, nil
	}

	if s.refresh != "" {
		if err := s.refreshLocked(ctx); err == nil {
			return s.access, nil
		} else if IsTransient(err) {
			return "", err
		} else {
			log.Warn().Err(err).Msg("Token refresh rejected, falling back to login")
		}
	}

	if err := s.loginLocked(ctx); err != nil {
		return "", err
	}
	return s.access, nil
}

// Invalidate discards the cached access token, forcing the next Token call
// to renew. Called after a cloud request fails with an authorization error.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.access = ""
	s.mu.Unlock()
}

// Clear drops both tokens, including any pair adopted from the store at
// construction, so the next Token call performs a full login.
func (s *Session) Clear() {
	s.mu.Lock()
	s.access = ""
	s.refresh = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// Authenticate performs a full login, replacing any cached tokens.
func (s *Session) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

func (s *Session) loginLocked(ctx context.Context) error {
	var resp loginResponse
	err := s.post(ctx, "/login", loginRequest{
		Username:   s.creds.Username,
		Password:   s.creds.Password,
		AppVersion: s.appVersion,
	}, &resp)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("login_failed").Inc()
		if IsAuth(err) {
			return fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return err
	}

	s.adoptLocked(resp.Token)
	metrics.TokenRefreshes.WithLabelValues("login").Inc()
	log.Info().Msg("Authenticated with Kumo Cloud")
	return nil
}

func (s *Session) refreshLocked(ctx context.Context) error {
	var pair TokenPair
	if err := s.post(ctx, "/refresh", refreshRequest{Refresh: s.refresh}, &pair); err != nil {
		metrics.TokenRefreshes.WithLabelValues("refresh_failed").Inc()
		return err
	}

	s.adoptLocked(pair)
	metrics.TokenRefreshes.WithLabelValues("refresh").Inc()
	log.Debug().Msg("Access token refreshed")
	return nil
}

func (s *Session) adoptLocked(pair TokenPair) {
	s.access = pair.Access
	if pair.Refresh != "" {
		s.refresh = pair.Refresh
	}
	s.expiresAt = time.Now().Add(s.tokenTTL)

	if s.store != nil {
		err := s.store.SaveSession(StoredSession{
			Access:    s.access,
			Refresh:   s.refresh,
			ExpiresAt: s.expiresAt,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to persist session")
		}
	}
}

// post issues an unauthenticated token-endpoint request.
func (s *Session) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-app-version", s.appVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
