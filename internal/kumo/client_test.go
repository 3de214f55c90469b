package kumo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server, store SessionStore) *Client {
	session := NewSession(SessionConfig{
		BaseURL:  srv.URL,
		TokenTTL: time.Hour,
		Margin:   5 * time.Minute,
	}, Credentials{Username: "user", Password: "pass"}, store)

	return NewClient(ClientConfig{
		BaseURL:      srv.URL,
		RateLimitRPS: 1000, // tests should not wait on the limiter
	}, session)
}

func validStore() *memStore {
	return &memStore{sess: &StoredSession{
		Access:    "tok-1",
		Refresh:   "ref-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
}

func TestClientRetriesOnceOnAuthFailure(t *testing.T) {
	var mu sync.Mutex
	deviceCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TokenPair{Access: "tok-2", Refresh: "ref-2"})
	})
	mux.HandleFunc("/devices/A1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deviceCalls++
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(DeviceDetails{SerialNumber: "A1", OperationMode: "cool", Power: 1, UpdatedAt: 9})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv, validStore())

	details, err := c.Device(context.Background(), "A1")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if details.SerialNumber != "A1" || details.UpdatedAt != 9 {
		t.Errorf("Device() = %+v", details)
	}
	if deviceCalls != 2 {
		t.Errorf("device endpoint hit %d times, want 2 (401 then retry)", deviceCalls)
	}
}

func TestClientEscalatesRepeatedAuthFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TokenPair{Access: "tok-2", Refresh: "ref-2"})
	})
	mux.HandleFunc("/devices/A1", func(w http.ResponseWriter, r *http.Request) {
		// Rejects even freshly minted tokens: credentials are dead.
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv, validStore())

	_, err := c.Device(context.Background(), "A1")
	if !errors.Is(err, ErrReauthRequired) {
		t.Errorf("Device() error = %v, want ErrReauthRequired", err)
	}
}

func TestClientSendsHeaders(t *testing.T) {
	var gotAppVersion, gotAuth string

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/me", func(w http.ResponseWriter, r *http.Request) {
		gotAppVersion = r.Header.Get("x-app-version")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv, validStore())

	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if gotAppVersion != DefaultAppVersion {
		t.Errorf("x-app-version = %q, want %q", gotAppVersion, DefaultAppVersion)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want Bearer tok-1", gotAuth)
	}
}

func TestSendCommandPayload(t *testing.T) {
	var got sendCommandRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/devices/send-command", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &got)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv, validStore())

	commands := map[string]any{"operationMode": "heat", "spHeat": 21.0}
	if err := c.SendCommand(context.Background(), "A1", commands, "req-123"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if got.DeviceSerial != "A1" {
		t.Errorf("deviceSerial = %q, want A1", got.DeviceSerial)
	}
	if got.RequestID != "req-123" {
		t.Errorf("requestId = %q, want req-123", got.RequestID)
	}
	if got.Commands["operationMode"] != "heat" {
		t.Errorf("commands = %+v", got.Commands)
	}
}

func TestDeviceProfileUsesFirstEntry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/devices/A1/profile", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]DeviceProfile{
			{ProfileVersion: "v7", HasModeHeat: true},
			{ProfileVersion: "v-old"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv, validStore())

	profile, err := c.DeviceProfile(context.Background(), "A1")
	if err != nil {
		t.Fatalf("DeviceProfile() error = %v", err)
	}
	if profile.ProfileVersion != "v7" || !profile.HasModeHeat {
		t.Errorf("DeviceProfile() = %+v", profile)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		auth      bool
		transient bool
	}{
		{http.StatusUnauthorized, true, false},
		{http.StatusForbidden, true, false},
		{http.StatusTooManyRequests, false, true},
		{http.StatusInternalServerError, false, true},
		{http.StatusServiceUnavailable, false, true},
		{http.StatusNotFound, false, false},
		{http.StatusBadRequest, false, false},
	}

	for _, tt := range tests {
		err := classifyStatus(tt.status, "body")
		if IsAuth(err) != tt.auth {
			t.Errorf("IsAuth(status %d) = %v, want %v", tt.status, IsAuth(err), tt.auth)
		}
		if IsTransient(err) != tt.transient {
			t.Errorf("IsTransient(status %d) = %v, want %v", tt.status, IsTransient(err), tt.transient)
		}
	}
}
