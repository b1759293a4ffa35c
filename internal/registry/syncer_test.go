package registry

import (
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/nexus-agent/internal/crypto"
)

type fakeSetter struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeSetter) SetAllowedKeys(patterns []string) {
	f.mu.Lock()
	f.calls = append(f.calls, patterns)
	f.mu.Unlock()
}

func (f *fakeSetter) last() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSyncer_Sync(t *testing.T) {
	var gotPath, gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Agent-Token")
		w.Write([]byte(`{"success":true,"apps":[
			{"name":"orders","app_key":"app_orders"},
			{"name":"billing","app_key":"app_billing"},
			{"name":"broken","app_key":""}
		]}`))
	}))
	defer server.Close()

	setter := &fakeSetter{}
	s := NewSyncer(server.URL, "tok-123", time.Minute, time.Second, setter, testLogger())

	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, "/agent/sync", gotPath)
	assert.Equal(t, "tok-123", gotToken)

	// Entries with no identifier are skipped.
	require.Equal(t, []string{"app_orders", "app_billing"}, setter.last())
}

func TestSyncer_EmptyRegistryStaysClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"apps":[]}`))
	}))
	defer server.Close()

	secret := make([]byte, crypto.KeyLength)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	keys, err := crypto.NewKeyManager(secret, []string{"app_orders"})
	require.NoError(t, err)

	s := NewSyncer(server.URL, "tok", time.Minute, time.Second, keys, testLogger())
	require.NoError(t, s.Sync(context.Background()))

	// A control plane with zero registered applications empties the
	// allow-list; it must not fall open and start accepting everything.
	_, err = keys.DeriveKey("app_orders")
	require.ErrorIs(t, err, crypto.ErrUnknownIdentifier)
	_, err = keys.DeriveKey("app_unregistered")
	require.ErrorIs(t, err, crypto.ErrUnknownIdentifier)
}

func TestSyncer_SyncFailuresLeaveAllowListAlone(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}},
		{"rejected", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"message":"unknown agent"}`))
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			setter := &fakeSetter{}
			s := NewSyncer(server.URL, "tok", time.Minute, time.Second, setter, testLogger())

			require.Error(t, s.Sync(context.Background()))
			require.Empty(t, setter.calls, "a failed sync must not touch the allow-list")
		})
	}
}

func TestSyncer_SyncNetworkError(t *testing.T) {
	setter := &fakeSetter{}
	s := NewSyncer("http://127.0.0.1:1", "tok", time.Minute, 200*time.Millisecond, setter, testLogger())
	require.Error(t, s.Sync(context.Background()))
}

func TestSyncer_StartSyncsAndTicks(t *testing.T) {
	var hits int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Write([]byte(`{"success":true,"apps":[{"name":"a","app_key":"app_a"}]}`))
	}))
	defer server.Close()

	setter := &fakeSetter{}
	s := NewSyncer(server.URL, "tok", 20*time.Millisecond, time.Second, setter, testLogger())

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits >= 3
	}, 2*time.Second, 5*time.Millisecond, "initial sync plus periodic ticks")
	require.Equal(t, []string{"app_a"}, setter.last())
}

func TestSyncer_StopIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	s := NewSyncer(server.URL, "tok", time.Minute, time.Second, &fakeSetter{}, testLogger())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
