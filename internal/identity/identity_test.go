package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopmindai/pingpongbot/internal/config"
	"github.com/shopmindai/pingpongbot/internal/logging"
)

func testVerifier(t *testing.T, srv *httptest.Server) *Verifier {
	t.Helper()
	cfg := config.IdentityConfig{
		BaseURL:    srv.URL,
		ClientID:   "pingpongbot",
		Timeout:    2 * time.Second,
		SuccessTTL: time.Hour,
		FailureTTL: time.Minute,
	}
	v, err := New(cfg, "svc-account", "secret", logging.New("error"))
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func tokenHandler(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
	})
}

func TestGetParticipant_ActiveStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/token", tokenHandler)
	mux.HandleFunc("/v1/participants/alice", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(participantResponse{Login: "alice", Status: "ACTIVE"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := testVerifier(t, srv)
	res, err := v.GetParticipant(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, VerifiedActive, res.Status)
}

func TestGetParticipant_NonActiveStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/token", tokenHandler)
	mux.HandleFunc("/v1/participants/bob", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(participantResponse{Login: "bob", Status: "FROZEN"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := testVerifier(t, srv)
	res, err := v.GetParticipant(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, VerifiedNonActive, res.Status)
}

func TestGetParticipant_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/token", tokenHandler)
	mux.HandleFunc("/v1/participants/ghost", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := testVerifier(t, srv)
	res, err := v.GetParticipant(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Status)

	_, ok := v.misses.Get("ghost")
	assert.True(t, ok)
}

func TestGetParticipant_ResultCacheAvoidsSecondRequest(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/token", tokenHandler)
	mux.HandleFunc("/v1/participants/alice", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode(participantResponse{Login: "alice", Status: "ACTIVE"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := testVerifier(t, srv)
	_, err := v.GetParticipant(context.Background(), "alice")
	require.NoError(t, err)
	_, err = v.GetParticipant(context.Background(), "alice")
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestGetParticipant_RefreshesOn401ThenRetries(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&tokenCalls, 1)
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "access-" + string(rune('0'+n)),
			RefreshToken: "refresh-1",
			ExpiresIn:    3600,
		})
	})
	mux.HandleFunc("/v1/participants/carol", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(participantResponse{Login: "carol", Status: "ACTIVE"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := testVerifier(t, srv)
	res, err := v.GetParticipant(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, VerifiedActive, res.Status)
	assert.EqualValues(t, 2, atomic.LoadInt32(&tokenCalls))
}

func TestGetParticipant_5xxSurfacesTemporaryFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/token", tokenHandler)
	mux.HandleFunc("/v1/participants/dave", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := testVerifier(t, srv)
	v.retryCfg.InitialDelay = time.Millisecond
	v.retryCfg.MaxRetries = 1

	res, err := v.GetParticipant(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, TemporaryFailure, res.Status)

	// Temporary failures are never cached.
	_, ok := v.successes.Get("dave")
	assert.False(t, ok)
	_, ok = v.misses.Get("dave")
	assert.False(t, ok)
}
