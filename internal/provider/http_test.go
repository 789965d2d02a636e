package provider

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

	"github.com/vmarkovic/upflow/pkg/models"
)

func writeAPI(w http.ResponseWriter, success bool, msg string, data interface{}) {
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": success,
		"msg":     msg,
		"data":    json.RawMessage(raw),
	})
}

func testAccount() models.Account {
	return models.Account{ID: "a1", CredentialsRef: "profile-1"}
}

func TestOpenSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/browser/open", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "profile-1", req["id"])
		writeAPI(w, true, "", map[string]string{"http": "127.0.0.1:9222"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	endpointRef, err := p.OpenSession(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9222", endpointRef)
}

func TestOpenSession_RetriesWhileClosing(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeAPI(w, false, "The browser is closing, please try again later", nil)
			return
		}
		writeAPI(w, true, "", map[string]string{"http": "127.0.0.1:9222"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	endpointRef, err := p.OpenSession(ctx, testAccount())
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9222", endpointRef)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenSession_HardFailureNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPI(w, false, "profile not found", nil)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	_, err := p.OpenSession(context.Background(), testAccount())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "profile not found")
}

func TestCloseSession_RoutesToProfile(t *testing.T) {
	var closedID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/browser/open":
			writeAPI(w, true, "", map[string]string{"http": "127.0.0.1:9222"})
		case "/browser/close":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			closedID = req["id"]
			writeAPI(w, true, "", nil)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	endpointRef, err := p.OpenSession(context.Background(), testAccount())
	require.NoError(t, err)
	require.NoError(t, p.CloseSession(context.Background(), endpointRef))
	assert.Equal(t, "profile-1", closedID)

	// the mapping is gone after close
	err = p.CloseSession(context.Background(), endpointRef)
	assert.Error(t, err)
}

func TestProbe(t *testing.T) {
	status := "Active"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/browser/open":
			writeAPI(w, true, "", map[string]string{"http": "127.0.0.1:9222"})
		case "/browser/detail":
			writeAPI(w, true, "", map[string]string{"status": status})
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	endpointRef, err := p.OpenSession(context.Background(), testAccount())
	require.NoError(t, err)

	alive, err := p.Probe(context.Background(), endpointRef)
	require.NoError(t, err)
	assert.True(t, alive)

	status = "Inactive"
	alive, err = p.Probe(context.Background(), endpointRef)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestProbe_UnknownEndpoint(t *testing.T) {
	p := NewHTTPProvider("http://127.0.0.1:1")
	alive, err := p.Probe(context.Background(), "http://unknown:9222")
	require.NoError(t, err)
	assert.False(t, alive)
}
