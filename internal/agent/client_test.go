package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmarkovic/upflow/pkg/models"
	"github.com/vmarkovic/upflow/pkg/platform"
)

func writeAgent(w http.ResponseWriter, code int, message string, data interface{}) {
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": message,
		"data":    json.RawMessage(raw),
	})
}

func testSession() *models.Session {
	return &models.Session{ID: "s1", AccountID: "a1", EndpointRef: "http://127.0.0.1:9222"}
}

func TestCheckSession(t *testing.T) {
	loggedIn := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/session/check", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "http://127.0.0.1:9222", req["endpoint"])
		writeAgent(w, codeOK, "", map[string]bool{"logged_in": loggedIn})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ok, err := c.CheckSession(context.Background(), testSession())
	require.NoError(t, err)
	assert.True(t, ok)

	loggedIn = false
	ok, err = c.CheckSession(context.Background(), testSession())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPerformUpload_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/upload", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "video-1", req["payload"])
		writeAgent(w, codeOK, "", map[string]string{"result_ref": "post-123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resultRef, err := c.PerformUpload(context.Background(), testSession(), "video-1")
	require.NoError(t, err)
	assert.Equal(t, "post-123", resultRef)
}

func TestPerformUpload_BusinessCodes(t *testing.T) {
	cases := []struct {
		code int
		kind platform.ErrorKind
	}{
		{codeBanned, platform.AuthLost},
		{codeQuotaDrained, platform.QuotaRejectedByTarget},
		{codeRateLimited, platform.TransientNetwork},
		{codePageTimeout, platform.TransientNetwork},
		{codeBadContent, platform.ContentRejected},
		{9999, platform.Unknown},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeAgent(w, tc.code, "upload rejected", nil)
		}))

		c := NewClient(srv.URL)
		_, err := c.PerformUpload(context.Background(), testSession(), "video-1")
		srv.Close()

		var uploadErr *platform.UploadError
		require.ErrorAs(t, err, &uploadErr, "code %d", tc.code)
		assert.Equal(t, tc.kind, uploadErr.Kind, "code %d", tc.code)
		assert.Equal(t, "upload rejected", uploadErr.Message, "code %d", tc.code)
	}
}

func TestPerformUpload_TransportErrorIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.PerformUpload(context.Background(), testSession(), "video-1")

	var uploadErr *platform.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, platform.TransientNetwork, uploadErr.Kind)
}

func TestPerformUpload_RespectsContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		writeAgent(w, codeOK, "", map[string]string{"result_ref": "late"})
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL)
	done := make(chan error, 1)
	go func() {
		_, err := c.PerformUpload(ctx, testSession(), "video-1")
		done <- err
	}()
	cancel()

	err := <-done
	require.Error(t, err)
	var uploadErr *platform.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, platform.TransientNetwork, uploadErr.Kind)
}

func TestAbort(t *testing.T) {
	var aborted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/abort", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		aborted = req["endpoint"]
		writeAgent(w, codeOK, "", nil)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.Abort(context.Background(), testSession()))
	assert.Equal(t, "http://127.0.0.1:9222", aborted)
}

func TestCheckSession_AgentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAgent(w, 9999, "internal failure", nil)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.CheckSession(context.Background(), testSession())
	require.Error(t, err)
	var uploadErr *platform.UploadError
	assert.False(t, errors.As(err, &uploadErr), "session check errors are not upload errors")
}
