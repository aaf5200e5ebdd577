package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestClient(t *testing.T, handler http.Handler) *AssemblyClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAssemblyClient("test-key", WithBaseURL(srv.URL), withSleep(noSleep))
}

func TestUploadSuccess(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"upload_url":"https://cdn.example/abc"}`))
	}))

	url, err := c.Upload(context.Background(), []byte("audio"))
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/abc", url)
}

func TestUploadRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"upload_url":"https://cdn.example/abc"}`))
	}))

	url, err := c.Upload(context.Background(), []byte("audio"))
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/abc", url)
	require.Equal(t, int32(3), calls.Load())
}

func TestUploadGivesUpAfterAttemptCap(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.Upload(context.Background(), []byte("audio"))
	require.Error(t, err)
	require.Equal(t, int32(uploadAttempts), calls.Load())
}

func TestUploadAbortsOnUnauthorized(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Upload(context.Background(), []byte("audio"))
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, int32(1), calls.Load(), "auth failures must not retry")
}

func TestUploadHonorsRetryAfter(t *testing.T) {
	var slept []time.Duration
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"upload_url":"https://cdn.example/abc"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewAssemblyClient("test-key", WithBaseURL(srv.URL), withSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	_, err := c.Upload(context.Background(), []byte("audio"))
	require.NoError(t, err)
	require.Contains(t, slept, 7*time.Second)
}

func TestSubmitSendsLanguageAndModel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transcript", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"id":"tr-1"}`))
	}))

	id, err := c.Submit(context.Background(), "https://cdn.example/abc", "")
	require.NoError(t, err)
	require.Equal(t, "tr-1", id)
}

func TestPollParsesTerminalStates(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transcript/tr-1", r.URL.Path)
		w.Write([]byte(`{"status":"completed","text":"hello there"}`))
	}))

	st, err := c.Poll(context.Background(), "tr-1")
	require.NoError(t, err)
	require.True(t, st.Terminal())
	require.Equal(t, "hello there", st.Text)
}
