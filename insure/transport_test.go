package insure

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport()
	outcome := tr.Send(context.Background(), Dispatch{
		Method:    http.MethodPost,
		URL:       srv.URL,
		Headers:   map[string][]string{"Authorization": {"Bearer tok"}},
		Payload:   `{"n":1}`,
		Timeout:   5 * time.Second,
		KeepAlive: true,
	})

	assert.Equal(t, http.StatusOK, outcome.Code)
	assert.True(t, outcome.Successful())
	require.NotNil(t, outcome.Body)
	assert.Equal(t, `{"ok":true}`, *outcome.Body)
	assert.Equal(t, []string{"yes"}, outcome.Headers["X-Upstream"])
	assert.GreaterOrEqual(t, outcome.WallMs, 0.0)
}

func TestHTTPTransportUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport()
	outcome := tr.Send(context.Background(), Dispatch{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 5 * time.Second,
	})

	assert.Equal(t, http.StatusServiceUnavailable, outcome.Code)
	assert.False(t, outcome.Successful())
	assert.True(t, outcome.Retryable(false))
}

func TestHTTPTransportClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr := NewHTTPTransport()
	outcome := tr.Send(context.Background(), Dispatch{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 5 * time.Second,
	})

	assert.Equal(t, http.StatusNotFound, outcome.Code)
	assert.False(t, outcome.Retryable(true))
}

func TestHTTPTransportTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	tr := NewHTTPTransport()
	outcome := tr.Send(context.Background(), Dispatch{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
	})

	assert.Equal(t, CodeTimedOut, outcome.Code)
	assert.Nil(t, outcome.Body)
	assert.True(t, outcome.Retryable(false))
}

func TestHTTPTransportConnectionRefused(t *testing.T) {
	// Grab a port nobody is listening on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport()
	outcome := tr.Send(context.Background(), Dispatch{
		Method:  http.MethodGet,
		URL:     url,
		Timeout: 2 * time.Second,
	})

	assert.Equal(t, CodeInconsistent, outcome.Code)
	assert.Nil(t, outcome.Body)
	assert.Nil(t, outcome.Headers)
	assert.False(t, outcome.Retryable(false))
	assert.True(t, outcome.Retryable(true))
}

func TestHTTPTransportBadURL(t *testing.T) {
	tr := NewHTTPTransport()
	outcome := tr.Send(context.Background(), Dispatch{
		Method:  "GET",
		URL:     "://no-scheme",
		Timeout: time.Second,
	})
	assert.Equal(t, CodeInconsistent, outcome.Code)
}

func TestOutcomeClass(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{200, "successful"},
		{204, "successful"},
		{404, "client_error"},
		{503, "server_error"},
		{CodeTimedOut, "timed_out"},
		{CodeInconsistent, "inconsistent"},
		{302, "other_status"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Outcome{Code: c.code}.Class(), "code %d", c.code)
	}
}
