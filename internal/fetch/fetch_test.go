package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/errs"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(r.Method + ":" + string(body)))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	resp, err := f.Fetch(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/items",
		Header: http.Header{"X-Test": {"yes"}},
		Body:   []byte("payload"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.True(t, resp.OK())
	assert.Equal(t, "POST:payload", string(resp.Body))
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}

func TestHTTPFetcher_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), &Request{Method: http.MethodGet, URL: url})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNetworkUnavailable))
}

func TestResponseClone(t *testing.T) {
	r := &Response{Status: 200, Header: http.Header{"A": {"1"}}, Body: []byte("x")}
	c := r.Clone()
	c.Body[0] = 'y'
	c.Header.Set("A", "2")
	assert.Equal(t, "x", string(r.Body))
	assert.Equal(t, "1", r.Header.Get("A"))
}

func TestIsSafeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"GET", true},
		{"head", true},
		{"POST", false},
		{"PUT", false},
		{"DELETE", false},
		{"PATCH", false},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSafeMethod(tt.method))
		})
	}
}
