// Package fetch defines the request and response descriptors exchanged with
// the host environment and the network edge the proxy fetches through.
package fetch

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offline0/internal/errs"
)

// Request is the normalized request descriptor handed to the proxy.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the response descriptor returned to the host. It is stored
// opaquely by the cache, so no wire format is implied.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy so stored entries never share buffers with callers.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: CloneHeader(r.Header),
		Body:   bytes.Clone(r.Body),
	}
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	return &Request{
		Method: r.Method,
		URL:    r.URL,
		Header: CloneHeader(r.Header),
		Body:   bytes.Clone(r.Body),
	}
}

// Fetcher performs a single network round trip.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches requests over net/http and buffers the whole body.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher whose client gives up after timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", r.Method, r.URL, err)
	}
	CopyHeaders(req.Header, r.Header)
	// stored bodies are served as-is, so never let the transport negotiate compression
	req.Header.Set("Accept-Encoding", "identity")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrNetworkUnavailable, err, "%s %s", r.Method, r.URL)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ErrNetworkUnavailable, err, "read body %s", r.URL)
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: CloneHeader(resp.Header),
		Body:   b,
	}
	out.Header.Del("Content-Length")
	return out, nil
}

// CopyHeaders adds every header of src to dst except Host.
func CopyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// IsSafeMethod reports whether method is idempotent and read-only, i.e.
// eligible for the caching strategies.
func IsSafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, "":
		return true
	}
	return false
}

func init() {
	gob.Register(http.Header{})
}
