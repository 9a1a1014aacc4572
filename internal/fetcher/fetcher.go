// Package fetcher retrieves release detail pages.
//
// A Fetcher is safe for concurrent use. It does not cache: every call
// goes to the network, and the caller decides what to keep.
package fetcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Kind classifies a failed fetch.
type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindRemoteError  Kind = "remote_error"
	KindNetworkError Kind = "network_error"
)

// Payload is a detail page body, kept verbatim.
type Payload struct {
	Body        []byte
	ContentType string
}

// FetchError is the typed failure of a fetch.
type FetchError struct {
	Kind Kind
	// Status is the HTTP status for KindRemoteError, zero otherwise
	Status int
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindRemoteError:
		return fmt.Sprintf("http status %d", e.Status)
	case KindTimeout:
		return "timeout fetching detail page"
	default:
		if e.Err != nil {
			return fmt.Sprintf("network error: %v", e.Err)
		}
		return "network error"
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher resolves a source URL to its detail payload.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) (*Payload, error)
}

// Options configures an HTTPFetcher.
type Options struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// HTTPFetcher fetches detail pages over HTTP(S).
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

// New creates an HTTPFetcher with a transport tuned for many small page loads.
func New(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "bcfeed/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent:    opts.UserAgent,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

// Fetch performs a GET on sourceURL. Failures are always *FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL string) (*Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetworkError, URL: sourceURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{Kind: KindRemoteError, Status: resp.StatusCode, URL: sourceURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, classify(sourceURL, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, &FetchError{
			Kind: KindNetworkError,
			URL:  sourceURL,
			Err:  fmt.Errorf("body exceeds %d bytes", f.maxBodyBytes),
		}
	}

	return &Payload{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func classify(sourceURL string, err error) *FetchError {
	if IsTimeout(err) {
		return &FetchError{Kind: KindTimeout, URL: sourceURL, Err: err}
	}
	return &FetchError{Kind: KindNetworkError, URL: sourceURL, Err: err}
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
