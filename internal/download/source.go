// Package download fetches the artifacts of one resolved upgrade as a
// single session: bounded-concurrency transfers with pause, resume and
// cancel, bounded transport retries, checksum enforcement and atomic
// publish into the local cache.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// Source opens a byte stream for an artifact reference, starting at
// offset. resumed reports whether the stream actually starts at offset;
// when false the server ignored the range and the stream restarts at byte
// zero, so the caller must discard what it already has.
type Source interface {
	Open(ctx context.Context, ref string, offset int64) (body io.ReadCloser, resumed bool, err error)
}

// HTTPSource fetches over HTTPS from the update service.
type HTTPSource struct {
	client    *http.Client
	base      *url.URL
	userAgent string
}

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	// BaseURL is the service root; relative artifact references resolve
	// against it.
	BaseURL string

	// Build is the client's current build number, reported in the
	// User-Agent header so the service can see fleet version spread.
	Build int

	// Timeout bounds each request's dial+response-header time, not the
	// body read. Zero means 30s.
	Timeout time.Duration
}

func NewHTTPSource(opts HTTPOptions) (*HTTPSource, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse base url %s", opts.BaseURL)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, xerrors.Newf("base url %s has no scheme or host", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &HTTPSource{
		client:    &http.Client{Transport: otelhttp.NewTransport(transport)},
		base:      base,
		userAgent: fmt.Sprintf("otaclient/%d", opts.Build),
	}, nil
}

func (s *HTTPSource) Open(ctx context.Context, ref string, offset int64) (io.ReadCloser, bool, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return nil, false, xerrors.Wrapf(err, "parse artifact ref %s", ref)
	}
	target := s.base.ResolveReference(refURL).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, xerrors.Wrapf(err, "build request for %s", target)
	}
	req.Header.Set("User-Agent", s.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		return resp.Body, true, nil
	case resp.StatusCode == http.StatusOK:
		// a plain 200 on a ranged request means the server ignored the
		// range; the stream restarts from byte zero
		return resp.Body, false, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, false, xerrors.Wrapf(ErrNotFound, "fetch %s", target)
	default:
		resp.Body.Close()
		return nil, false, xerrors.Newf("fetch %s: unexpected status %s", target, resp.Status)
	}
}
