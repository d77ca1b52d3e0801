package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// RangeSource is a remote object store that supports size probes and ranged
// reads. end is inclusive.
type RangeSource interface {
	Probe(ctx context.Context, src string) (int64, error)
	OpenRange(ctx context.Context, src string, start, end int64) (io.ReadCloser, error)
}

// HTTPSource reads objects over HTTP using HEAD for size and GET with a
// Range header for content. Header carries the caller's auth context.
type HTTPSource struct {
	Client *http.Client
	Header http.Header
}

// NewHTTPSource creates an HTTP range source.
func NewHTTPSource(client *http.Client, header http.Header) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{Client: client, Header: header}
}

func (s *HTTPSource) newRequest(ctx context.Context, method, src string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, src, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// Probe returns the object size from Content-Length, falling back to the
// total of a one-byte Content-Range when the server omits it on HEAD.
func (s *HTTPSource) Probe(ctx context.Context, src string) (int64, error) {
	req, err := s.newRequest(ctx, http.MethodHead, src)
	if err != nil {
		return 0, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("size probe: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}

	rc, err := s.openRange(ctx, src, "bytes=0-0")
	if err != nil {
		return 0, fmt.Errorf("size probe: HEAD status %d: %w", resp.StatusCode, err)
	}
	defer rc.Body.Close()
	return parseContentRangeTotal(rc.Header.Get("Content-Range"))
}

// OpenRange issues GET with Range: bytes=start-end and requires 206.
func (s *HTTPSource) OpenRange(ctx context.Context, src string, start, end int64) (io.ReadCloser, error) {
	resp, err := s.openRange(ctx, src, fmt.Sprintf("bytes=%d-%d", start, end))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *HTTPSource) openRange(ctx context.Context, src, rangeHeader string) (*http.Response, error) {
	req, err := s.newRequest(ctx, http.MethodGet, src)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", rangeHeader)
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrNotPartialContent, resp.StatusCode)
	}
	return resp, nil
}

// parseContentRangeTotal extracts the total from "bytes 0-0/12345".
func parseContentRangeTotal(v string) (int64, error) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	total := v[i+1:]
	if total == "*" {
		return 0, fmt.Errorf("Content-Range %q does not carry a total", v)
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", v, err)
	}
	return n, nil
}
