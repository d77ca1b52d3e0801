// Package minutes talks to the meeting-minutes web service: listing,
// media and transcript export, deletion and the block upload protocol.
package minutes

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chmdznr/minutes-mirror/internal/transfer"
)

var (
	// ErrSessionExpired is returned when the listing no longer carries items,
	// which the service does once the cookie is stale.
	ErrSessionExpired = errors.New("session expired: refresh the cookie")

	// ErrUsageUnsupported is returned by Usage; the service exposes no
	// byte-usage telemetry.
	ErrUsageUnsupported = errors.New("minutes service does not report storage usage")
)

const (
	DefaultBaseURL      = "https://meetings.feishu.cn/minutes/api/"
	DefaultBlockBaseURL = "https://internal-api-space.feishu.cn/"
	DefaultReferer      = "https://meetings.feishu.cn/minutes/me"
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36"
	defaultPageSize     = 20
	maxPages            = 10000
)

// TranscriptOptions controls the transcript export.
type TranscriptOptions struct {
	Format    string // "srt" or "txt"
	Speaker   bool
	Timestamp bool
}

// Ext returns the file extension for the chosen format.
func (o TranscriptOptions) Ext() string {
	if o.Format == "srt" {
		return "srt"
	}
	return "txt"
}

func (o TranscriptOptions) formatCode() string {
	if o.Format == "srt" {
		return "3"
	}
	return "2"
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	BlockBaseURL   string
	Cookie         string
	Space          int
	Language       string
	Referer        string
	UserAgent      string
	Proxy          string
	PageSize       int
	RequestTimeout time.Duration
	Transcript     TranscriptOptions
}

// Client is a minutes service client authenticated by a session cookie.
type Client struct {
	http    *http.Client
	base    *url.URL
	block   *url.URL
	opts    Options
	header  http.Header
	log     zerolog.Logger
	nowFunc func() time.Time
}

// NewClient validates the cookie and builds a client.
func NewClient(opts Options, log zerolog.Logger) (*Client, error) {
	if opts.Cookie == "" {
		return nil, errors.New("cookie must not be empty")
	}
	token, err := csrfToken(opts.Cookie)
	if err != nil {
		return nil, err
	}

	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.BlockBaseURL == "" {
		opts.BlockBaseURL = DefaultBlockBaseURL
	}
	if opts.Referer == "" {
		opts.Referer = DefaultReferer
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Language == "" {
		opts.Language = "zh_cn"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	base, err := parseBase(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	block, err := parseBase(opts.BlockBaseURL)
	if err != nil {
		return nil, err
	}

	tr, err := newTransport(opts.Proxy)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("User-Agent", opts.UserAgent)
	header.Set("Cookie", opts.Cookie)
	header.Set("bv-csrf-token", token)
	header.Set("Referer", opts.Referer)

	return &Client{
		http:    &http.Client{Transport: tr},
		base:    base,
		block:   block,
		opts:    opts,
		header:  header,
		log:     log,
		nowFunc: time.Now,
	}, nil
}

func parseBase(raw string) (*url.URL, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	return u, nil
}

func newTransport(proxy string) (*http.Transport, error) {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
		}
		tr.Proxy = http.ProxyURL(u)
	}
	return tr, nil
}

// RangeSource returns a range reader that carries the session headers, for
// fetching media from the URLs the service hands out.
func (c *Client) RangeSource() transfer.RangeSource {
	return transfer.NewHTTPSource(c.http, c.header.Clone())
}

// envelope is the service's common JSON response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// APIError is a non-success response.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       int
	Msg        string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 && (e.StatusCode < 200 || e.StatusCode > 299) {
		return fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: code %d: %s", e.Endpoint, e.Code, e.Msg)
}

func (c *Client) resolve(base *url.URL, path string, query url.Values) string {
	u := base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// send performs a request and returns the raw body of a 2xx response.
func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader, contentType string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Endpoint: stripQuery(endpoint), StatusCode: resp.StatusCode}
	}
	return data, nil
}

// call performs a request, decodes the envelope and its data into out.
func (c *Client) call(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
		contentType = "application/octet-stream"
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}

	data, err := c.send(ctx, method, endpoint, reader, contentType)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode %s: %w", stripQuery(endpoint), err)
	}
	if env.Code != 0 {
		return &APIError{Endpoint: stripQuery(endpoint), StatusCode: http.StatusOK, Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", stripQuery(endpoint), err)
	}
	return nil
}

func stripQuery(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
