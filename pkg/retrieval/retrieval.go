// Package retrieval downloads encrypted blobs through an ordered list of
// transport endpoints, falling back to the next endpoint on any failure.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wylloh/config"
	"wylloh/logging"
	"wylloh/pkg/cas"
	"wylloh/pkg/models"

	"github.com/hashicorp/go-retryablehttp"
)

// Endpoint is one transport path. The blob URL is BaseURL + "/" + CID.
type Endpoint struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// Result carries the body and the failures that preceded it.
type Result struct {
	Body     []byte
	Endpoint string
	URL      string
	Attempts []models.RetrievalAttempt
}

// AttemptHook observes every endpoint attempt.
type AttemptHook func(endpoint string, ok bool, elapsed time.Duration)

type Downloader struct {
	endpoints []Endpoint
	client    *retryablehttp.Client
	logger    *logging.Logger
	onAttempt AttemptHook
}

type Option func(*Downloader)

// WithRetryMax sets per-endpoint retries before moving to the next endpoint.
func WithRetryMax(n int) Option {
	return func(d *Downloader) { d.client.RetryMax = n }
}

// WithAttemptHook registers a hook for telemetry.
func WithAttemptHook(hook AttemptHook) Option {
	return func(d *Downloader) { d.onAttempt = hook }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.client.HTTPClient = c }
}

func New(endpoints []Endpoint, opts ...Option) *Downloader {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	d := &Downloader{
		endpoints: endpoints,
		client:    client,
		logger:    logging.GetLogger().WithComponent("retrieval"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// EndpointsFromConfig orders the configured endpoints: CDN, API proxy, then
// public gateways. Empty URLs are skipped.
func EndpointsFromConfig(cfg config.RetrievalConfig) []Endpoint {
	var endpoints []Endpoint
	if cfg.CDNURL != "" {
		endpoints = append(endpoints, Endpoint{Name: "cdn", BaseURL: cfg.CDNURL, Timeout: cfg.CDNTimeout})
	}
	if cfg.APIURL != "" {
		endpoints = append(endpoints, Endpoint{
			Name:    "api",
			BaseURL: strings.TrimRight(cfg.APIURL, "/") + "/api/ipfs",
			Timeout: cfg.APITimeout,
		})
	}
	for _, gw := range cfg.PublicGateways {
		if gw == "" {
			continue
		}
		endpoints = append(endpoints, Endpoint{
			Name:    "gateway:" + gatewayHost(gw),
			BaseURL: gw,
			Timeout: cfg.GatewayTimeout,
		})
	}
	return endpoints
}

// NewFromConfig builds a Downloader from retrieval settings.
func NewFromConfig(cfg config.RetrievalConfig, opts ...Option) *Downloader {
	opts = append([]Option{WithRetryMax(cfg.RetryMax)}, opts...)
	return New(EndpointsFromConfig(cfg), opts...)
}

func gatewayHost(base string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[:i]
	}
	return s
}

// Endpoints returns the configured endpoints in attempt order.
func (d *Downloader) Endpoints() []Endpoint {
	out := make([]Endpoint, len(d.endpoints))
	copy(out, d.endpoints)
	return out
}

// Download returns the first non-empty body. Every endpoint failing yields a
// *models.RetrievalError listing each attempt.
func (d *Downloader) Download(ctx context.Context, address string) (*Result, error) {
	cid, err := cas.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	var attempts []models.RetrievalAttempt
	for _, ep := range d.endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		url := strings.TrimRight(ep.BaseURL, "/") + "/" + cid
		start := time.Now()
		body, err := d.fetch(ctx, ep, url)
		elapsed := time.Since(start)
		if d.onAttempt != nil {
			d.onAttempt(ep.Name, err == nil, elapsed)
		}
		if err == nil {
			d.logger.Debug("Retrieved %s from %s after %d failed attempt(s)", cid, ep.Name, len(attempts))
			return &Result{Body: body, Endpoint: ep.Name, URL: url, Attempts: attempts}, nil
		}

		// Caller cancellation aborts instead of falling through.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Warn("Retrieval of %s via %s failed: %v", cid, ep.Name, err)
		attempts = append(attempts, models.RetrievalAttempt{
			Endpoint: ep.Name,
			URL:      url,
			Error:    err.Error(),
			Duration: elapsed,
		})
	}

	d.logger.Error("All %d retrieval endpoints failed for %s", len(attempts), cid)
	return nil, &models.RetrievalError{Address: cid, Attempts: attempts}
}

func (d *Downloader) fetch(ctx context.Context, ep Endpoint, url string) ([]byte, error) {
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) == 0 {
		return nil, errors.New("response body is empty")
	}
	return body, nil
}
