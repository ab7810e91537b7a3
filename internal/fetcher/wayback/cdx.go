// Package wayback talks to the Internet Archive's CDX index and serves the
// Wayback-Snapshot strategy.
package wayback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/transport"
	"github.com/JakeFAU/resilient-fetch/internal/resilience/circuitbreaker"
)

const (
	// DefaultBaseURL is the public Wayback Machine.
	DefaultBaseURL = "https://web.archive.org"
	// DefaultLimit bounds how many CDX rows one lookup asks for.
	DefaultLimit   = 20
	defaultTimeout = 30 * time.Second
)

// ClientConfig configures a CDX Client.
type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// Client queries CDX and downloads raw snapshots.
type Client struct {
	cfg     ClientConfig
	base    *url.URL
	http    *http.Client
	limiter fetch.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient builds a Client. httpClient, limiter and breaker may be nil.
func NewClient(
	cfg ClientConfig,
	httpClient *http.Client,
	limiter fetch.Limiter,
	breaker *circuitbreaker.CircuitBreaker,
	logger *zap.Logger,
) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid wayback base url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = transport.NewClient(transport.ClientConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		limiter: limiter,
		breaker: breaker,
		logger:  logger.Named("wayback"),
	}, nil
}

// Snapshots lists up to limit successful captures of target, oldest first.
func (c *Client) Snapshots(ctx context.Context, target string, limit int) ([]fetch.Snapshot, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return c.query(ctx, target, limit)
}

// Latest lists the n most recent successful captures of target, newest first.
func (c *Client) Latest(ctx context.Context, target string, n int) ([]fetch.Snapshot, error) {
	if n <= 0 {
		n = 1
	}
	// A negative CDX limit counts from the end of the index.
	snaps, err := c.query(ctx, target, -n)
	if err != nil {
		return nil, err
	}
	slices.Reverse(snaps)
	return snaps, nil
}

func (c *Client) query(ctx context.Context, target string, limit int) ([]fetch.Snapshot, error) {
	q := url.Values{}
	q.Set("url", target)
	q.Set("output", "json")
	q.Set("filter", "statuscode:200")
	q.Set("fl", "timestamp,original,mimetype,statuscode")
	q.Set("limit", strconv.Itoa(limit))
	endpoint := c.base.String() + "/cdx/search/cdx?" + q.Encode()

	return circuitbreaker.Do(c.breaker, func() ([]fetch.Snapshot, error) {
		body, err := c.get(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		snaps, err := ParseCDX(body)
		if err != nil {
			return nil, err
		}
		if len(snaps) == 0 {
			return nil, fmt.Errorf("%w: wayback has no captures of %s", fetch.ErrNoSnapshot, target)
		}
		return snaps, nil
	})
}

// SnapshotURL is the raw (id_) playback address of a capture.
func (c *Client) SnapshotURL(s fetch.Snapshot) string {
	return fmt.Sprintf("%s/web/%sid_/%s", c.base.String(), s.Timestamp, s.Original)
}

// Download fetches the raw HTML of a capture.
func (c *Client) Download(ctx context.Context, s fetch.Snapshot) (fetch.Page, error) {
	addr := c.SnapshotURL(s)
	body, err := c.get(ctx, addr)
	if err != nil {
		return fetch.Page{}, err
	}
	return fetch.Page{URL: s.Original, FinalURL: addr, HTML: string(body), StatusCode: http.StatusOK}, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.base.Host); err != nil {
			return nil, err
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build wayback request: %w", err)
	}
	transport.ApplyBrowserHeaders(req.Header, c.cfg.UserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: wayback request: %v", fetch.ErrNetworkFailure, err)
	}
	return transport.ReadBody(resp, c.cfg.MaxBodyBytes)
}

// ParseCDX decodes CDX JSON output. The first row names the columns; an empty
// body means no captures.
func ParseCDX(body []byte) ([]fetch.Snapshot, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode cdx response: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[name] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	out := make([]fetch.Snapshot, 0, len(rows)-1)
	for _, row := range rows[1:] {
		s := fetch.Snapshot{
			Timestamp:  field(row, "timestamp"),
			Original:   field(row, "original"),
			MimeType:   field(row, "mimetype"),
			StatusCode: field(row, "statuscode"),
		}
		if s.Timestamp == "" || s.Original == "" {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}
