// Package redirect resolves tracking and shortener URLs to their real destination.
package redirect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFollowTimeout = 10 * time.Second
	minEncodedSegment    = 16
)

// QueryParams are checked in order for an embedded destination.
var QueryParams = []string{"url", "redirect", "target", "dest", "destination", "href"}

var payloadKeys = []string{"href", "url"}

var encodings = []*base64.Encoding{
	base64.RawURLEncoding,
	base64.RawStdEncoding,
}

// Validator rejects URLs that must not be contacted.
type Validator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Config controls decoder behavior.
type Config struct {
	// Services are patterns for hosts that are resolved by following redirects.
	Services []*regexp.Regexp
	// Client follows service redirects. Its CheckRedirect should validate hops.
	Client *http.Client
	// Validator vets a service URL before the first request. Nil allows all.
	Validator Validator
	// Timeout bounds one follow; zero means 10s.
	Timeout   time.Duration
	UserAgent string
}

// Decoder normalizes redirect URLs. It never fails; unknown input passes through.
type Decoder struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Decoder.
func New(cfg Config, logger *zap.Logger) *Decoder {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFollowTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{cfg: cfg, logger: logger}
}

// Decode returns the real destination of rawURL, or rawURL unchanged.
func (d *Decoder) Decode(ctx context.Context, rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return rawURL
	}

	if dest, ok := fromEncodedPath(u); ok {
		d.logger.Debug("decoded base64 redirect payload", zap.String("url", rawURL), zap.String("destination", dest))
		return dest
	}
	if d.isService(rawURL) {
		if dest, ok := d.follow(ctx, rawURL); ok {
			d.logger.Debug("followed redirect service", zap.String("url", rawURL), zap.String("destination", dest))
			return dest
		}
	}
	if dest, ok := fromQuery(u); ok {
		d.logger.Debug("decoded redirect query parameter", zap.String("url", rawURL), zap.String("destination", dest))
		return dest
	}
	return rawURL
}

func (d *Decoder) isService(rawURL string) bool {
	for _, re := range d.cfg.Services {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// follow issues HEAD (GET when HEAD is refused) and returns the last URL in the chain.
func (d *Decoder) follow(ctx context.Context, rawURL string) (string, bool) {
	if d.cfg.Validator != nil {
		if err := d.cfg.Validator.Validate(ctx, rawURL); err != nil {
			d.logger.Debug("redirect service rejected", zap.String("url", rawURL), zap.Error(err))
			return "", false
		}
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	final, status, err := d.request(ctx, http.MethodHead, rawURL)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		final, _, err = d.request(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		d.logger.Debug("redirect follow failed", zap.String("url", rawURL), zap.Error(err))
		return "", false
	}
	if final == "" || final == rawURL {
		return "", false
	}
	return final, true
}

func (d *Decoder) request(ctx context.Context, method, rawURL string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return "", 0, err
	}
	_ = resp.Body.Close()
	return resp.Request.URL.String(), resp.StatusCode, nil
}

// fromEncodedPath looks for a base64 JSON object with a destination in any path segment.
func fromEncodedPath(u *url.URL) (string, bool) {
	for _, segment := range strings.Split(u.EscapedPath(), "/") {
		segment, err := url.PathUnescape(segment)
		if err != nil {
			continue
		}
		parts := append([]string{segment}, strings.Split(segment, ".")...)
		for _, part := range parts {
			if dest, ok := decodePayload(part); ok {
				return dest, true
			}
		}
	}
	return "", false
}

func decodePayload(s string) (string, bool) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if len(s) < minEncodedSegment {
		return "", false
	}
	for _, enc := range encodings {
		raw, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		for _, key := range payloadKeys {
			if v, ok := payload[key].(string); ok && isAbsoluteHTTP(v) {
				return v, true
			}
		}
	}
	return "", false
}

func fromQuery(u *url.URL) (string, bool) {
	q := u.Query()
	for _, name := range QueryParams {
		if v := strings.TrimSpace(q.Get(name)); isAbsoluteHTTP(v) {
			return v, true
		}
	}
	return "", false
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
