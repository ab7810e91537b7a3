// Package finalize persists successful fetch results: it assigns the content
// id, lays out the output directory, retrieves images and writes the
// artifacts and metadata document.
package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/resilient-fetch/internal/clock/system"
	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/transport"
)

// Artifact names inside a result directory.
const (
	RawHTMLFile  = "raw.html"
	CleanFile    = "article.html"
	MarkdownFile = "content.md"
	MetadataFile = "metadata.json"
)

// URLValidator screens image URLs before download.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Config controls image retrieval.
type Config struct {
	ImagesEnabled    bool
	MaxImageBytes    int64
	ImageTimeout     time.Duration
	MaxImagesPerPage int
	ImagesPerSecond  float64
	UserAgent        string
}

// Deps are the Finalizer's collaborators. Store is required.
type Deps struct {
	Store     fetch.BlobStore
	Client    *http.Client
	Validator URLValidator
	Clock     fetch.Clock
	IDs       fetch.IDGenerator
}

// Finalizer implements pipeline.Finalizer.
type Finalizer struct {
	cfg          Config
	store        fetch.BlobStore
	client       *http.Client
	validator    URLValidator
	clock        fetch.Clock
	ids          fetch.IDGenerator
	imageLimiter *rate.Limiter
	logger       *zap.Logger
}

// Metadata is the metadata.json document.
type Metadata struct {
	FetchID    string              `json:"fetch_id,omitempty"`
	URL        string              `json:"url"`
	FinalURL   string              `json:"final_url"`
	Title      string              `json:"title"`
	Method     string              `json:"method"`
	Category   string              `json:"category"`
	ContentID  string              `json:"content_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Attempts   []fetch.Attempt     `json:"attempts"`
	ImageCount int                 `json:"image_count"`
	Images     []fetch.ImageRecord `json:"images"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
}

// New builds a Finalizer.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Finalizer, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("finalize: blob store is required")
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 10 << 20
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = 15 * time.Second
	}
	if cfg.MaxImagesPerPage <= 0 {
		cfg.MaxImagesPerPage = 40
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = transport.DefaultUserAgent
	}
	if deps.Client == nil {
		deps.Client = transport.NewClient(transport.ClientConfig{Timeout: cfg.ImageTimeout})
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Finalizer{
		cfg:       cfg,
		store:     deps.Store,
		client:    deps.Client,
		validator: deps.Validator,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    logger.Named("finalize"),
	}
	if cfg.ImagesPerSecond > 0 {
		f.imageLimiter = rate.NewLimiter(rate.Limit(cfg.ImagesPerSecond), 1)
	}
	return f, nil
}

// Finalize writes res to the store. Every problem is appended to
// res.FinalizeErrors; success is never changed.
func (f *Finalizer) Finalize(ctx context.Context, res *fetch.Result) {
	now := f.clock.Now()
	res.ContentID = ContentID(res.URL)
	dir := Layout(res.Category, now, res.ContentID)
	res.OutputPath = dir

	if f.cfg.ImagesEnabled && strings.TrimSpace(res.CleanHTML) != "" {
		f.retrieveImages(ctx, res, dir)
	}

	f.put(ctx, res, path.Join(dir, RawHTMLFile), "text/html; charset=utf-8", []byte(res.RawHTML))
	f.put(ctx, res, path.Join(dir, CleanFile), "text/html; charset=utf-8", []byte(res.CleanHTML))
	f.put(ctx, res, path.Join(dir, MarkdownFile), "text/markdown; charset=utf-8", []byte(res.Content))

	meta := Metadata{
		URL:        res.URL,
		FinalURL:   res.FinalURL,
		Title:      res.Title,
		Method:     res.Method,
		Category:   res.Category,
		ContentID:  res.ContentID,
		Timestamp:  now.UTC(),
		Attempts:   res.Attempts,
		ImageCount: len(res.Images),
		Images:     res.Images,
		Metadata:   res.Metadata,
	}
	if meta.Images == nil {
		meta.Images = []fetch.ImageRecord{}
	}
	if f.ids != nil {
		if id, err := f.ids.NewID(); err == nil {
			meta.FetchID = id
		} else {
			f.record(res, fmt.Errorf("fetch id: %w", err))
		}
	}
	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		f.record(res, fmt.Errorf("encode metadata: %w", err))
		return
	}
	f.put(ctx, res, path.Join(dir, MetadataFile), "application/json", body)
}

func (f *Finalizer) put(ctx context.Context, res *fetch.Result, name, contentType string, data []byte) {
	if _, err := f.store.PutObject(ctx, name, contentType, bytes.NewReader(data)); err != nil {
		f.record(res, fmt.Errorf("write %s: %w", name, err))
	}
}

func (f *Finalizer) record(res *fetch.Result, err error) {
	err = fmt.Errorf("%w: %w", fetch.ErrFinalization, err)
	f.logger.Warn("finalization problem", zap.String("url", res.URL), zap.String("content_id", res.ContentID), zap.Error(err))
	res.AddFinalizeError(err)
}
