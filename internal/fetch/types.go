package fetch

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Strategy method names, recorded on every Attempt and on the winning Result.
const (
	MethodSkipCheck    = "skip_check"
	MethodDirect       = "direct"
	MethodBrowser      = "browser"
	MethodArchive      = "archive_is"
	MethodWayback      = "wayback"
	MethodResurrection = "resurrection"
)

// DefaultCategory is used when a Request carries no category.
const DefaultCategory = "articles"

// Request is the immutable input for one fetch.
type Request struct {
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
}

// CategoryOrDefault returns the request category, falling back to DefaultCategory.
func (r Request) CategoryOrDefault() string {
	if c := strings.TrimSpace(r.Category); c != "" {
		return c
	}
	return DefaultCategory
}

// Page is the raw output of a strategy.
type Page struct {
	URL        string
	FinalURL   string
	HTML       string
	StatusCode int
}

// Strategy is one link in the fetch chain.
type Strategy interface {
	// Name returns the method name recorded on attempts.
	Name() string
	// Available reports whether the strategy can run at all. Unavailable
	// strategies are passed over without recording an attempt.
	Available() bool
	// MinContentChars is the extracted-length floor for accepting this
	// strategy's output.
	MinContentChars() int
	// Attempt fetches url. Failures are returned as errors, never panics.
	Attempt(ctx context.Context, url string) (Page, error)
}

// Attempt is one entry in the audit trail of a fetch.
type Attempt struct {
	Method     string `json:"method"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ImageRecord describes an image downloaded during finalization.
type ImageRecord struct {
	OriginalURL string `json:"original_url"`
	LocalPath   string `json:"local_path"`
	Filename    string `json:"filename"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Bytes       int    `json:"bytes"`
}

// Snapshot is one row of the historical-snapshot index.
type Snapshot struct {
	Timestamp  string `json:"timestamp"`
	Original   string `json:"original"`
	MimeType   string `json:"mimetype"`
	StatusCode string `json:"statuscode"`
}

// Extraction is what the extraction capability yields for accepted HTML.
type Extraction struct {
	Title     string
	Markdown  string
	CleanHTML string
	Metadata  map[string]string
}

// Length is the extracted content length in characters.
func (e Extraction) Length() int {
	return len([]rune(strings.TrimSpace(e.Markdown)))
}

// Result is the structured outcome of one fetch. Exactly one of
// (Success with Method) or (!Success with Error) holds.
type Result struct {
	Success        bool              `json:"success"`
	URL            string            `json:"url"`
	FinalURL       string            `json:"final_url,omitempty"`
	Title          string            `json:"title,omitempty"`
	Method         string            `json:"method,omitempty"`
	Category       string            `json:"category"`
	Content        string            `json:"content,omitempty"`
	CleanHTML      string            `json:"clean_html,omitempty"`
	RawHTML        string            `json:"-"`
	Images         []ImageRecord     `json:"images,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Error          string            `json:"error,omitempty"`
	Attempts       []Attempt         `json:"attempts"`
	OutputPath     string            `json:"output_path,omitempty"`
	ContentID      string            `json:"content_id,omitempty"`
	FinalizeErrors []string          `json:"finalize_errors,omitempty"`
	FetchedAt      time.Time         `json:"fetched_at"`

	cause error
}

// NewResult starts an empty result for req.
func NewResult(req Request) *Result {
	return &Result{
		URL:      req.URL,
		Category: req.CategoryOrDefault(),
		Attempts: []Attempt{},
	}
}

// AddAttempt appends to the attempt log.
func (r *Result) AddAttempt(a Attempt) {
	r.Attempts = append(r.Attempts, a)
}

// Succeed marks the result successful with the winning method and content.
func (r *Result) Succeed(method string, page Page, ext Extraction) {
	r.Success = true
	r.Method = method
	r.Error = ""
	r.cause = nil
	r.FinalURL = page.FinalURL
	if r.FinalURL == "" {
		r.FinalURL = page.URL
	}
	r.RawHTML = page.HTML
	r.Title = ext.Title
	r.Content = ext.Markdown
	r.CleanHTML = ext.CleanHTML
	r.Metadata = ext.Metadata
}

// Fail marks the result failed. A nil err is replaced by ErrAllStrategiesExhausted.
func (r *Result) Fail(err error) {
	if err == nil {
		err = ErrAllStrategiesExhausted
	}
	r.Success = false
	r.Method = ""
	r.Error = err.Error()
	r.cause = err
}

// Cause returns the typed failure, or nil for successful results.
func (r *Result) Cause() error {
	return r.cause
}

// Is reports whether the failure cause matches target.
func (r *Result) Is(target error) bool {
	return r.cause != nil && errors.Is(r.cause, target)
}

// AddFinalizeError records a non-fatal finalization problem.
func (r *Result) AddFinalizeError(err error) {
	if err == nil {
		return
	}
	r.FinalizeErrors = append(r.FinalizeErrors, err.Error())
}
