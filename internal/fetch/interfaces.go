package fetch

import (
	"context"
	"io"
	"time"
)

// Extractor turns accepted HTML into clean content and metadata.
type Extractor interface {
	Extract(ctx context.Context, html string, pageURL string) (Extraction, error)
}

// Limiter blocks until a request to domain is polite.
type Limiter interface {
	Wait(ctx context.Context, domain string) error
}

// SoftFailureDetector reports whether HTML is an error page in disguise.
type SoftFailureDetector interface {
	IsSoftFailure(html string) (bool, string)
}

// BlobStore writes finalized artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for content identifiers.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
