package fetch

import "errors"

var (
	// ErrSkippedByPattern means the URL matched a skip pattern; nothing was fetched.
	ErrSkippedByPattern = errors.New("skipped by pattern")
	// ErrSSRFBlocked means the URL failed safety validation.
	ErrSSRFBlocked = errors.New("ssrf blocked")
	// ErrNetworkFailure covers transport errors and non-2xx responses.
	ErrNetworkFailure = errors.New("network failure")
	// ErrSoftFailure means content arrived but reads as an error page.
	ErrSoftFailure = errors.New("soft failure")
	// ErrQualityTooLow means the extracted content is below the strategy minimum.
	ErrQualityTooLow = errors.New("content too short")
	// ErrExtraction means the extraction capability could not process the HTML.
	ErrExtraction = errors.New("extraction failed")
	// ErrAllStrategiesExhausted is the terminal failure after every strategy ran.
	ErrAllStrategiesExhausted = errors.New("all strategies exhausted")
	// ErrFinalization wraps non-fatal finalization problems.
	ErrFinalization = errors.New("finalization error")
	// ErrTimeout means the chain deadline expired.
	ErrTimeout = errors.New("timed out")
	// ErrUnavailable means a strategy's capability is absent.
	ErrUnavailable = errors.New("strategy unavailable")
	// ErrNoSnapshot means an archive had nothing usable for the URL.
	ErrNoSnapshot = errors.New("no usable snapshot")
)
