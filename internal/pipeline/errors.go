package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoMembers reports that an archive contained no members matching the
// member pattern.
var ErrNoMembers = errors.New("pipeline: no members match pattern")

// FetchError reports a failed archive download.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractError reports a corrupt or unusable archive.
type ExtractError struct {
	Year string
	Err  error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract year %s: %v", e.Year, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// AggregateError reports a failed destination write.
type AggregateError struct {
	Dest string
	Err  error
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("aggregate into %s: %v", e.Dest, e.Err)
}

func (e *AggregateError) Unwrap() error { return e.Err }
