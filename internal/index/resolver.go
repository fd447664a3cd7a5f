package index

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	harvesthttp "github.com/veldt/noaaharvest/internal/http"
)

// Sentinel errors.
var (
	// ErrIndexEmpty reports that the index pattern matched no entries in
	// an otherwise reachable listing.
	ErrIndexEmpty = errors.New("index: pattern matched no entries")

	// ErrYearNotFound reports that a requested year has no entry in the
	// remote index. It is a task-level condition, not a resolver failure.
	ErrYearNotFound = errors.New("index: year not found in remote index")
)

// ResolutionError reports that the remote index could not be resolved.
// It wraps the underlying fetch or matching error.
type ResolutionError struct {
	URL string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve index %s: %v", e.URL, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Listing maps a year to its archive filename in the remote index.
type Listing map[string]string

// yearPattern extracts the year embedded in an archive filename,
// e.g. "isd_1901_c20180826T025524.tar.gz" -> "1901".
var yearPattern = regexp.MustCompile(`\d{4}`)

// Resolver fetches and filters the remote archive index.
type Resolver struct {
	client  *harvesthttp.Client
	baseURL string
	pattern *regexp.Regexp
}

// NewResolver creates a resolver for the given base URL and index pattern.
// The pattern must contain at least one capture group for the filename.
func NewResolver(client *harvesthttp.Client, baseURL, indexRegex string) (*Resolver, error) {
	pattern, err := regexp.Compile(indexRegex)
	if err != nil {
		return nil, fmt.Errorf("compile index regex: %w", err)
	}
	if pattern.NumSubexp() < 1 {
		return nil, fmt.Errorf("index regex %q has no capture group", indexRegex)
	}

	return &Resolver{
		client:  client,
		baseURL: baseURL,
		pattern: pattern,
	}, nil
}

// Fetch downloads the index listing and returns the year-to-filename map.
// A listing the pattern cannot match at all yields a ResolutionError
// wrapping ErrIndexEmpty, distinguishable from an unreachable index.
func (r *Resolver) Fetch(ctx context.Context) (Listing, error) {
	body, err := r.client.GetString(ctx, r.baseURL)
	if err != nil {
		return nil, &ResolutionError{URL: r.baseURL, Err: err}
	}

	matches := r.pattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil, &ResolutionError{URL: r.baseURL, Err: ErrIndexEmpty}
	}

	listing := make(Listing, len(matches))
	for _, m := range matches {
		filename := m[1]
		year := yearPattern.FindString(filename)
		if year == "" {
			continue
		}
		listing[year] = filename
	}

	if len(listing) == 0 {
		return nil, &ResolutionError{URL: r.baseURL, Err: ErrIndexEmpty}
	}

	return listing, nil
}

// Lookup returns the archive URL for a year, or ErrYearNotFound.
func (r *Resolver) Lookup(listing Listing, year string) (string, error) {
	filename, ok := listing[year]
	if !ok {
		return "", fmt.Errorf("year %s: %w", year, ErrYearNotFound)
	}
	return r.baseURL + filename, nil
}
