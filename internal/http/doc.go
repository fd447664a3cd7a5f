// Package http provides the HTTP client used to fetch the archive index
// and per-year tarballs.
//
// This package handles:
//   - Connection pooling sized for the worker pool
//   - Context-aware GET requests
//   - Typed errors for non-success status codes
//
// Downloads are single-attempt: a failed fetch surfaces to the caller as a
// task failure instead of being retried here.
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    MaxIdleConnsPerHost: 4,
//	    Timeout:             30 * time.Second,
//	})
//
//	body, err := client.Get(ctx, url)
//	defer body.Close()
package http
