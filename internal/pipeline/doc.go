// Package pipeline runs the per-task fetch, extract and aggregate stages.
//
// Each task covers one year: its tarball is downloaded into a scoped
// temporary directory, members matching the member pattern are extracted,
// and their contents are concatenated in lexicographic member order into
// the destination bucket, optionally gzip-compressed.
//
// The destination write commits atomically on Close; a task that fails or
// is cancelled at any stage leaves no partial destination object. The
// temporary directory is removed on every exit path.
package pipeline
