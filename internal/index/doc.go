// Package index resolves the remote archive index.
//
// The resolver fetches the directory listing at the base URL and applies
// the index pattern to it. The pattern's first capture group must yield an
// archive filename; the first four-digit run in that filename is taken as
// the year.
//
// # Usage
//
//	resolver, err := index.NewResolver(client, baseURL, `>(isd_\d{4}_c.*\.tar\.gz)<`)
//	listing, err := resolver.Fetch(ctx)
//	// listing["1901"] == "isd_1901_c20180826T025524.tar.gz"
package index
