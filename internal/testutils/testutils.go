// Package testutils provides shared test infrastructure: deterministic
// station data, in-memory tarball builders, and a fake archive index server.
package testutils

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
)

// Member defines one archive member with its content.
type Member struct {
	Name string
	Data []byte
}

// StationData generates deterministic observation lines for a station/year
// pair, so tests can verify aggregation byte-for-byte.
func StationData(station, year string, lines int) []byte {
	var buf bytes.Buffer
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&buf, "%s %s obs %04d\n", station, year, i)
	}
	return buf.Bytes()
}

// BuildArchive builds a tar.gz archive containing the given members.
func BuildArchive(t *testing.T, members []Member) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, m := range members {
		hdr := &tar.Header{
			Name: m.Name,
			Mode: 0o644,
			Size: int64(len(m.Data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", m.Name, err)
		}
		if _, err := tw.Write(m.Data); err != nil {
			t.Fatalf("write tar member %s: %v", m.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}

	return buf.Bytes()
}

// ArchiveName returns an index filename for a year in the NOAA ISD layout.
func ArchiveName(year string) string {
	return fmt.Sprintf("isd_%s_c20180826T025524.tar.gz", year)
}

// IndexPage renders an HTML directory listing for the given archive
// filenames, in the style of the NOAA archive index.
func IndexPage(filenames []string) []byte {
	sorted := append([]string(nil), filenames...)
	sort.Strings(sorted)

	var buf bytes.Buffer
	buf.WriteString("<html><body><pre>\n")
	for _, name := range sorted {
		fmt.Fprintf(&buf, "<a href=%q>%s</a>\n", name, name)
	}
	buf.WriteString("</pre></body></html>\n")
	return buf.Bytes()
}

// StartArchiveServer starts an HTTP server that serves an index listing at
// "/" and the given tarballs by filename.
func StartArchiveServer(t *testing.T, archives map[string][]byte) *httptest.Server {
	t.Helper()

	filenames := make([]string, 0, len(archives))
	for name := range archives {
		filenames = append(filenames, name)
	}
	index := IndexPage(filenames)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Write(index)
			return
		}
		data, ok := archives[r.URL.Path[1:]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.Write(data)
	}))
}

// Gunzip decompresses gzip data.
func Gunzip(t *testing.T, data []byte) []byte {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open gzip reader: %v", err)
	}
	defer gz.Close()

	out, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	return out
}
