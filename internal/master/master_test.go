package master

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	harvesthttp "github.com/veldt/noaaharvest/internal/http"
	"github.com/veldt/noaaharvest/internal/index"
	"github.com/veldt/noaaharvest/internal/pipeline"
	"github.com/veldt/noaaharvest/internal/testutils"
)

const (
	indexRegex  = `>(isd_\d{4}_c.*?\.tar\.gz)<`
	memberRegex = `^\d+-\d+-\d+`
)

func yearArchive(t *testing.T, year string) ([]byte, []byte) {
	t.Helper()
	data := testutils.StationData("029070-99999", year, 4)
	archive := testutils.BuildArchive(t, []testutils.Member{
		{Name: "029070-99999-" + year, Data: data},
	})
	return archive, data
}

func openTestBucket(t *testing.T) *blob.Bucket {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return bucket
}

func newTestMaster(t *testing.T, serverURL string, bucket *blob.Bucket, opts Options) *Master {
	t.Helper()

	client := harvesthttp.NewClient(harvesthttp.DefaultOptions())
	resolver, err := index.NewResolver(client, serverURL+"/", indexRegex)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	pipe, err := pipeline.New(client, bucket, memberRegex, t.TempDir())
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	if opts.Workers == 0 {
		opts.Workers = 2
	}
	if opts.RunTimeMax == 0 {
		opts.RunTimeMax = 30 * time.Second
	}
	if opts.PollingTimeout == 0 {
		opts.PollingTimeout = 20 * time.Millisecond
	}
	if opts.TerminateTimeout == 0 {
		opts.TerminateTimeout = 500 * time.Millisecond
	}

	return New(resolver, pipe, bucket, opts)
}

func TestRunTwoYearsDone(t *testing.T) {
	archive1901, data1901 := yearArchive(t, "1901")
	archive1902, data1902 := yearArchive(t, "1902")

	server := testutils.StartArchiveServer(t, map[string][]byte{
		testutils.ArchiveName("1901"): archive1901,
		testutils.ArchiveName("1902"): archive1902,
	})
	defer server.Close()

	bucket := openTestBucket(t)
	m := newTestMaster(t, server.URL, bucket, Options{
		Years:   []string{"1901", "1902"},
		Workers: 2,
	})

	summary, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Done != 2 || summary.Failed != 0 || summary.Skipped != 0 || summary.Cancelled != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if !summary.Success() {
		t.Error("expected successful run")
	}

	ctx := context.Background()
	for year, want := range map[string][]byte{"1901": data1901, "1902": data1902} {
		got, err := bucket.ReadAll(ctx, year)
		if err != nil {
			t.Fatalf("read %s: %v", year, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("content mismatch for %s", year)
		}
	}

	// No compressed variant may appear without the compress flag.
	if exists, _ := bucket.Exists(ctx, "1901.gz"); exists {
		t.Error("unexpected 1901.gz destination")
	}
}

func TestRunSecondRunSkips(t *testing.T) {
	archive1901, data1901 := yearArchive(t, "1901")
	archive1902, _ := yearArchive(t, "1902")

	server := testutils.StartArchiveServer(t, map[string][]byte{
		testutils.ArchiveName("1901"): archive1901,
		testutils.ArchiveName("1902"): archive1902,
	})
	defer server.Close()

	bucket := openTestBucket(t)
	opts := Options{Years: []string{"1901", "1902"}, Workers: 2}

	first, err := newTestMaster(t, server.URL, bucket, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Done != 2 {
		t.Fatalf("expected 2 done on first run, got %+v", first)
	}

	second, err := newTestMaster(t, server.URL, bucket, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Skipped != 2 || second.Done != 0 {
		t.Fatalf("expected 2 skipped on second run, got %+v", second)
	}
	if !second.Success() {
		t.Error("skipped-only run must be successful")
	}

	got, err := bucket.ReadAll(context.Background(), "1901")
	if err != nil {
		t.Fatalf("read 1901: %v", err)
	}
	if !bytes.Equal(got, data1901) {
		t.Error("content changed by skipped run")
	}
}

func TestRunForceReprocesses(t *testing.T) {
	archive1901, _ := yearArchive(t, "1901")

	server := testutils.StartArchiveServer(t, map[string][]byte{
		testutils.ArchiveName("1901"): archive1901,
	})
	defer server.Close()

	bucket := openTestBucket(t)

	first, err := newTestMaster(t, server.URL, bucket, Options{Years: []string{"1901"}}).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Done != 1 {
		t.Fatalf("expected 1 done, got %+v", first)
	}

	forced, err := newTestMaster(t, server.URL, bucket, Options{Years: []string{"1901"}, Force: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if forced.Done != 1 || forced.Skipped != 0 {
		t.Fatalf("expected force to re-process, got %+v", forced)
	}
}

func TestRunYearNotFound(t *testing.T) {
	archive1901, _ := yearArchive(t, "1901")

	server := testutils.StartArchiveServer(t, map[string][]byte{
		testutils.ArchiveName("1901"): archive1901,
	})
	defer server.Close()

	bucket := openTestBucket(t)
	m := newTestMaster(t, server.URL, bucket, Options{Years: []string{"1899", "1901"}})

	summary, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Done != 1 || summary.Failed != 1 {
		t.Fatalf("expected 1 done and 1 failed, got %+v", summary)
	}
	if summary.Years["1899"] != StateFailed {
		t.Errorf("expected 1899 failed, got %s", summary.Years["1899"])
	}
	if !errors.Is(summary.Errors["1899"], index.ErrYearNotFound) {
		t.Errorf("expected ErrYearNotFound for 1899, got %v", summary.Errors["1899"])
	}
	if summary.Years["1901"] != StateDone {
		t.Errorf("absent year must not affect others, got %s for 1901", summary.Years["1901"])
	}
	if summary.Success() {
		t.Error("run with a failed year must not be successful")
	}
}

func TestRunCompressed(t *testing.T) {
	archive1901, data1901 := yearArchive(t, "1901")

	server := testutils.StartArchiveServer(t, map[string][]byte{
		testutils.ArchiveName("1901"): archive1901,
	})
	defer server.Close()

	bucket := openTestBucket(t)
	m := newTestMaster(t, server.URL, bucket, Options{Years: []string{"1901"}, Compress: true})

	summary, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 {
		t.Fatalf("expected 1 done, got %+v", summary)
	}

	raw, err := bucket.ReadAll(context.Background(), "1901.gz")
	if err != nil {
		t.Fatalf("read 1901.gz: %v", err)
	}
	if got := testutils.Gunzip(t, raw); !bytes.Equal(got, data1901) {
		t.Error("decompressed content mismatch")
	}
}

func TestRunResolutionErrorIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	bucket := openTestBucket(t)
	m := newTestMaster(t, server.URL, bucket, Options{Years: []string{"1901"}})

	_, err := m.Run(context.Background())
	var resErr *index.ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
}

func TestRunZeroDeadlineCancelsAll(t *testing.T) {
	archive1901, _ := yearArchive(t, "1901")
	archive1902, _ := yearArchive(t, "1902")

	server := testutils.StartArchiveServer(t, map[string][]byte{
		testutils.ArchiveName("1901"): archive1901,
		testutils.ArchiveName("1902"): archive1902,
	})
	defer server.Close()

	bucket := openTestBucket(t)
	m := newTestMaster(t, server.URL, bucket, Options{
		Years:            []string{"1901", "1902"},
		RunTimeMax:       time.Nanosecond, // expired before dispatch
		TerminateTimeout: 300 * time.Millisecond,
	})

	start := time.Now()
	summary, err := m.Run(context.Background())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Cancelled != 2 {
		t.Fatalf("expected 2 cancelled, got %+v", summary)
	}
	if summary.Success() {
		t.Error("cancelled run must not be successful")
	}
	if elapsed > 2*time.Second {
		t.Errorf("run took %v, expected to finish within the grace period", elapsed)
	}

	ctx := context.Background()
	for _, year := range []string{"1901", "1902"} {
		if exists, _ := bucket.Exists(ctx, year); exists {
			t.Errorf("cancelled year %s must leave no destination", year)
		}
	}
}

func TestRunDeadlineMidRun(t *testing.T) {
	archive1901, _ := yearArchive(t, "1901")

	// Serve the index immediately but stall tarball downloads past the
	// deadline.
	listing := testutils.IndexPage([]string{testutils.ArchiveName("1901")})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Write(listing)
			return
		}
		select {
		case <-time.After(5 * time.Second):
			w.Write(archive1901)
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	bucket := openTestBucket(t)
	m := newTestMaster(t, server.URL, bucket, Options{
		Years:            []string{"1901"},
		RunTimeMax:       150 * time.Millisecond,
		PollingTimeout:   30 * time.Millisecond,
		TerminateTimeout: 500 * time.Millisecond,
	})

	start := time.Now()
	summary, err := m.Run(context.Background())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Cancelled != 1 {
		t.Fatalf("expected 1 cancelled, got %+v", summary)
	}
	if elapsed > 3*time.Second {
		t.Errorf("run took %v, expected deadline + grace at most", elapsed)
	}
	if exists, _ := bucket.Exists(context.Background(), "1901"); exists {
		t.Error("interrupted task must leave no destination")
	}
}

func TestRunWorkerBound(t *testing.T) {
	years := []string{"1901", "1902", "1903", "1904", "1905"}

	archives := make(map[string][]byte, len(years))
	for _, y := range years {
		a, _ := yearArchive(t, y)
		archives[testutils.ArchiveName(y)] = a
	}
	listing := testutils.IndexPage(keys(archives))

	var inFlight, maxInFlight atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Write(listing)
			return
		}
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		w.Write(archives[r.URL.Path[1:]])
	}))
	defer server.Close()

	bucket := openTestBucket(t)
	m := newTestMaster(t, server.URL, bucket, Options{Years: years, Workers: 2})

	summary, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != len(years) {
		t.Fatalf("expected %d done, got %+v", len(years), summary)
	}
	if got := maxInFlight.Load(); got > 2 {
		t.Errorf("observed %d concurrent downloads, worker bound is 2", got)
	}
}

func TestStateForwardOnly(t *testing.T) {
	m := New(nil, nil, nil, Options{Years: []string{"1901"}})
	m.states["1901"] = StatePending

	m.advance("1901", StateFetching)
	if m.states["1901"] != StateFetching {
		t.Fatalf("expected fetching, got %s", m.states["1901"])
	}

	// Backward move is ignored.
	m.advance("1901", StateAssigned)
	if m.states["1901"] != StateFetching {
		t.Errorf("backward transition applied: %s", m.states["1901"])
	}

	// Terminal state sticks.
	m.advance("1901", StateDone)
	m.advance("1901", StateCancelled)
	if m.states["1901"] != StateDone {
		t.Errorf("terminal state overwritten: %s", m.states["1901"])
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed, StateSkipped, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []State{StatePending, StateAssigned, StateFetching, StateExtracting, StateAggregating} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
