package pipeline

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"

	harvesthttp "github.com/veldt/noaaharvest/internal/http"
)

// Task identifies one year's unit of work. Immutable once created.
type Task struct {
	// Year is the period key, e.g. "1901".
	Year string

	// Source is the resolved archive URL.
	Source string

	// Dest is the destination key in the output bucket, e.g. "1901.gz".
	Dest string

	// Compress gzip-encodes the aggregated output.
	Compress bool

	// Force overwrites an existing destination.
	Force bool
}

// Stage names the pipeline stage currently executing for a task.
type Stage string

const (
	StageFetch     Stage = "fetching"
	StageExtract   Stage = "extracting"
	StageAggregate Stage = "aggregating"
)

// Pipeline executes tasks against a destination bucket.
type Pipeline struct {
	client   *harvesthttp.Client
	bucket   *blob.Bucket
	memberRe *regexp.Regexp
	tmpDir   string
}

// New creates a pipeline. memberRegex selects archive members to aggregate;
// tmpDir is the root under which per-task directories are created.
func New(client *harvesthttp.Client, bucket *blob.Bucket, memberRegex, tmpDir string) (*Pipeline, error) {
	memberRe, err := regexp.Compile(memberRegex)
	if err != nil {
		return nil, fmt.Errorf("compile member regex: %w", err)
	}

	return &Pipeline{
		client:   client,
		bucket:   bucket,
		memberRe: memberRe,
		tmpDir:   tmpDir,
	}, nil
}

// Run executes the fetch, extract and aggregate stages for one task and
// returns the number of aggregated bytes (before compression). onStage, if
// non-nil, is invoked as each stage begins. The task's temporary directory
// is removed before Run returns, on every path.
func (p *Pipeline) Run(ctx context.Context, t Task, onStage func(Stage)) (int64, error) {
	dir := filepath.Join(p.tmpDir, t.Year+"-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create task dir: %w", err)
	}
	defer os.RemoveAll(dir)

	report(onStage, StageFetch)
	archivePath, err := p.fetch(ctx, t.Source, dir)
	if err != nil {
		return 0, &FetchError{URL: t.Source, Err: err}
	}

	report(onStage, StageExtract)
	members, err := p.extract(ctx, archivePath, dir)
	if err != nil {
		return 0, &ExtractError{Year: t.Year, Err: err}
	}

	report(onStage, StageAggregate)
	written, err := p.aggregate(ctx, t, dir, members)
	if err != nil {
		return 0, &AggregateError{Dest: t.Dest, Err: err}
	}

	return written, nil
}

func report(onStage func(Stage), s Stage) {
	if onStage != nil {
		onStage(s)
	}
}

// fetch downloads the archive into the task directory in a single attempt.
func (p *Pipeline) fetch(ctx context.Context, url, dir string) (string, error) {
	body, err := p.client.Get(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	archivePath := filepath.Join(dir, "archive.tar.gz")
	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", fmt.Errorf("download archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive file: %w", err)
	}

	return archivePath, nil
}

// extract unpacks members matching the member pattern into the task
// directory and returns their names.
func (p *Pipeline) extract(ctx context.Context, archivePath, dir string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	var members []string
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return nil, fmt.Errorf("unsafe member path %q", hdr.Name)
		}
		if !p.memberRe.MatchString(filepath.Base(name)) {
			continue
		}

		target := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("create member dir: %w", err)
		}

		out, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("create member file: %w", err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, fmt.Errorf("extract member %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return nil, fmt.Errorf("close member file: %w", err)
		}

		members = append(members, name)
	}

	if len(members) == 0 {
		return nil, ErrNoMembers
	}

	return members, nil
}

// aggregate concatenates member contents in lexicographic member order into
// the destination. The bucket writer commits on Close; cancelling its
// context aborts the write, so no partial destination is ever visible.
func (p *Pipeline) aggregate(ctx context.Context, t Task, dir string, members []string) (int64, error) {
	sort.Strings(members)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := p.bucket.NewWriter(wctx, t.Dest, nil)
	if err != nil {
		return 0, fmt.Errorf("open destination writer: %w", err)
	}

	var out io.Writer = w
	var gz *gzip.Writer
	if t.Compress {
		gz = gzip.NewWriter(w)
		out = gz
	}

	abort := func(err error) (int64, error) {
		cancel()
		w.Close()
		return 0, err
	}

	var written int64
	for _, name := range members {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}

		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return abort(fmt.Errorf("open member %s: %w", name, err))
		}

		n, err := io.Copy(out, f)
		f.Close()
		if err != nil {
			return abort(fmt.Errorf("write member %s: %w", name, err))
		}
		written += n
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return abort(fmt.Errorf("flush gzip stream: %w", err))
		}
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("commit destination: %w", err)
	}

	return written, nil
}
