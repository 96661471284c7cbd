package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autometrics-dev/am/internal/lang"
	"github.com/autometrics-dev/am/internal/log"
	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/parallel"
	"github.com/autometrics-dev/am/internal/registry"
	"github.com/autometrics-dev/am/internal/walk"
)

// DefaultMaxFileSize is the largest source file scanned, bigger files are
// reported as a ScanError.
const DefaultMaxFileSize = 4 << 20

// Result is the outcome of a single file.
type Result struct {
	Path        string
	Functions   []model.Function
	Diagnostics []model.Diagnostic
}

type Scan struct {
	limit        int
	skipIfBigger int64
	ignore       []string
	pool         sync.Pool
	files        atomic.Int64
	skipped      atomic.Int64
}

type Stats struct {
	Files   int
	Skipped int
}

// New returns a Scan running at most limit files in parallel. A limit
// lower than 1 means GOMAXPROCS. The ignore patterns are added to
// walk.DefaultIgnore.
func New(limit int, ignore []string) *Scan {
	s := &Scan{
		limit:        limit,
		skipIfBigger: DefaultMaxFileSize,
		ignore:       append(append([]string(nil), walk.DefaultIgnore...), ignore...),
	}
	s.pool = sync.Pool{
		New: func() any {
			return new(bytes.Buffer)
		},
	}
	return s
}

// Root scans the directory tree at dir and builds a Registry. Per file
// problems end up in the diagnostics, only a failure to open dir is
// returned as an error.
func (s *Scan) Root(ctx context.Context, dir string) (*registry.Registry, []model.Diagnostic, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening scan root: %w", err)
	}
	defer func() {
		_ = root.Close()
	}()

	start := time.Now()
	reg, diags := s.Collect(ctx, walk.FS(ctx, root.FS(), dir, s.ignore))
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	slog.DebugContext(ctx, "scan finished",
		"root", dir,
		"functions", reg.Len(),
		"diagnostics", len(diags),
		"elapsed", time.Since(start),
	)
	return reg, diags, nil
}

// Collect funnels the results of Do into a single Registry.
func (s *Scan) Collect(ctx context.Context, seq iter.Seq2[walk.Entry, error]) (*registry.Registry, []model.Diagnostic) {
	var funcs []model.Function
	var diags []model.Diagnostic
	for res, err := range s.Do(ctx, seq) {
		if err != nil {
			diags = append(diags, model.NewDiagnostic(err))
			continue
		}
		funcs = append(funcs, res.Functions...)
		diags = append(diags, res.Diagnostics...)
	}
	return registry.Build(funcs, diags)
}

// Do reads the content of the seq iterator and scans the entries in
// parallel
//  1. Walk errors are returned as a *model.ScanError
//  2. Files without a supported language are skipped silently
//  3. Files bigger than the limit are returned as a *model.ScanError wrapping model.ErrTooBig
//  4. Otherwise the Result carries the functions and the marker diagnostics of the file
//
// Results arrive in completion order.
func (s *Scan) Do(ctx context.Context, seq iter.Seq2[walk.Entry, error]) iter.Seq2[Result, error] {
	return parallel.NewMap(ctx, s.limit, s.scan).
		WithInputErrors(func(err error) (Result, error) {
			s.skipped.Add(1)
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				return Result{}, &model.ScanError{Path: pathErr.Path, Err: pathErr.Err}
			}
			return Result{}, &model.ScanError{Err: err}
		}).
		Iter(seq)
}

func (s *Scan) scan(ctx context.Context, entry walk.Entry) (Result, error) {
	res := Result{Path: entry.Rel()}
	language, ok := lang.Detect(entry.Rel())
	if !ok {
		return res, nil
	}
	ctx = log.ContextAttrs(ctx, slog.String("path", entry.Rel()), slog.String("language", string(language)))
	slog.DebugContext(ctx, "scanning")
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	s.files.Add(1)

	info, err := entry.Stat()
	if err != nil {
		s.skipped.Add(1)
		return res, &model.ScanError{Path: entry.Rel(), Err: fmt.Errorf("stat: %w", err)}
	}
	if info.Size() > s.skipIfBigger {
		slog.DebugContext(ctx, "scanning skipped, too big file", "size", info.Size())
		s.skipped.Add(1)
		return res, &model.ScanError{Path: entry.Rel(), Err: fmt.Errorf("%d bytes: %w", info.Size(), model.ErrTooBig)}
	}

	f, err := entry.Open()
	if err != nil {
		s.skipped.Add(1)
		return res, &model.ScanError{Path: entry.Rel(), Err: fmt.Errorf("open: %w", err)}
	}
	defer func() {
		_ = f.Close() // read only
	}()

	buf := s.pool.Get().(*bytes.Buffer)
	buf.Reset()
	defer s.pool.Put(buf)
	// the file may grow between Stat and Read
	if _, err := buf.ReadFrom(io.LimitReader(f, s.skipIfBigger+1)); err != nil {
		s.skipped.Add(1)
		return res, &model.ScanError{Path: entry.Rel(), Err: fmt.Errorf("read: %w", err)}
	}
	if int64(buf.Len()) > s.skipIfBigger {
		s.skipped.Add(1)
		return res, &model.ScanError{Path: entry.Rel(), Err: model.ErrTooBig}
	}

	fns, err := lang.Scan(ctx, model.SourceFile{
		Path:     entry.Rel(),
		Language: language,
		Content:  buf.Bytes(),
	})
	if err != nil {
		s.skipped.Add(1)
		return res, err
	}
	// the sequence must be drained before the buffer returns to the pool
	for fn, err := range fns {
		var scanErr *model.ScanError
		switch {
		case err == nil:
			res.Functions = append(res.Functions, fn)
		case errors.As(err, &scanErr):
			s.skipped.Add(1)
			return Result{Path: res.Path}, err
		default:
			slog.DebugContext(ctx, "marker skipped", "err", err)
			res.Diagnostics = append(res.Diagnostics, model.NewDiagnostic(err))
		}
	}
	return res, nil
}

// Stats returns counters accumulated over all scans by s.
func (s *Scan) Stats() Stats {
	return Stats{
		Files:   int(s.files.Load()),
		Skipped: int(s.skipped.Load()),
	}
}
