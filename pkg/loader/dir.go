package loader

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/soundprediction/go-docgraph/pkg/retry"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

// DirLoader reads documents from a local directory. SourceIDs are the
// slash-separated paths relative to the root.
type DirLoader struct {
	Extensions   []string
	Recursive    bool
	FetchTimeout time.Duration
	Retry        retry.Config
	Logger       *slog.Logger
}

type dirEntry struct {
	sourceID string
	path     string
	modified time.Time
}

// Load implements Loader. location may also name a single file.
func (l *DirLoader) Load(ctx context.Context, location string, opts LoadOptions) iter.Seq2[*types.Document, error] {
	return func(yield func(*types.Document, error) bool) {
		logger := l.Logger
		if logger == nil {
			logger = slog.Default()
		}

		entries, err := l.enumerate(location)
		if err != nil {
			yield(nil, fmt.Errorf("%w: %s: %w", types.ErrSourceUnavailable, location, err))
			return
		}
		logger.Debug("enumerated source directory", "location", location, "documents", len(entries))

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if opts.skip(e.sourceID, e.modified) {
				continue
			}
			doc, err := l.read(ctx, logger, e)
			if !yield(doc, err) {
				return
			}
		}
	}
}

func (l *DirLoader) enumerate(root string) ([]dirEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []dirEntry{{sourceID: filepath.Base(root), path: root, modified: info.ModTime()}}, nil
	}

	var entries []dirEntry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && !l.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !matchExtension(d.Name(), l.Extensions) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		entries = append(entries, dirEntry{sourceID: filepath.ToSlash(rel), path: p, modified: fi.ModTime()})
		return nil
	})
	return entries, err
}

type readResult struct {
	data []byte
	err  error
}

func (l *DirLoader) read(ctx context.Context, logger *slog.Logger, e dirEntry) (*types.Document, error) {
	data, err := fetchWithRetry(ctx, l.Retry, logger, e.sourceID, nil, func(ctx context.Context) ([]byte, error) {
		return l.readOnce(ctx, e.path)
	})
	if err != nil {
		return nil, err
	}
	return decode(e.sourceID, e.path, data, e.modified)
}

// readOnce reads the file, giving up when FetchTimeout elapses. A missing or
// unreadable file is not retried.
func (l *DirLoader) readOnce(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, l.FetchTimeout)
	defer cancel()

	done := make(chan readResult, 1)
	go func() {
		data, err := os.ReadFile(path)
		done <- readResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: fetch timed out: %w", types.ErrDocumentRead, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrDocumentRead, r.err)
		}
		return r.data, nil
	}
}
