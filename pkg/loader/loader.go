// Package loader enumerates and fetches source documents.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/soundprediction/go-docgraph/pkg/config"
	"github.com/soundprediction/go-docgraph/pkg/retry"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

// StageLoad is the DocumentError stage reported by loaders.
const StageLoad = "load"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// LoadOptions narrows what a loader yields.
type LoadOptions struct {
	// Unmodified reports whether the source was already committed at the
	// given modification time. Loaders skip such sources without fetching
	// them; sources it does not know are always yielded. Nil yields
	// everything.
	Unmodified func(sourceID string, modified time.Time) bool
}

func (o LoadOptions) skip(sourceID string, modified time.Time) bool {
	return o.Unmodified != nil && !modified.IsZero() && o.Unmodified(sourceID, modified)
}

// Loader produces the documents found at a location. The sequence is lazy
// and finite. A source that cannot be enumerated yields one error wrapping
// types.ErrSourceUnavailable and ends; a document that cannot be read yields
// a *types.DocumentError and the sequence continues.
type Loader interface {
	Load(ctx context.Context, location string, opts LoadOptions) iter.Seq2[*types.Document, error]
}

// NewFromConfig returns the loader selected by cfg.Type. Each fetch is
// bounded by fetchTimeout and retried under rc.
func NewFromConfig(ctx context.Context, cfg config.SourceConfig, fetchTimeout time.Duration, rc retry.Config, logger *slog.Logger) (Loader, error) {
	switch cfg.Type {
	case "", "dir":
		return &DirLoader{
			Extensions:   cfg.Extensions,
			Recursive:    cfg.Recursive,
			FetchTimeout: fetchTimeout,
			Retry:        rc,
			Logger:       logger,
		}, nil
	case "s3":
		client, err := NewS3Client(ctx, S3Config{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return &S3Loader{
			Client:       client,
			Bucket:       cfg.Bucket,
			Prefix:       cfg.Prefix,
			Extensions:   cfg.Extensions,
			FetchTimeout: fetchTimeout,
			Retry:        rc,
			Logger:       logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Type)
}

// matchExtension reports whether name carries one of exts. An empty list
// matches everything.
func matchExtension(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(path.Ext(name))
	return slices.ContainsFunc(exts, func(e string) bool {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		return e == ext
	})
}

// decode validates raw content and builds the document.
func decode(sourceID, location string, content []byte, modified time.Time) (*types.Document, error) {
	content = bytes.TrimPrefix(content, utf8BOM)
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, docError(sourceID, fmt.Errorf("%w: empty document", types.ErrDocumentRead))
	}
	if !utf8.Valid(content) {
		return nil, docError(sourceID, fmt.Errorf("%w: content is not valid UTF-8", types.ErrDocumentRead))
	}
	return types.NewDocument(sourceID, location, content, modified), nil
}

func docError(sourceID string, err error) error {
	return &types.DocumentError{SourceID: sourceID, Stage: StageLoad, Err: err}
}

// fetchWithRetry runs fetch under the retry budget. A per-call timeout is
// retried while ctx itself is live; retryable reports other transient
// failures. Errors returned by fetch are expected to wrap
// types.ErrDocumentRead.
func fetchWithRetry(ctx context.Context, rc retry.Config, logger *slog.Logger, sourceID string, retryable func(error) bool, fetch func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	rc.Retryable = func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		return errors.Is(err, context.DeadlineExceeded) || (retryable != nil && retryable(err))
	}
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("fetch failed, retrying", "source_id", sourceID, "attempt", attempt, "delay", delay, "error", err)
	}
	data, err := retry.DoWithResult(ctx, rc, func(int) ([]byte, error) {
		return fetch(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, docError(sourceID, err)
	}
	return data, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
