package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/openmined/blobsync/internal/filetree"
	"github.com/openmined/blobsync/internal/hasher"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 16

type Skipped struct {
	Path string
	Err  error
}

// CaptureReport lists the paths left out of a capture.
type CaptureReport struct {
	Skipped []Skipped
}

func (r *CaptureReport) Degraded() bool {
	return r != nil && len(r.Skipped) > 0
}

// SkippedPaths returns the skipped paths in sorted order.
func (r *CaptureReport) SkippedPaths() []string {
	if r == nil {
		return nil
	}
	paths := make([]string, 0, len(r.Skipped))
	for _, s := range r.Skipped {
		paths = append(paths, s.Path)
	}
	slices.Sort(paths)
	return paths
}

func (r *CaptureReport) String() string {
	if !r.Degraded() {
		return "complete"
	}
	return fmt.Sprintf("skipped %d: %s", len(r.Skipped), strings.Join(r.SkippedPaths(), ", "))
}

// Capture hashes every file in tree. A file that cannot be hashed is left out
// and reported; only enumeration failure or cancellation fails the capture.
func Capture(ctx context.Context, tree filetree.Tree, h hasher.FileHasher, concurrency int) (Snapshot, *CaptureReport, error) {
	paths, err := tree.Enumerate(ctx)
	if err != nil {
		return Snapshot{}, nil, err
	}

	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	var (
		mu     sync.Mutex
		b      = NewBuilder()
		report = &CaptureReport{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, p := range paths {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			digest, err := HashPath(tree, h, p)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("snapshot skip", "path", p, "error", err)
				report.Skipped = append(report.Skipped, Skipped{Path: p, Err: err})
				return nil
			}
			b.Set(p, digest)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Snapshot{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, nil, err
	}

	return b.Build(), report, nil
}

// HashPath digests a single file of tree.
func HashPath(tree filetree.Tree, h hasher.FileHasher, path string) (hasher.Digest, error) {
	info, err := tree.Stat(path)
	if err != nil {
		return "", &hasher.HashError{Path: path, Err: err}
	}
	return h.HashFile(path, info, func() (io.ReadCloser, error) {
		return tree.Open(path)
	})
}
