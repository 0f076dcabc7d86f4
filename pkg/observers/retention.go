package observers

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Retention deletes old session artifacts from an observer directory,
// once at startup and then periodically while the process runs.
type Retention struct {
	dir    string
	maxAge time.Duration
	logger *slog.Logger
}

func NewRetention(dir string, maxAge time.Duration, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{dir: dir, maxAge: maxAge, logger: logger}
}

// Sweep purges once and logs the outcome.
func (r *Retention) Sweep() {
	n, err := PurgeArtifacts(r.dir, r.maxAge)
	if err != nil {
		r.logger.Warn("artifact_purge_failed", "dir", r.dir, "error", err)
	}
	if n > 0 {
		r.logger.Info("artifacts_purged", "dir", r.dir, "count", n)
	}
}

// Run sweeps every interval until ctx is done.
func (r *Retention) Run(ctx context.Context, interval time.Duration) {
	if r.maxAge <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// PurgeArtifacts removes timeline and cost files in dir last written
// before maxAge ago and returns how many were deleted. Other files are
// left alone, and a missing dir is not an error.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	var removed int
	var errs error
	for _, entry := range entries {
		if entry.IsDir() || !isArtifact(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

func isArtifact(name string) bool {
	return strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".cost.json")
}
