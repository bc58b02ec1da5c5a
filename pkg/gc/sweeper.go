// Package gc cleans up in-flight ingestion files that a crash left
// behind. Placement writes through temp files at the tree roots and
// renames them into their shard path; a process dying between those steps
// strands the temp. The sweeper removes temps old enough that no live
// ingestion can still own them.
package gc

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Options configures a Sweeper.
type Options struct {
	// Trees are the directory roots scanned for stranded temp files.
	Trees []string
	// Pattern matches temp file names at a tree root.
	Pattern string
	// MaxAge is how old a temp must be before it is considered
	// stranded. Defaults to one hour.
	MaxAge time.Duration
	Logger *zap.Logger
}

// Sweeper removes stranded ingestion temps from pool trees.
type Sweeper struct {
	trees   []string
	pattern string
	maxAge  time.Duration
	log     *zap.Logger
}

// NewSweeper builds a sweeper over the given trees.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Sweeper{
		trees:   opts.Trees,
		pattern: opts.Pattern,
		maxAge:  maxAge,
		log:     log,
	}
}

// Sweep performs one pass and returns the number of temps removed. Temps
// younger than MaxAge are left alone; a temp vanishing mid-sweep (the
// ingestion finished its rename) is not an error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.maxAge)
	var removed int
	for _, tree := range s.trees {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		entries, err := os.ReadDir(tree)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			match, err := filepath.Match(s.pattern, entry.Name())
			if err != nil {
				return removed, err
			}
			if !match {
				continue
			}
			info, err := entry.Info()
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return removed, err
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(tree, entry.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, err
			}
			s.log.Debug("removed stranded temp", zap.String("path", path))
			removed++
		}
	}
	return removed, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("temp sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Info("temp sweep finished", zap.Int("removed", n))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
