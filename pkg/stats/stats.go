// Package stats aggregates the contents of the sharded entry trees.
package stats

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jacktea/filepool/pkg/xerrors"
)

// Summary describes every entry currently stored under the scanned trees.
type Summary struct {
	// Entries is the total number of stored entries.
	Entries int
	// TotalBytes is the sum of all entry sizes. For a secured tree these
	// are ciphertext sizes, which include padding.
	TotalBytes int64
	// MedianBytes is the median entry size; for an even number of
	// entries it is the mean of the two central values.
	MedianBytes float64
	// Newest is the modification time of the most recently placed entry.
	Newest time.Time
}

// Collect walks each root and aggregates its entries. Entries live exactly
// three directory levels below a root; anything else (in-flight temp
// files, stray directories) is ignored. Roots that do not exist contribute
// nothing. This is a full O(n) walk on every call; no index is kept, so
// expect it to be slow on very large pools.
func Collect(ctx context.Context, roots ...string) (Summary, error) {
	var (
		s     Summary
		sizes []int64
	)
	for _, root := range roots {
		if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return Summary{}, xerrors.Wrap(xerrors.KindFilesystem, "stats.Collect", root, err)
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			rel, rerr := filepath.Rel(root, path)
			if rerr != nil {
				return rerr
			}
			depth := strings.Count(rel, string(filepath.Separator))
			if d.IsDir() {
				if depth > 2 {
					return fs.SkipDir
				}
				return nil
			}
			if depth != 3 {
				return nil
			}
			info, ierr := d.Info()
			if ierr != nil {
				return ierr
			}
			sizes = append(sizes, info.Size())
			s.TotalBytes += info.Size()
			if mt := info.ModTime(); mt.After(s.Newest) {
				s.Newest = mt
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Summary{}, err
			}
			return Summary{}, xerrors.Wrap(xerrors.KindFilesystem, "stats.Collect", root, err)
		}
	}
	s.Entries = len(sizes)
	s.MedianBytes = median(sizes)
	return s, nil
}

func median(sizes []int64) float64 {
	n := len(sizes)
	if n == 0 {
		return 0
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	if n%2 == 1 {
		return float64(sizes[n/2])
	}
	return float64(sizes[n/2-1]+sizes[n/2]) / 2
}
