package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Prune removes the oldest crash artefacts in dir until at most max remain.
// max <= 0 keeps everything.
func Prune(dir string, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing snapshots: %w", err)
	}

	type artefact struct {
		path string
		mod  time.Time
	}
	var found []artefact
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "crash-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, artefact{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	if len(found) <= max {
		return 0, nil
	}

	sort.Slice(found, func(i, j int) bool {
		if !found[i].mod.Equal(found[j].mod) {
			return found[i].mod.Before(found[j].mod)
		}
		return found[i].path < found[j].path
	})

	removed := 0
	var errs []error
	for _, a := range found[:len(found)-max] {
		if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// retain applies MaxKept after a kept capture; pruning is best effort
func (o Options) retain() {
	if o.Keep && o.MaxKept > 0 {
		_, _ = Prune(o.dir(), o.MaxKept)
	}
}
