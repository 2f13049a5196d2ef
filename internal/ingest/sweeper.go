// Package ingest manages the photos uploaded to the local server.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/docent/internal/feed"
)

// LiveItems exposes the items of the current session.
type LiveItems interface {
	Items() []feed.Item
}

// SavedPhotos reports the photo paths referenced by saved tours.
type SavedPhotos interface {
	PhotoPaths(ctx context.Context) (map[string]bool, error)
}

// Sweeper removes upload directories whose photos are no longer referenced
// by a live item or a saved tour.
type Sweeper struct {
	dir    string
	live   LiveItems
	saved  SavedPhotos
	minAge time.Duration
	poll   time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper creates a Sweeper over dir. Directories younger than minAge are
// never removed, so an upload still being written is safe. If pollInterval is
// <= 0, it defaults to 10 minutes.
func NewSweeper(dir string, live LiveItems, saved SavedPhotos, minAge, pollInterval time.Duration) *Sweeper {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Minute
	}
	return &Sweeper{
		dir:    dir,
		live:   live,
		saved:  saved,
		minAge: minAge,
		poll:   pollInterval,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("upload sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("removed unreferenced uploads", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// RunOnce performs a single sweep and returns the number of directories
// removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading upload dir: %w", err)
	}

	inUse, err := s.saved.PhotoPaths(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading saved photos: %w", err)
	}
	for _, it := range s.live.Items() {
		for _, p := range it.Photos {
			inUse[p] = true
		}
	}

	removed := 0
	cutoff := s.now().Add(-s.minAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		referenced, err := s.referenced(path, inUse)
		if err != nil {
			s.logger.Warn("skipping upload dir", "path", path, "error", err)
			continue
		}
		if referenced {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("removing upload dir", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Sweeper) referenced(dir string, inUse map[string]bool) (bool, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if inUse[filepath.Join(dir, f.Name())] {
			return true, nil
		}
	}
	return false, nil
}
