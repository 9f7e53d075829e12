package housekeep

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zsiec/mirador/internal/storage"
)

// ReconcileReport lists what a reconciliation changed.
type ReconcileReport struct {
	Removed int      `json:"removed"` // records whose file was gone
	Added   int      `json:"added"`   // records backfilled from files
	Skipped []string `json:"skipped,omitempty"`
}

// Reconcile removes records whose file no longer exists and backfills
// records for recording files that have none. Files modified within the
// backfill grace are assumed to still be recording and are left alone.
// Running it twice without filesystem changes changes nothing the second
// time.
func (h *Housekeeper) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var r ReconcileReport

	segs, err := h.store.List(ctx)
	if err != nil {
		return r, err
	}
	known := make(map[string]bool, len(segs))
	var stale []int64
	for _, seg := range segs {
		_, err := os.Stat(storage.AbsPath(h.cfg.Root, seg.Path))
		if errors.Is(err, fs.ErrNotExist) {
			stale = append(stale, seg.ID)
			continue
		}
		known[seg.Path] = true
	}
	if len(stale) > 0 {
		if err := h.store.Delete(ctx, stale...); err != nil {
			return r, err
		}
		r.Removed = len(stale)
		h.log.Info("deleted stale segment records", "count", len(stale))
	}

	now := h.now()
	recordRoot := filepath.Join(h.cfg.Root, storage.RecordDir)
	err = filepath.WalkDir(recordRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == recordRoot {
				return filepath.SkipDir
			}
			h.log.Warn("scan failed", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := storage.RelPath(h.cfg.Root, path)
		if err != nil || known[rel] {
			return nil
		}
		cameraID, start, ok := storage.ParseRelPath(rel)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) < h.cfg.BackfillGrace {
			return nil
		}

		dur, err := h.probe(ctx, path)
		if err != nil || dur <= 0 {
			h.log.Warn("cannot probe recording, not backfilled", "path", rel, "error", err)
			r.Skipped = append(r.Skipped, rel)
			return nil
		}
		if _, err := h.store.Create(ctx, storage.Segment{
			CameraID: cameraID,
			Start:    start,
			End:      start.Add(dur),
			Path:     rel,
		}); err != nil {
			return err
		}
		r.Added++
		return nil
	})
	if err != nil {
		return r, err
	}
	if r.Added > 0 || len(r.Skipped) > 0 {
		h.log.Info("backfilled segment records", "added", r.Added, "skipped", len(r.Skipped))
	}
	return r, nil
}
