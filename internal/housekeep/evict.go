package housekeep

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/zsiec/mirador/internal/camera"
	"github.com/zsiec/mirador/internal/storage"
)

// Usage is the capacity of the filesystem holding the storage root.
type Usage struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"` // available to unprivileged users
}

// DiskUsage reports the capacity of the filesystem containing path.
func DiskUsage(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, &fs.PathError{Op: "statfs", Path: path, Err: err}
	}
	bsize := uint64(st.Bsize)
	return Usage{Total: st.Blocks * bsize, Free: st.Bavail * bsize}, nil
}

// Deficit returns how many bytes must be freed to satisfy both the absolute
// and the percentage free-space minimums, or 0 when both hold.
func Deficit(u Usage, minBytes int64, minPercent float64) int64 {
	free := int64(min(u.Free, math.MaxInt64))
	need := max(minBytes-free, 0)
	if minPercent > 0 {
		pct := int64(math.Ceil(float64(u.Total)*minPercent/100)) - free
		need = max(need, pct)
	}
	return need
}

// EvictReport summarizes an eviction pass.
type EvictReport struct {
	Deleted int   `json:"deleted"`
	Freed   int64 `json:"freed"`
	Failed  int   `json:"failed"`
}

type candidate struct {
	cameraID int64
	weight   float64
	segs     []storage.Segment // oldest first
}

func (c *candidate) score() float64 { return float64(len(c.segs)) / c.weight }

// better reports whether a should be evicted from before b: more segments
// per unit of priority, then the lower priority, then the lower camera id.
func better(a, b *candidate) bool {
	if sa, sb := a.score(), b.score(); sa != sb {
		return sa > sb
	}
	if a.weight != b.weight {
		return a.weight < b.weight
	}
	return a.cameraID < b.cameraID
}

// Evict deletes segments until at least deficit bytes are freed or none
// remain. Each step takes the oldest segment of the camera with the most
// segments per unit of priority. A segment whose file cannot be removed is
// logged and passed over.
func (h *Housekeeper) Evict(ctx context.Context, deficit int64) (EvictReport, error) {
	var r EvictReport

	cands, err := h.candidates(ctx)
	if err != nil {
		return r, err
	}

	for r.Freed < deficit {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		var victim *candidate
		for _, c := range cands {
			if len(c.segs) > 0 && (victim == nil || better(c, victim)) {
				victim = c
			}
		}
		if victim == nil {
			h.log.Warn("nothing left to evict", "still_needed", humanize.Bytes(uint64(deficit-r.Freed)))
			break
		}
		seg := victim.segs[0]
		victim.segs = victim.segs[1:]

		size, err := h.remove(seg)
		if err != nil {
			h.log.Warn("cannot delete recording, skipping", "path", seg.Path, "error", err)
			r.Failed++
			continue
		}
		if err := h.store.Delete(ctx, seg.ID); err != nil {
			h.log.Warn("cannot delete segment record, skipping", "id", seg.ID, "error", err)
			r.Failed++
			continue
		}
		r.Deleted++
		r.Freed += size
		if h.OnEvict != nil {
			h.OnEvict(seg)
		}
	}

	h.log.Info("eviction finished",
		"deleted", r.Deleted, "freed", humanize.Bytes(uint64(r.Freed)), "failed", r.Failed)
	return r, nil
}

// remove deletes a segment's file and returns its size. A file that is
// already gone frees nothing but is not an error.
func (h *Housekeeper) remove(seg storage.Segment) (int64, error) {
	path := storage.AbsPath(h.cfg.Root, seg.Path)
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// candidates groups every segment by camera with the camera's priority
// weight. Cameras no longer configured weigh 1.
func (h *Housekeeper) candidates(ctx context.Context) ([]*candidate, error) {
	weights := map[int64]float64{}
	if h.cameras != nil {
		cams, err := h.cameras.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range cams {
			weights[c.ID] = camera.Weight(c)
		}
	}

	segs, err := h.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byCamera := map[int64]*candidate{}
	var out []*candidate
	for _, seg := range segs {
		c, ok := byCamera[seg.CameraID]
		if !ok {
			w, ok := weights[seg.CameraID]
			if !ok {
				w = 1
			}
			c = &candidate{cameraID: seg.CameraID, weight: w}
			byCamera[seg.CameraID] = c
			out = append(out, c)
		}
		c.segs = append(c.segs, seg)
	}
	return out, nil
}
