// Package housekeep keeps the recording store consistent with the disk and
// frees space when it runs low. A run reconciles segment records against
// files, measures the free-space deficit and, when there is one, evicts the
// oldest segments of the cameras holding the most recordings per unit of
// priority.
package housekeep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zsiec/mirador/internal/camera"
	"github.com/zsiec/mirador/internal/config"
	"github.com/zsiec/mirador/internal/ffmpeg"
	"github.com/zsiec/mirador/internal/storage"
)

// ProbeFunc returns the playable duration of a recording file.
type ProbeFunc func(ctx context.Context, path string) (time.Duration, error)

// FFprobe returns a ProbeFunc backed by the ffprobe binary at bin.
func FFprobe(bin string) ProbeFunc {
	return func(ctx context.Context, path string) (time.Duration, error) {
		return ffmpeg.ProbeDuration(ctx, bin, path)
	}
}

// Report summarizes one housekeeping run.
type Report struct {
	Reconcile ReconcileReport `json:"reconcile"`
	Usage     Usage           `json:"usage"`
	Deficit   int64           `json:"deficit"`
	Evict     EvictReport     `json:"evict"`
}

// Housekeeper runs housekeeping against one storage root. It shares no
// state with recording sessions beyond the store and the filesystem.
type Housekeeper struct {
	cfg     config.Storage
	store   storage.Store
	cameras camera.Source
	probe   ProbeFunc
	log     *slog.Logger

	// OnEvict, if set, is called for every evicted segment. It must be set
	// before Run.
	OnEvict func(storage.Segment)

	usage func(path string) (Usage, error)
	now   func() time.Time

	running sync.Mutex // one run at a time
}

// New returns a Housekeeper. If log is nil, slog.Default() is used.
func New(cfg config.Storage, store storage.Store, cameras camera.Source, probe ProbeFunc, log *slog.Logger) *Housekeeper {
	if log == nil {
		log = slog.Default()
	}
	return &Housekeeper{
		cfg:     cfg,
		store:   store,
		cameras: cameras,
		probe:   probe,
		log:     log.With("component", "housekeeper"),
		usage:   DiskUsage,
		now:     time.Now,
	}
}

// Run performs a run immediately and then every storage interval until ctx
// is cancelled. Failed runs are logged and retried on the next tick.
func (h *Housekeeper) Run(ctx context.Context) error {
	interval := h.cfg.HousekeepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	h.log.Info("housekeeper started", "root", h.cfg.Root, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := h.RunOnce(ctx); err != nil && ctx.Err() == nil {
			h.log.Error("housekeeping run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce reconciles, checks capacity and evicts as needed. Concurrent
// calls are serialized.
func (h *Housekeeper) RunOnce(ctx context.Context) (Report, error) {
	h.running.Lock()
	defer h.running.Unlock()

	var r Report
	var err error

	if r.Reconcile, err = h.Reconcile(ctx); err != nil {
		return r, fmt.Errorf("reconcile: %w", err)
	}

	r.Usage, err = h.usage(h.cfg.Root)
	if err != nil {
		return r, fmt.Errorf("disk usage: %w", err)
	}
	r.Deficit = Deficit(r.Usage, h.cfg.MinFreeBytes, h.cfg.MinFreePercent)
	if r.Deficit == 0 {
		h.log.Debug("storage ok",
			"free", humanize.Bytes(r.Usage.Free), "total", humanize.Bytes(r.Usage.Total))
		return r, nil
	}
	h.log.Info("storage low, evicting",
		"free", humanize.Bytes(r.Usage.Free), "total", humanize.Bytes(r.Usage.Total),
		"min_free", humanize.Bytes(uint64(h.cfg.MinFreeBytes)), "min_free_percent", h.cfg.MinFreePercent,
		"to_free", humanize.Bytes(uint64(r.Deficit)))

	if r.Evict, err = h.Evict(ctx, r.Deficit); err != nil {
		return r, fmt.Errorf("evict: %w", err)
	}
	return r, nil
}
