package housekeep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/mirador/internal/camera"
	"github.com/zsiec/mirador/internal/config"
	"github.com/zsiec/mirador/internal/storage"
)

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.Local)

func quietProbe(d time.Duration) ProbeFunc {
	return func(context.Context, string) (time.Duration, error) { return d, nil }
}

func newTestHousekeeper(t *testing.T, store storage.Store, cams []camera.Camera, probe ProbeFunc) *Housekeeper {
	t.Helper()
	cfg := config.Storage{Root: t.TempDir(), BackfillGrace: time.Minute}
	h := New(cfg, store, camera.NewStatic(cams), probe, nil)
	h.now = func() time.Time { return time.Now().Add(time.Hour) }
	return h
}

// writeSegment creates a recording file of size bytes and, if record is
// true, its store record.
func writeSegment(t *testing.T, h *Housekeeper, camID int64, start time.Time, size int, record bool) storage.Segment {
	t.Helper()
	abs := storage.RecordPath(h.cfg.Root, camID, start)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	rel, err := storage.RelPath(h.cfg.Root, abs)
	if err != nil {
		t.Fatal(err)
	}
	seg := storage.Segment{CameraID: camID, Start: start, End: start.Add(time.Minute), Path: rel}
	if record {
		if seg, err = h.store.Create(context.Background(), seg); err != nil {
			t.Fatal(err)
		}
	}
	return seg
}

func TestDeficit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		usage    Usage
		minBytes int64
		minPct   float64
		want     int64
	}{
		{"plenty", Usage{Total: 1000, Free: 500}, 100, 10, 0},
		{"bytes short", Usage{Total: 1000, Free: 50}, 100, 0, 50},
		{"percent short", Usage{Total: 1000, Free: 50}, 0, 20, 150},
		{"larger wins", Usage{Total: 1000, Free: 50}, 300, 20, 250},
		{"exactly met", Usage{Total: 1000, Free: 100}, 100, 10, 0},
		{"no minimums", Usage{Total: 1000, Free: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Deficit(tt.usage, tt.minBytes, tt.minPct); got != tt.want {
				t.Errorf("Deficit = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDiskUsage(t *testing.T) {
	t.Parallel()

	u, err := DiskUsage(t.TempDir())
	if err != nil {
		t.Fatalf("DiskUsage: %v", err)
	}
	if u.Total == 0 || u.Free > u.Total {
		t.Errorf("DiskUsage = %+v", u)
	}
	if _, err := DiskUsage(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestEvictFavoursLowPriorityCamera(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	h := newTestHousekeeper(t, store, []camera.Camera{
		{ID: 1, Name: "yard", Priority: 1},
		{ID: 2, Name: "door", Priority: 2},
	}, nil)
	for i := range 10 {
		start := base.Add(time.Duration(i) * time.Minute)
		writeSegment(t, h, 1, start, 100, true)
		writeSegment(t, h, 2, start, 100, true)
	}

	var order []int64
	h.OnEvict = func(seg storage.Segment) { order = append(order, seg.CameraID) }

	// Freeing everything shows the whole selection order.
	r, err := h.Evict(context.Background(), 1<<40)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if r.Deleted != 20 || r.Freed != 2000 || r.Failed != 0 {
		t.Errorf("report = %+v, want 20 deleted, 2000 freed", r)
	}
	if len(order) != 20 || order[0] != 1 {
		t.Fatalf("order = %v, want camera 1 first", order)
	}
	// Camera 2 weighs twice as much, so camera 1 is down to half its
	// segments before camera 2 loses any.
	for i, id := range order[:5] {
		if id != 1 {
			t.Errorf("eviction %d from camera %d, want 1", i, id)
		}
	}
	last1, last2 := -1, -1
	for i, id := range order {
		if id == 1 {
			last1 = i
		} else {
			last2 = i
		}
	}
	if last1 > last2 {
		t.Errorf("camera 1 outlived camera 2: order = %v", order)
	}
}

func TestEvictOldestFirstAndStopsAtDeficit(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	h := newTestHousekeeper(t, store, []camera.Camera{{ID: 4, Priority: 1}}, nil)
	var segs []storage.Segment
	for i := range 5 {
		segs = append(segs, writeSegment(t, h, 4, base.Add(time.Duration(i)*time.Minute), 100, true))
	}

	r, err := h.Evict(context.Background(), 150)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if r.Deleted != 2 || r.Freed != 200 {
		t.Errorf("report = %+v, want 2 deleted, 200 freed", r)
	}
	for i, seg := range segs {
		_, err := os.Stat(storage.AbsPath(h.cfg.Root, seg.Path))
		gone := errors.Is(err, os.ErrNotExist)
		if want := i < 2; gone != want {
			t.Errorf("segment %d removed = %v, want %v", i, gone, want)
		}
	}
	left, _ := store.ListCamera(context.Background(), 4)
	if len(left) != 3 || !left[0].Start.Equal(segs[2].Start) {
		t.Errorf("remaining records = %v", left)
	}
}

func TestEvictTieBreaksOnCameraID(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	// Camera 9 is not configured and weighs 1, like camera 5.
	h := newTestHousekeeper(t, store, []camera.Camera{{ID: 5, Priority: 1}}, nil)
	writeSegment(t, h, 9, base, 10, true)
	writeSegment(t, h, 5, base, 10, true)

	var first int64
	h.OnEvict = func(seg storage.Segment) {
		if first == 0 {
			first = seg.CameraID
		}
	}
	if _, err := h.Evict(context.Background(), 1); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if first != 5 {
		t.Errorf("first eviction from camera %d, want 5", first)
	}
}

func TestEvictSkipsUndeletableFile(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	h := newTestHousekeeper(t, store, nil, nil)

	// A non-empty directory where the oldest recording should be cannot be
	// removed.
	stuck := storage.Segment{CameraID: 1, Start: base, End: base.Add(time.Minute)}
	abs := storage.RecordPath(h.cfg.Root, 1, base)
	if err := os.MkdirAll(filepath.Join(abs, "busy"), 0o755); err != nil {
		t.Fatal(err)
	}
	stuck.Path, _ = storage.RelPath(h.cfg.Root, abs)
	stuck, _ = store.Create(context.Background(), stuck)
	ok := writeSegment(t, h, 1, base.Add(time.Minute), 100, true)

	r, err := h.Evict(context.Background(), 50)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if r.Failed != 1 || r.Deleted != 1 || r.Freed != 100 {
		t.Errorf("report = %+v, want 1 failed, 1 deleted", r)
	}
	left, _ := store.List(context.Background())
	if len(left) != 1 || left[0].ID != stuck.ID {
		t.Errorf("remaining = %v, want only the stuck record", left)
	}
	if _, err := os.Stat(storage.AbsPath(h.cfg.Root, ok.Path)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("deletable segment still present: %v", err)
	}
}

func TestEvictRunsOutOfCandidates(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	h := newTestHousekeeper(t, store, nil, nil)
	writeSegment(t, h, 1, base, 10, true)

	r, err := h.Evict(context.Background(), 1000)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if r.Deleted != 1 || r.Freed != 10 {
		t.Errorf("report = %+v", r)
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	h := newTestHousekeeper(t, store, nil, quietProbe(90*time.Second))
	ctx := context.Background()

	kept := writeSegment(t, h, 1, base, 10, true)
	gone := writeSegment(t, h, 1, base.Add(time.Minute), 10, true)
	if err := os.Remove(storage.AbsPath(h.cfg.Root, gone.Path)); err != nil {
		t.Fatal(err)
	}
	orphan := writeSegment(t, h, 2, base, 10, false)
	// Not a recording name; ignored.
	if err := os.WriteFile(filepath.Join(h.cfg.Root, "record", "2", "notes.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := h.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if r.Removed != 1 || r.Added != 1 || len(r.Skipped) != 0 {
		t.Errorf("first report = %+v, want 1 removed, 1 added", r)
	}

	segs, _ := store.List(ctx)
	if len(segs) != 2 {
		t.Fatalf("records = %v, want 2", segs)
	}
	if segs[0].ID != kept.ID {
		t.Errorf("first record = %+v, want %+v", segs[0], kept)
	}
	added := segs[1]
	if added.CameraID != 2 || added.Path != orphan.Path || !added.Start.Equal(base) || added.Duration() != 90*time.Second {
		t.Errorf("backfilled = %+v", added)
	}

	r, err = h.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if r.Removed != 0 || r.Added != 0 || len(r.Skipped) != 0 {
		t.Errorf("second report = %+v, want no changes", r)
	}
	if again, _ := store.List(ctx); len(again) != 2 {
		t.Errorf("records after second run = %d, want 2", len(again))
	}
}

func TestReconcileSkipsRecentAndUnprobeable(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	h := newTestHousekeeper(t, store, nil, func(_ context.Context, path string) (time.Duration, error) {
		return 0, errors.New("moov atom not found")
	})
	bad := writeSegment(t, h, 1, base, 10, false)

	r, err := h.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if r.Added != 0 || len(r.Skipped) != 1 || r.Skipped[0] != bad.Path {
		t.Errorf("report = %+v, want %s skipped", r, bad.Path)
	}

	// Within the grace period nothing is probed at all.
	probed := false
	h.probe = func(context.Context, string) (time.Duration, error) {
		probed = true
		return time.Minute, nil
	}
	h.now = time.Now
	if r, _ := h.Reconcile(context.Background()); probed || r.Added != 0 || len(r.Skipped) != 0 {
		t.Errorf("recent file probed = %v, report = %+v", probed, r)
	}
}

func TestReconcileMissingRecordDir(t *testing.T) {
	t.Parallel()

	h := newTestHousekeeper(t, storage.NewMemStore(), nil, nil)
	r, err := h.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if r.Removed != 0 || r.Added != 0 {
		t.Errorf("report = %+v", r)
	}
}

func TestRunOnceEvictsOnlyWhenShort(t *testing.T) {
	t.Parallel()

	store := storage.NewMemStore()
	h := newTestHousekeeper(t, store, nil, nil)
	h.cfg.MinFreeBytes = 150
	writeSegment(t, h, 1, base, 100, true)
	writeSegment(t, h, 1, base.Add(time.Minute), 100, true)

	h.usage = func(string) (Usage, error) { return Usage{Total: 1000, Free: 500}, nil }
	r, err := h.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if r.Deficit != 0 || r.Evict.Deleted != 0 {
		t.Errorf("healthy report = %+v", r)
	}

	h.usage = func(string) (Usage, error) { return Usage{Total: 1000, Free: 100}, nil }
	r, err = h.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if r.Deficit != 50 || r.Evict.Deleted != 1 {
		t.Errorf("low report = %+v, want deficit 50, 1 deleted", r)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newTestHousekeeper(t, storage.NewMemStore(), nil, nil)
	h.cfg.HousekeepInterval = time.Millisecond
	runs := make(chan struct{}, 16)
	h.usage = func(string) (Usage, error) {
		select {
		case runs <- struct{}{}:
		default:
		}
		return Usage{Total: 1, Free: 1}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	for range 2 {
		select {
		case <-runs:
		case <-time.After(5 * time.Second):
			t.Fatal("housekeeper did not run")
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
