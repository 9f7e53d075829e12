package detect

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"
)

type fakeEngine struct {
	mu    sync.Mutex
	seen  []uint64
	every uint64
	err   error
}

func (e *fakeEngine) Detect(_ context.Context, f Frame) ([]Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, f.Seq)
	if e.err != nil {
		return nil, e.err
	}
	if e.every > 0 && f.Seq%e.every == 0 {
		return []Detection{{ClassID: 0, Label: "person", Score: 0.9, Box: image.Rect(0, 0, 1, 1)}}, nil
	}
	return nil, nil
}

func (e *fakeEngine) Close() error { return nil }

// markDrawer stamps 0xFF into the first byte of every frame it draws on.
type markDrawer struct{ calls int }

func (d *markDrawer) Draw(f Frame, _ []Detection) error {
	d.calls++
	f.Data[0] = 0xFF
	return nil
}

type countPreview struct{ n int }

func (p *countPreview) Publish(Frame) { p.n++ }

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func frames(n, w, h int) []byte {
	var b bytes.Buffer
	for i := 0; i < n; i++ {
		b.Write(bytes.Repeat([]byte{byte(i + 1)}, w*h*3))
	}
	return b.Bytes()
}

func TestLoopForwardsFrames(t *testing.T) {
	t.Parallel()

	const w, h = 4, 2
	in := bytes.NewReader(frames(5, w, h))
	var out bytes.Buffer
	engine := &fakeEngine{every: 2}
	drawer := &markDrawer{}
	preview := &countPreview{}

	var detected []uint64
	eos := 0
	loop := NewLoop(LoopConfig{
		Width:     w,
		Height:    h,
		DrawBoxes: true,
		OnDetections: func(f Frame, dets []Detection) {
			detected = append(detected, f.Seq)
		},
		OnEndOfStream: func() { eos++ },
	}, in, &out, engine, drawer, preview, nil)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := loop.Frames(); got != 5 {
		t.Errorf("Frames = %d, want 5", got)
	}
	if out.Len() != 5*w*h*3 {
		t.Errorf("forwarded %d bytes, want %d", out.Len(), 5*w*h*3)
	}
	if len(detected) != 2 || detected[0] != 2 || detected[1] != 4 {
		t.Errorf("detections on frames %v, want [2 4]", detected)
	}
	if drawer.calls != 2 {
		t.Errorf("drawer calls = %d, want 2", drawer.calls)
	}
	fb := out.Bytes()
	size := w * h * 3
	if fb[size] != 0xFF || fb[0] != 1 {
		t.Errorf("frame 2 should be drawn on and frame 1 untouched: %x %x", fb[size], fb[0])
	}
	if preview.n != 5 {
		t.Errorf("preview frames = %d, want 5", preview.n)
	}
	if eos != 1 {
		t.Errorf("end of stream signalled %d times, want 1", eos)
	}
}

func TestLoopPartialFrameIsEndOfStream(t *testing.T) {
	t.Parallel()

	const w, h = 4, 2
	data := frames(2, w, h)
	data = data[:len(data)-5]
	eos := false
	loop := NewLoop(LoopConfig{Width: w, Height: h, OnEndOfStream: func() { eos = true }},
		bytes.NewReader(data), nil, &fakeEngine{}, nil, nil, nil)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if loop.Frames() != 1 {
		t.Errorf("Frames = %d, want 1", loop.Frames())
	}
	if !eos {
		t.Error("partial frame should signal end of stream")
	}
}

func TestLoopDetectOnlyDoesNotForward(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	loop := NewLoop(LoopConfig{Width: 2, Height: 2}, bytes.NewReader(frames(3, 2, 2)), errWriter{}, engine, nil, nil, nil)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(engine.seen) != 3 {
		t.Errorf("engine saw %d frames, want 3", len(engine.seen))
	}
}

func TestLoopEngineErrorPassesFrameThrough(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	drawer := &markDrawer{}
	loop := NewLoop(LoopConfig{Width: 2, Height: 2, DrawBoxes: true},
		bytes.NewReader(frames(2, 2, 2)), &out, &fakeEngine{err: errors.New("model crashed")}, drawer, nil, nil)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Len() != 2*2*2*3 {
		t.Errorf("forwarded %d bytes, want all frames", out.Len())
	}
	if drawer.calls != 0 {
		t.Errorf("drawer called %d times without detections", drawer.calls)
	}
}

func TestLoopDownstreamClosed(t *testing.T) {
	t.Parallel()

	loop := NewLoop(LoopConfig{Width: 2, Height: 2, DrawBoxes: true},
		bytes.NewReader(frames(2, 2, 2)), errWriter{}, &fakeEngine{}, nil, nil, nil)
	if err := loop.Run(context.Background()); !errors.Is(err, ErrDownstreamClosed) {
		t.Errorf("Run = %v, want ErrDownstreamClosed", err)
	}
}

func TestLoopInvalidSize(t *testing.T) {
	t.Parallel()

	loop := NewLoop(LoopConfig{}, bytes.NewReader(nil), nil, nil, nil, nil, nil)
	if err := loop.Run(context.Background()); err == nil {
		t.Error("expected error for zero frame size")
	}
}

func TestRateCounter(t *testing.T) {
	t.Parallel()

	start := time.Unix(0, 0)
	r := rateCounter{since: start}

	fps, ok := r.tick(start.Add(100 * time.Millisecond))
	if !ok || fps != 10 {
		t.Fatalf("first tick = (%v, %v), want (10, true)", fps, ok)
	}

	now := start.Add(100 * time.Millisecond)
	var measured bool
	for i := 1; i <= 100; i++ {
		now = now.Add(100 * time.Millisecond)
		if fps, ok := r.tick(now); ok {
			if i != 100 {
				t.Fatalf("recomputed after %d frames, want 100", i)
			}
			if fps != 10 {
				t.Errorf("fps = %v, want 10", fps)
			}
			measured = true
		}
	}
	if !measured {
		t.Error("rate never recomputed")
	}
}
