// Package detect runs object detection over raw decoded frames. The Loop
// pulls fixed-size rgb24 frames from the decode stage, passes each through an
// inference Engine, optionally draws the results, and forwards the frame to
// the overlay encode stage.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"
)

// ErrDownstreamClosed is returned when the overlay stage stops accepting
// frames.
var ErrDownstreamClosed = errors.New("detect: downstream closed")

// Frame is one raw rgb24 picture. Data is reused between frames; consumers
// that retain it must copy.
type Frame struct {
	Seq    uint64
	Time   time.Time
	Width  int
	Height int
	Data   []byte
}

// Detection is one detected object in frame pixel coordinates.
type Detection struct {
	ClassID int             `json:"classId"`
	Label   string          `json:"label,omitempty"`
	Score   float32         `json:"score"`
	Box     image.Rectangle `json:"box"`
}

// Engine runs inference on a frame.
type Engine interface {
	Detect(ctx context.Context, f Frame) ([]Detection, error)
	Close() error
}

// Drawer composites detections onto the frame in place.
type Drawer interface {
	Draw(f Frame, dets []Detection) error
}

// Previewer receives every processed frame, e.g. to serve a live preview.
type Previewer interface {
	Publish(f Frame)
}

// LoopConfig parameterizes a Loop.
type LoopConfig struct {
	Width     int
	Height    int
	DrawBoxes bool // forward frames to the overlay stage

	// OnDetections is called for frames with at least one detection.
	OnDetections func(f Frame, dets []Detection)
	// OnEndOfStream is called once when the decode stage stops producing.
	OnEndOfStream func()
}

// Loop is the per-frame detection driver.
type Loop struct {
	cfg     LoopConfig
	in      io.Reader
	out     io.Writer
	engine  Engine
	drawer  Drawer
	preview Previewer
	log     *slog.Logger

	frames  atomic.Uint64
	fpsBits atomic.Uint64
}

// NewLoop returns a Loop reading frames from in and, when cfg.DrawBoxes is
// set, writing them to out. drawer and preview may be nil.
func NewLoop(cfg LoopConfig, in io.Reader, out io.Writer, engine Engine, drawer Drawer, preview Previewer, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		cfg:     cfg,
		in:      in,
		out:     out,
		engine:  engine,
		drawer:  drawer,
		preview: preview,
		log:     log.With("component", "detect-loop"),
	}
}

// Frames returns the number of frames processed.
func (l *Loop) Frames() uint64 { return l.frames.Load() }

// FPS returns the most recently measured frame rate.
func (l *Loop) FPS() float64 { return math.Float64frombits(l.fpsBits.Load()) }

// Run processes frames until the input ends, ctx is cancelled, or the
// overlay stage goes away. End of input is not an error.
func (l *Loop) Run(ctx context.Context) error {
	size := l.cfg.Width * l.cfg.Height * 3
	if size <= 0 {
		return fmt.Errorf("detect: invalid frame size %dx%d", l.cfg.Width, l.cfg.Height)
	}
	buf := make([]byte, size)
	rate := rateCounter{since: time.Now()}

	for ctx.Err() == nil {
		if _, err := io.ReadFull(l.in, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
				l.log.Info("end of stream", "frames", l.frames.Load())
				if l.cfg.OnEndOfStream != nil {
					l.cfg.OnEndOfStream()
				}
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		f := Frame{
			Seq:    l.frames.Add(1),
			Time:   time.Now(),
			Width:  l.cfg.Width,
			Height: l.cfg.Height,
			Data:   buf,
		}

		var dets []Detection
		if l.engine != nil {
			var err error
			dets, err = l.engine.Detect(ctx, f)
			if err != nil {
				l.log.Warn("inference failed", "seq", f.Seq, "error", err)
				dets = nil
			}
		}
		if len(dets) > 0 && l.cfg.OnDetections != nil {
			l.cfg.OnDetections(f, dets)
		}

		if l.cfg.DrawBoxes {
			if l.drawer != nil && len(dets) > 0 {
				if err := l.drawer.Draw(f, dets); err != nil {
					l.log.Warn("draw failed", "seq", f.Seq, "error", err)
				}
			}
			if _, err := l.out.Write(buf); err != nil {
				return fmt.Errorf("%w: %v", ErrDownstreamClosed, err)
			}
		}
		if l.preview != nil {
			l.preview.Publish(f)
		}

		if fps, ok := rate.tick(f.Time); ok {
			l.fpsBits.Store(math.Float64bits(fps))
			l.log.Debug("detection rate", "fps", math.Round(fps*10)/10)
		}
	}
	return nil
}

// rateCounter measures frames per second over a window of roughly ten
// seconds, sized from the previous measurement.
type rateCounter struct {
	frames int
	since  time.Time
	fps    float64
}

func (r *rateCounter) tick(now time.Time) (float64, bool) {
	r.frames++
	if r.frames < max(int(r.fps)*10, 1) {
		return 0, false
	}
	elapsed := now.Sub(r.since)
	if elapsed > 0 {
		r.fps = float64(r.frames) / elapsed.Seconds()
	}
	r.frames = 0
	r.since = now
	return r.fps, elapsed > 0
}
