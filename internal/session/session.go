// Package session runs one camera's recording pipeline: it probes the
// source, lays out the transcoding processes, starts the segmenter and the
// detection loop, and tears everything down in dependency order when the
// stream ends, a fault occurs, or the operator stops it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mirador/internal/camera"
	"github.com/zsiec/mirador/internal/config"
	"github.com/zsiec/mirador/internal/detect"
	"github.com/zsiec/mirador/internal/events"
	"github.com/zsiec/mirador/internal/ffmpeg"
	"github.com/zsiec/mirador/internal/fifo"
	"github.com/zsiec/mirador/internal/ingest/srt"
	"github.com/zsiec/mirador/internal/segmenter"
	"github.com/zsiec/mirador/internal/storage"
)

// ErrProbe wraps failures to probe a camera. Nothing has been started when
// it is returned.
var ErrProbe = errors.New("session: probe failed")

// detectEventEvery throttles detection events per camera.
const detectEventEvery = time.Second

// ProbeFunc describes a source's video stream.
type ProbeFunc func(ctx context.Context, url string, opts []ffmpeg.Option) (ffmpeg.StreamInfo, error)

// Preview is a detection-frame sink that can also be served over HTTP.
type Preview interface {
	detect.Previewer
	http.Handler
	Snapshot() []byte
}

// Deps are the collaborators a Session needs. Store is required.
type Deps struct {
	Store  storage.Store
	Events events.Publisher
	Probe  ProbeFunc
	Muxer  segmenter.Muxer // nil records with ffmpeg

	// NewEngine starts the inference engine for sessions that detect.
	// Without it frames pass through undetected.
	NewEngine  func(ctx context.Context) (detect.Engine, error)
	Drawer     detect.Drawer
	NewPreview func() Preview

	Log *slog.Logger
}

// Status is a point-in-time view of a session for the status API.
type Status struct {
	RunID     uuid.UUID       `json:"runId"`
	CameraID  int64           `json:"cameraId"`
	Name      string          `json:"name"`
	StartedAt time.Time       `json:"startedAt"`
	Heartbeat time.Time       `json:"heartbeat"`
	Plan      *Plan           `json:"plan,omitempty"`
	Recorder  segmenter.Stats `json:"recorder"`
	DetectFPS float64         `json:"detectFps,omitempty"`
	Frames    uint64          `json:"frames,omitempty"`
	Source    *srt.Stats      `json:"source,omitempty"`
}

// Session is one recording run for one camera. Create it with New and call
// Run once.
type Session struct {
	cam   camera.Camera
	cfg   config.Config
	deps  Deps
	log   *slog.Logger
	runID uuid.UUID

	mu      sync.RWMutex
	started time.Time
	plan    *Plan
	seg     *segmenter.Segmenter
	loop    *detect.Loop
	caller  *srt.Caller
	preview Preview

	emitting   sync.WaitGroup
	lastDetect atomic.Int64
}

// New returns a Session for cam.
func New(cam camera.Camera, cfg config.Config, deps Deps) *Session {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Probe == nil {
		bin := cfg.Transcoder.FFprobe
		deps.Probe = func(ctx context.Context, url string, opts []ffmpeg.Option) (ffmpeg.StreamInfo, error) {
			return ffmpeg.Probe(ctx, bin, url, opts)
		}
	}
	id := uuid.New()
	return &Session{
		cam:   cam,
		cfg:   cfg,
		deps:  deps,
		runID: id,
		log:   deps.Log.With("component", "session", "camera", cam.ID, "run", id.String()[:8]),
	}
}

// CameraID returns the camera this session records.
func (s *Session) CameraID() int64 { return s.cam.ID }

// Heartbeat returns the time of the last segment rotation, or the session
// start before the first rotation. Zero means the session is not recording.
func (s *Session) Heartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.seg != nil {
		if t := s.seg.LastRotation(); !t.IsZero() {
			return t
		}
	}
	return s.started
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	st := Status{
		RunID:     s.runID,
		CameraID:  s.cam.ID,
		Name:      s.cam.Name,
		Heartbeat: s.Heartbeat(),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st.StartedAt = s.started
	st.Plan = s.plan
	if s.seg != nil {
		st.Recorder = s.seg.Stats()
	}
	if s.loop != nil {
		st.DetectFPS = s.loop.FPS()
		st.Frames = s.loop.Frames()
	}
	if s.caller != nil {
		stats := s.caller.Stats()
		st.Source = &stats
	}
	return st
}

// Preview returns the annotated-frame preview, or nil when the session does
// not decode frames.
func (s *Session) Preview() Preview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preview
}

// Run records until the stream ends, a fault occurs, or ctx is cancelled.
// The in-flight segment is persisted before Run returns in every case
// except a startup failure, where nothing was recorded.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	if !s.cam.Enabled {
		s.log.Info("camera is disabled")
		return Stopped, nil
	}

	src := SourceOf(s.cam, s.cfg.Transcoder)
	s.log.Info("probing camera", "host", s.cam.Host, "protocol", s.cam.Stream.Protocol)
	info, err := s.deps.Probe(ctx, src.Probe, src.ProbeOptions())
	if err != nil {
		return Failed, fmt.Errorf("%w: camera %d: %v", ErrProbe, s.cam.ID, err)
	}
	plan := NewPlan(info, camera.FeaturesOf(s.cam), s.cfg.Detection.Size)
	s.log.Info("pipeline configured",
		"codec", plan.Codec, "size", fmt.Sprintf("%dx%d", plan.Width, plan.Height),
		"fps", plan.FrameRate, "audio", plan.HasAudio,
		"detect", plan.Features.Detect, "draw_box", plan.Features.DrawBox, "draw_text", plan.Features.DrawText,
		"decode", plan.Decode, "encode", plan.Encode, "copy", plan.Copy)

	var engine detect.Engine
	if plan.Decode && s.deps.NewEngine != nil {
		engine, err = s.deps.NewEngine(ctx)
		if err != nil {
			return Failed, fmt.Errorf("start inference engine: %w", err)
		}
		defer engine.Close()
	}

	root := s.cfg.Storage.Root
	liveDir := storage.CameraLiveDir(root, s.cam.ID)
	if err := os.RemoveAll(liveDir); err != nil {
		return Failed, fmt.Errorf("reset live dir: %w", err)
	}
	for _, dir := range []string{liveDir, storage.CameraRecordDir(root, s.cam.ID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Failed, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	pipeDir, err := os.MkdirTemp("", fmt.Sprintf("mirador-cam%d-", s.cam.ID))
	if err != nil {
		return Failed, fmt.Errorf("create pipe dir: %w", err)
	}
	defer os.RemoveAll(pipeDir)

	paths := Paths{LiveDir: liveDir}
	if paths.Video, err = fifo.Make(pipeDir, "video.h264"); err != nil {
		return Failed, err
	}
	if plan.HasAudio {
		if paths.Audio, err = fifo.Make(pipeDir, "audio.s16le"); err != nil {
			return Failed, err
		}
	}
	topo := BuildTopology(plan, src, paths, s.cfg.Transcoder, camera.EnabledOverlays(s.cam))

	seg := segmenter.New(s.segmenterConfig(plan, paths, pipeDir), s.muxer(plan), s.deps.Store, s.deps.Log)
	seg.OnSegment = func(sg storage.Segment) {
		s.emit(events.SegmentCreated, sg)
	}

	p, err := s.startStages(topo)
	if err != nil {
		return Failed, err
	}

	s.mu.Lock()
	s.started = time.Now()
	s.plan = &plan
	s.seg = seg
	if plan.Decode {
		if s.deps.NewPreview != nil {
			s.preview = s.deps.NewPreview()
		}
		s.loop = s.newLoop(plan, p, engine)
	}
	if src.IsSRT() {
		s.caller = srt.NewCaller(s.deps.Log)
	}
	s.mu.Unlock()

	s.emit(events.SessionStarted, plan)
	outcome, runErr := s.supervise(ctx, src, p, seg)

	data := map[string]string{"outcome": outcome.String()}
	if runErr != nil {
		data["error"] = runErr.Error()
	}
	if outcome == Fault {
		s.emit(events.SessionFault, data)
	} else {
		s.emit(events.SessionEnded, data)
	}
	s.emitting.Wait()
	s.log.Info("session finished", "outcome", outcome, "error", runErr)
	return outcome, runErr
}

func (s *Session) segmenterConfig(plan Plan, paths Paths, pipeDir string) segmenter.Config {
	rc := s.cfg.Recorder
	return segmenter.Config{
		CameraID:          s.cam.ID,
		Root:              s.cfg.Storage.Root,
		VideoIn:           paths.Video,
		AudioIn:           paths.Audio,
		PipeDir:           pipeDir,
		SegmentLength:     rc.SegmentLength,
		Jitter:            rc.JitterEnabled(),
		StatInterval:      rc.StatInterval,
		StallIntervals:    rc.StallIntervals,
		OverflowBytes:     rc.OverflowBytes,
		OverflowIntervals: rc.OverflowIntervals,
		ReadSize:          rc.ReadSize,
		SampleSize:        s.cfg.Transcoder.SampleSize(),
		StopTimeout:       rc.StopTimeout,
		DrainTimeout:      rc.DrainTimeout,
	}
}

func (s *Session) muxer(plan Plan) segmenter.Muxer {
	if s.deps.Muxer != nil {
		return s.deps.Muxer
	}
	tc := s.cfg.Transcoder
	return &segmenter.FFmpegMuxer{
		Bin:           tc.FFmpeg,
		FrameRate:     plan.FrameRate,
		AudioRate:     tc.AudioRate,
		AudioChannels: tc.AudioChannels,
		Log:           s.log,
	}
}

func (s *Session) newLoop(plan Plan, p *pipeline, engine detect.Engine) *detect.Loop {
	cfg := detect.LoopConfig{
		Width:     plan.DecodeSize.Width,
		Height:    plan.DecodeSize.Height,
		DrawBoxes: plan.Features.DrawBox,
		OnDetections: func(f detect.Frame, dets []detect.Detection) {
			now := f.Time.UnixNano()
			last := s.lastDetect.Load()
			if now-last < int64(detectEventEvery) || !s.lastDetect.CompareAndSwap(last, now) {
				return
			}
			s.emit(events.Detection, map[string]any{
				"seq":        f.Seq,
				"detections": append([]detect.Detection(nil), dets...),
			})
		},
	}
	var out io.Writer
	if p.toOverlay != nil {
		out = p.toOverlay
	}
	return detect.NewLoop(cfg, p.frames, out, engine, s.deps.Drawer, s.preview, s.log)
}

// supervise waits for the first worker or process to finish, then tears the
// run down: producers first, then the segmenter drains.
func (s *Session) supervise(ctx context.Context, src Source, p *pipeline, seg *segmenter.Segmenter) (Outcome, error) {
	grace := s.cfg.Recorder.StopTimeout

	segCtx, cancelSeg := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSeg()

	var (
		workers  errgroup.Group
		segErr   error
		loopErr  error
		segDone  = make(chan struct{})
		loopDone = make(chan struct{})
	)
	workers.Go(func() error {
		defer close(segDone)
		segErr = seg.Run(segCtx)
		return segErr
	})
	var loopSig <-chan struct{}
	if s.loop != nil {
		loopSig = loopDone
		workers.Go(func() error {
			defer close(loopDone)
			// The loop runs until the source stage closes its output so
			// frames in flight are not left blocking the producer.
			loopErr = s.loop.Run(context.WithoutCancel(ctx))
			if errors.Is(loopErr, detect.ErrDownstreamClosed) {
				s.log.Info("overlay stage stopped accepting frames")
				return nil
			}
			return loopErr
		})
	} else {
		close(loopDone)
	}

	pullCtx, cancelPull := context.WithCancel(ctx)
	defer cancelPull()
	var srtSig <-chan struct{}
	srtDone := make(chan struct{})
	if src.IsSRT() {
		srtSig = srtDone
		go func() {
			defer close(srtDone)
			err := s.caller.Pull(pullCtx, src.SRTAddr, src.SRTStreamID, p.srtIn)
			p.srtIn.Close()
			if err != nil && pullCtx.Err() == nil {
				s.log.Info("srt pull ended", "error", err)
			}
		}()
	} else {
		close(srtDone)
	}

	var overlayDone <-chan struct{}
	if p.overlay != nil {
		overlayDone = p.overlay.Done()
	}

	outcome := Ended
	select {
	case <-ctx.Done():
		outcome = Stopped
		s.log.Info("stop requested")
	case <-p.source.Done():
		s.log.Info("end of stream", "stage", "source", "code", p.source.ExitCode())
	case <-overlayDone:
		s.log.Info("end of stream", "stage", "overlay", "code", p.overlay.ExitCode())
	case <-loopSig:
		s.log.Info("detection loop finished", "error", loopErr)
	case <-srtSig:
		s.log.Info("srt source disconnected")
	case <-segDone:
		outcome = Fault
	}

	// Producers first.
	cancelPull()
	if err := p.source.Stop(grace); err != nil {
		s.log.Warn("source stage stop failed", "error", err)
	}
	select {
	case <-srtDone:
	case <-time.After(grace):
		s.log.Warn("srt pull did not stop in time")
	}
	select {
	case <-loopDone:
	case <-time.After(grace):
		// The loop is blocked writing to an overlay stage that stopped reading.
		if p.overlay != nil {
			p.overlay.Stop(grace)
		}
		<-loopDone
	}
	if p.toOverlay != nil {
		p.toOverlay.Close()
	}
	if p.overlay != nil && !p.overlay.WaitTimeout(grace) {
		p.overlay.Stop(grace)
	}
	if p.frames != nil {
		p.frames.Close()
	}

	// Then let the segmenter drain what the producers left behind.
	cancelSeg()
	werr := workers.Wait()

	if segErr != nil {
		if outcome != Stopped {
			outcome = Fault
		}
		return outcome, segErr
	}
	if outcome == Fault {
		// The segmenter returned on its own without an error.
		outcome = Ended
	}
	if werr != nil && !errors.Is(werr, detect.ErrDownstreamClosed) {
		return outcome, werr
	}
	return outcome, nil
}

// emit publishes ev without blocking the caller.
func (s *Session) emit(typ events.Type, data any) {
	ev := events.New(typ, s.cam.ID, data)
	s.emitting.Add(1)
	go func() {
		defer s.emitting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Events.Publish(ctx, ev); err != nil {
			s.log.Debug("event not delivered", "type", typ, "error", err)
		}
	}()
}
