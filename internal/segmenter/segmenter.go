// Package segmenter splits a continuous H.264 elementary stream, plus an
// optional raw audio stream, into a sequence of independently playable
// recordings of bounded length.
//
// A single goroutine multiplexes the input and output pipes with poll(2).
// Bytes read from an input are buffered and flushed to the recording process
// of the current segment. Segment boundaries are placed only at a framing
// marker, and only after the scheduled split time, so every recording starts
// with a decodable frame. Once the split is due, flushing stops in front of
// the next marker; when the marker reaches the head of the buffer the
// segment is rotated.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zsiec/mirador/internal/fifo"
	"github.com/zsiec/mirador/internal/framing"
	"github.com/zsiec/mirador/internal/storage"
)

// Faults that end a run. A supervisor is expected to restart the session.
var (
	ErrStall     = errors.New("segmenter: video stalled")
	ErrOverflow  = errors.New("segmenter: buffer overflow")
	ErrMuxerGone = errors.New("segmenter: recording process closed its input")
)

const (
	maxPollWait   = 100 * time.Millisecond
	openRetryWait = 20 * time.Millisecond
)

// Target describes one segment handed to the Muxer.
type Target struct {
	Path  string // output file
	Video string // FIFO carrying the H.264 elementary stream
	Audio string // FIFO carrying raw audio, empty when there is none
	Start time.Time
}

// Handle controls a running recording process.
type Handle interface {
	// Stop lets the process finish the file after its inputs close, then
	// escalates to terminate and kill. It returns once the process is gone.
	Stop(grace time.Duration) error
}

// Muxer starts the process that writes one segment's file from its FIFOs.
type Muxer interface {
	Start(ctx context.Context, t Target) (Handle, error)
}

// Config parameterizes a Segmenter.
type Config struct {
	CameraID int64
	Root     string // storage root; files land in its record directory
	VideoIn  string // input FIFO, H.264 Annex B
	AudioIn  string // input FIFO, raw audio; empty disables the audio leg
	PipeDir  string // where per-segment output FIFOs are created

	SegmentLength     time.Duration
	Jitter            bool
	StatInterval      time.Duration
	StallIntervals    int
	OverflowBytes     int
	OverflowIntervals int
	ReadSize          int
	SampleSize        int
	StopTimeout       time.Duration
	DrainTimeout      time.Duration

	// Now returns the wall clock; time.Now when nil.
	Now func() time.Time
}

// Stats is a snapshot of segmenter progress for status reporting.
type Stats struct {
	State         string    `json:"state"`
	Segments      int64     `json:"segments"`
	BytesIn       int64     `json:"bytesIn"`
	BytesOut      int64     `json:"bytesOut"`
	VideoBuffered int64     `json:"videoBuffered"`
	AudioBuffered int64     `json:"audioBuffered"`
	LastRotation  time.Time `json:"lastRotation"`
}

type leg struct {
	name     string
	in       *fifo.Endpoint
	out      *fifo.Endpoint
	buf      framing.Buffer
	segBytes int64
	flushLen func(buf []byte, splitPending bool) int
}

type segment struct {
	target Target
	handle Handle
	pipes  []string
}

// Segmenter records one camera. Create it with New and call Run once.
type Segmenter struct {
	cfg   Config
	mux   Muxer
	store storage.Store
	log   *slog.Logger

	// OnSegment, if set, is called after each segment is persisted. It must
	// be set before Run.
	OnSegment func(storage.Segment)

	state         atomic.Int32
	lastRotation  atomic.Int64
	segments      atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	videoBuffered atomic.Int64
	audioBuffered atomic.Int64
	finishers     sync.WaitGroup

	// Owned by the Run goroutine.
	video, audio *leg
	legs         []*leg
	cur          *segment
	seq          int
	nextSplit    time.Time
	nextStat     time.Time
	faults       faultDetector
	readBuf      []byte
	pollFds      []unix.PollFd
	pollLegs     []*leg
	muxCtx       context.Context
}

// New returns a Segmenter. If log is nil, slog.Default() is used.
func New(cfg Config, mux Muxer, store storage.Store, log *slog.Logger) *Segmenter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 1 << 20
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 2
	}
	s := &Segmenter{
		cfg:   cfg,
		mux:   mux,
		store: store,
		log:   log.With("component", "segmenter", "camera", cfg.CameraID),
		faults: faultDetector{
			stallMax:    cfg.StallIntervals,
			overflowMax: cfg.OverflowIntervals,
			ceiling:     cfg.OverflowBytes,
		},
	}
	s.state.Store(int32(Starting))
	return s
}

// State returns the current lifecycle state.
func (s *Segmenter) State() State { return State(s.state.Load()) }

func (s *Segmenter) setState(st State) { s.state.Store(int32(st)) }

// LastRotation returns when the current segment started; zero before Run.
func (s *Segmenter) LastRotation() time.Time {
	ns := s.lastRotation.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns a snapshot of counters.
func (s *Segmenter) Stats() Stats {
	return Stats{
		State:         s.State().String(),
		Segments:      s.segments.Load(),
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
		VideoBuffered: s.videoBuffered.Load(),
		AudioBuffered: s.audioBuffered.Load(),
		LastRotation:  s.LastRotation(),
	}
}

// Run records until ctx is cancelled or a fault occurs. On cancellation it
// drains buffered bytes into the current segment and returns nil. The
// in-progress segment is always finalized and, if its file is non-empty,
// persisted before Run returns.
func (s *Segmenter) Run(ctx context.Context) error {
	s.video = &leg{
		name: "video",
		in:   fifo.NewReader(s.cfg.VideoIn),
		flushLen: func(buf []byte, pending bool) int {
			return framing.VideoFlushLen(buf, framing.Marker, pending, framing.PipeBuf)
		},
	}
	s.legs = []*leg{s.video}
	if s.cfg.AudioIn != "" {
		size := s.cfg.SampleSize
		s.audio = &leg{
			name: "audio",
			in:   fifo.NewReader(s.cfg.AudioIn),
			flushLen: func(buf []byte, _ bool) int {
				return framing.AudioFlushLen(len(buf), size, framing.PipeBuf)
			},
		}
		s.legs = append(s.legs, s.audio)
	}
	defer func() {
		for _, l := range s.legs {
			l.in.Close()
		}
	}()

	s.readBuf = make([]byte, s.cfg.ReadSize)
	// Recording processes outlive cancellation so they can finish their files.
	s.muxCtx = context.WithoutCancel(ctx)

	if err := os.MkdirAll(storage.CameraRecordDir(s.cfg.Root, s.cfg.CameraID), 0o755); err != nil {
		s.setState(Stopped)
		return fmt.Errorf("create record dir: %w", err)
	}

	now := s.cfg.Now()
	if err := s.open(now); err != nil {
		s.setState(Stopped)
		return err
	}
	s.nextStat = now.Add(s.cfg.StatInterval)
	s.setState(Running)
	s.log.Info("recording started", "next_split", s.nextSplit.Format(time.TimeOnly))

	err := s.loop(ctx)
	if err == nil {
		s.setState(Draining)
		s.drain()
	}

	if s.cur != nil {
		s.closeSegment(s.cfg.Now())
	}
	s.finishers.Wait()

	switch {
	case errors.Is(err, ErrStall):
		s.setState(Stalled)
	case errors.Is(err, ErrOverflow):
		s.setState(Overflowed)
	default:
		s.setState(Stopped)
	}
	s.log.Info("recording stopped", "segments", s.segments.Load(), "error", err)
	return err
}

func (s *Segmenter) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		now := s.cfg.Now()
		if !now.Before(s.nextStat) {
			if err := s.checkStats(now); err != nil {
				return err
			}
		}

		pendingOpen, err := s.buildPollSet(now)
		if err != nil {
			return err
		}

		wait := min(max(s.nextStat.Sub(now), 0), maxPollWait)
		if pendingOpen {
			wait = min(wait, openRetryWait)
		}
		if _, err := unix.Poll(s.pollFds, int(wait/time.Millisecond)); err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("poll: %w", err)
		}

		for i, pfd := range s.pollFds {
			l := s.pollLegs[i]
			if pfd.Events&unix.POLLIN == 0 {
				continue
			}
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				if err := s.read(l); err != nil {
					return err
				}
			}
		}

		now = s.cfg.Now()
		for _, l := range s.legs {
			if err := s.flush(l, now, false); err != nil {
				return err
			}
		}
		s.publishBuffered()
	}
}

// buildPollSet collects readable inputs and outputs with flushable bytes.
// It reports whether any output is still waiting for its reader.
func (s *Segmenter) buildPollSet(now time.Time) (pendingOpen bool, err error) {
	s.pollFds = s.pollFds[:0]
	s.pollLegs = s.pollLegs[:0]
	pending := s.splitPending(now)

	for _, l := range s.legs {
		fd, ok, err := l.in.FD()
		if err != nil {
			return false, err
		}
		if ok {
			s.pollFds = append(s.pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
			s.pollLegs = append(s.pollLegs, l)
		}

		if l.out == nil || l.buf.Len() == 0 {
			continue
		}
		fd, ok, err = l.out.FD()
		if err != nil {
			return false, err
		}
		if !ok {
			pendingOpen = true
			continue
		}
		if l.flushLen(l.buf.Bytes(), pending) > 0 {
			s.pollFds = append(s.pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLOUT})
			s.pollLegs = append(s.pollLegs, l)
		}
	}
	return pendingOpen, nil
}

func (s *Segmenter) read(l *leg) error {
	n, err := l.in.Read(s.readBuf)
	if errors.Is(err, io.EOF) {
		// No writer. Reopen lazily so poll blocks until one attaches.
		return l.in.Close()
	}
	if err != nil {
		return err
	}
	if n > 0 {
		l.buf.Append(s.readBuf[:n])
		s.bytesIn.Add(int64(n))
	}
	return nil
}

// flush writes as many atomic chunks as the policy and the pipe allow. For
// the video leg it rotates first whenever a rotation is due. While draining
// nothing rotates and the whole buffer is flushable.
func (s *Segmenter) flush(l *leg, now time.Time, draining bool) error {
	for {
		if !draining && l == s.video && s.rotationDue(now) {
			if err := s.rotate(now); err != nil {
				return err
			}
		}
		if l.out == nil || l.buf.Len() == 0 {
			return nil
		}
		if _, ok, err := l.out.FD(); err != nil || !ok {
			return err
		}

		n := l.flushLen(l.buf.Bytes(), !draining && s.splitPending(now))
		if n == 0 {
			return nil
		}
		w, err := l.out.Write(l.buf.Bytes()[:n])
		if err != nil {
			if errors.Is(err, unix.EPIPE) {
				return fmt.Errorf("%w (%s)", ErrMuxerGone, l.name)
			}
			return err
		}
		if w == 0 {
			return nil
		}
		l.buf.Consume(w)
		l.segBytes += int64(w)
		s.bytesOut.Add(int64(w))
	}
}

func (s *Segmenter) splitPending(now time.Time) bool {
	return !now.Before(s.nextSplit)
}

func (s *Segmenter) rotationDue(now time.Time) bool {
	return s.splitPending(now) && s.video.segBytes > 0 && s.video.buf.HasPrefix(framing.Marker)
}

func (s *Segmenter) rotate(now time.Time) error {
	s.setState(Rotating)
	s.closeSegment(now)
	if err := s.open(now); err != nil {
		return err
	}
	s.setState(Running)
	s.log.Debug("segment rotated", "next_split", s.nextSplit.Format(time.TimeOnly))
	return nil
}

// open creates the output FIFOs for a segment starting at start and launches
// its recording process. Output endpoints open lazily once the process
// attaches.
func (s *Segmenter) open(start time.Time) error {
	s.seq++
	seg := &segment{target: Target{
		Path:  storage.RecordPath(s.cfg.Root, s.cfg.CameraID, start),
		Start: start,
	}}

	video, err := fifo.Make(s.cfg.PipeDir, fmt.Sprintf("cam%d-%d.h264", s.cfg.CameraID, s.seq))
	if err != nil {
		return err
	}
	seg.pipes = append(seg.pipes, video)
	seg.target.Video = video
	if s.audio != nil {
		audio, err := fifo.Make(s.cfg.PipeDir, fmt.Sprintf("cam%d-%d.raw", s.cfg.CameraID, s.seq))
		if err != nil {
			removeAll(seg.pipes)
			return err
		}
		seg.pipes = append(seg.pipes, audio)
		seg.target.Audio = audio
	}

	h, err := s.mux.Start(s.muxCtx, seg.target)
	if err != nil {
		removeAll(seg.pipes)
		return fmt.Errorf("start recording process: %w", err)
	}
	seg.handle = h

	s.video.out = fifo.NewWriter(seg.target.Video)
	if s.audio != nil {
		s.audio.out = fifo.NewWriter(seg.target.Audio)
	}
	s.cur = seg
	s.nextSplit = NextSplit(start, s.cfg.SegmentLength, s.jitter())
	s.lastRotation.Store(start.UnixNano())
	return nil
}

// closeSegment detaches the current segment and finalizes it in the
// background with end as its end time.
func (s *Segmenter) closeSegment(end time.Time) {
	for _, l := range s.legs {
		if l.out != nil {
			if err := l.out.Close(); err != nil {
				s.log.Warn("close output pipe", "leg", l.name, "error", err)
			}
			l.out = nil
		}
		l.segBytes = 0
	}
	seg := s.cur
	s.cur = nil

	s.finishers.Add(1)
	go func() {
		defer s.finishers.Done()
		s.finalize(seg, end)
	}()
}

func (s *Segmenter) finalize(seg *segment, end time.Time) {
	if err := seg.handle.Stop(s.cfg.StopTimeout); err != nil {
		s.log.Warn("stop recording process", "file", seg.target.Path, "error", err)
	}
	removeAll(seg.pipes)

	fi, err := os.Stat(seg.target.Path)
	if err != nil || fi.Size() == 0 {
		s.log.Debug("discarding empty segment", "file", seg.target.Path)
		os.Remove(seg.target.Path)
		return
	}
	rel, err := storage.RelPath(s.cfg.Root, seg.target.Path)
	if err != nil {
		s.log.Error("segment outside storage root", "file", seg.target.Path, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := s.store.Create(ctx, storage.Segment{
		CameraID: s.cfg.CameraID,
		Start:    seg.target.Start,
		End:      end,
		Path:     rel,
	})
	if err != nil {
		s.log.Error("persist segment", "file", rel, "error", err)
		return
	}
	s.segments.Add(1)
	s.log.Info("segment saved", "file", rel, "duration", end.Sub(seg.target.Start).Round(time.Second))
	if s.OnSegment != nil {
		s.OnSegment(rec)
	}
}

// drain moves what is still buffered or sitting in the input pipes into the
// current segment, without rotating, until nothing moves or the drain
// timeout passes.
func (s *Segmenter) drain() {
	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		before := s.bytesIn.Load() + s.bytesOut.Load()
		for _, l := range s.legs {
			if l.in.IsOpen() {
				if err := s.read(l); err != nil {
					s.log.Debug("drain read", "leg", l.name, "error", err)
				}
			}
			if err := s.flush(l, s.cfg.Now(), true); err != nil {
				s.log.Debug("drain flush", "leg", l.name, "error", err)
				return
			}
		}
		if s.bytesIn.Load()+s.bytesOut.Load() == before {
			if !s.flushable() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	s.log.Warn("drain timed out", "video_buffered", s.video.buf.Len())
}

// flushable reports whether any leg still holds bytes its flush policy would
// release. A trailing partial audio sample never is.
func (s *Segmenter) flushable() bool {
	for _, l := range s.legs {
		if l.flushLen(l.buf.Bytes(), false) > 0 {
			return true
		}
	}
	return false
}

func (s *Segmenter) checkStats(now time.Time) error {
	v := s.video
	levels := make([]level, 0, len(s.legs))
	attrs := []any{"video_in", v.buf.In(), "video_out", v.buf.Out()}
	for _, l := range s.legs {
		levels = append(levels, level{leg: l.name, buffered: l.buf.Len()})
		attrs = append(attrs, l.name+"_buffered", l.buf.Len())
	}
	err := s.faults.observe(v.buf.In(), v.buf.Out(), levels...)
	s.log.Debug("stats", append(attrs, "stall", s.faults.stall)...)
	for _, l := range s.legs {
		l.buf.ResetCounters()
	}
	s.nextStat = now.Add(s.cfg.StatInterval)
	if err != nil {
		s.log.Error("recording fault", "error", err)
	}
	return err
}

func (s *Segmenter) publishBuffered() {
	s.videoBuffered.Store(int64(s.video.buf.Len()))
	if s.audio != nil {
		s.audioBuffered.Store(int64(s.audio.buf.Len()))
	}
}

func (s *Segmenter) jitter() time.Duration {
	if !s.cfg.Jitter {
		return 0
	}
	return time.Duration(rand.Int64N(int64(min(s.cfg.SegmentLength, time.Minute))))
}

// NextSplit returns the first segment boundary after now, offset by jitter.
// Boundaries are multiples of length, e.g. :00, :15, :30 and :45 for 15
// minute segments.
func NextSplit(now time.Time, length, jitter time.Duration) time.Time {
	return now.Truncate(length).Add(length + jitter)
}

func removeAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}
