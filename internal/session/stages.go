package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zsiec/mirador/internal/proc"
)

// pipeline holds the running transcoding processes and the parent's ends of
// the pipes between them and the detection loop.
type pipeline struct {
	source  *proc.Process
	overlay *proc.Process

	frames    *os.File // source stdout, raw frames for the detection loop
	toOverlay *os.File // overlay stdin, annotated frames
	srtIn     *os.File // source stdin, SRT transport stream
}

// startStages launches the topology's processes. On error every process
// already started is stopped and every pipe closed.
func (s *Session) startStages(topo Topology) (_ *pipeline, err error) {
	p := &pipeline{}
	var childEnds []*os.File
	defer func() {
		for _, f := range childEnds {
			f.Close()
		}
		if err != nil {
			p.close(s.cfg.Recorder.StopTimeout)
		}
	}()

	bin := s.cfg.Transcoder.FFmpeg
	// Stages are stopped explicitly during teardown, never by cancellation.
	bg := context.Background()

	cmd := topo.Source.Command.Exec(bg, bin)
	if topo.Source.RawOut {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("frame pipe: %w", err)
		}
		p.frames = r
		childEnds = append(childEnds, w)
		cmd.Stdout = w
	}
	if topo.Source.SourceIn {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("source pipe: %w", err)
		}
		p.srtIn = w
		childEnds = append(childEnds, r)
		cmd.Stdin = r
	}
	if p.source, err = proc.Start("source", cmd, s.log); err != nil {
		return nil, err
	}

	if topo.Overlay != nil {
		cmd := topo.Overlay.Command.Exec(bg, bin)
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("overlay pipe: %w", err)
		}
		p.toOverlay = w
		childEnds = append(childEnds, r)
		cmd.Stdin = r
		if p.overlay, err = proc.Start("overlay", cmd, s.log); err != nil {
			return nil, err
		}
	}

	pids := []int{p.source.Pid()}
	if p.overlay != nil {
		pids = append(pids, p.overlay.Pid())
	}
	s.log.Info("stages started", "pids", pids)
	return p, nil
}

// close stops every process and releases every pipe.
func (p *pipeline) close(grace time.Duration) {
	for _, f := range []*os.File{p.srtIn, p.toOverlay, p.frames} {
		if f != nil {
			f.Close()
		}
	}
	for _, sp := range []*proc.Process{p.source, p.overlay} {
		if sp != nil {
			sp.Stop(grace)
		}
	}
}
