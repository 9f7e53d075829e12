package segmenter

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/zsiec/mirador/internal/ffmpeg"
	"github.com/zsiec/mirador/internal/proc"
)

// FFmpegMuxer records each segment with an ffmpeg process that reads the
// segment's FIFOs and writes an MP4 with the video stream copied.
type FFmpegMuxer struct {
	Bin           string
	FrameRate     float64
	AudioRate     int
	AudioChannels int
	Log           *slog.Logger
}

// Command returns the invocation that records t.
func (m *FFmpegMuxer) Command(t Target) ffmpeg.Command {
	videoIn := []ffmpeg.Option{ffmpeg.Opt("fflags", "+genpts"), ffmpeg.Opt("f", "h264")}
	if m.FrameRate > 0 {
		videoIn = append(videoIn, ffmpeg.Opt("framerate", strconv.FormatFloat(m.FrameRate, 'f', -1, 64)))
	}
	c := ffmpeg.Command{
		Global: ffmpeg.Quiet,
		Inputs: []ffmpeg.Input{{Options: videoIn, Source: t.Video}},
	}
	out := []ffmpeg.Option{ffmpeg.Opt("map", "0:v"), ffmpeg.Opt("c:v", "copy")}
	if t.Audio != "" {
		c.Inputs = append(c.Inputs, ffmpeg.Input{
			Options: []ffmpeg.Option{
				ffmpeg.Opt("f", "s16le"),
				ffmpeg.Opt("ar", strconv.Itoa(m.AudioRate)),
				ffmpeg.Opt("ac", strconv.Itoa(m.AudioChannels)),
			},
			Source: t.Audio,
		})
		out = append(out, ffmpeg.Opt("map", "1:a"), ffmpeg.Opt("c:a", "aac"))
	}
	out = append(out, ffmpeg.Opt("movflags", "+faststart"), ffmpeg.Opt("f", "mp4"))
	c.Outputs = []ffmpeg.Output{{Options: out, Target: t.Path}}
	return c
}

// Start launches the recording process for t.
func (m *FFmpegMuxer) Start(ctx context.Context, t Target) (Handle, error) {
	p, err := proc.Start("record", m.Command(t).Exec(ctx, m.Bin), m.Log)
	if err != nil {
		return nil, err
	}
	return muxHandle{p: p}, nil
}

type muxHandle struct {
	p *proc.Process
}

// Stop waits for ffmpeg to finish the file on its own after its inputs hit
// EOF, then terminates and finally kills it.
func (h muxHandle) Stop(grace time.Duration) error {
	if h.p.WaitTimeout(grace) {
		return nil
	}
	return h.p.Stop(grace)
}
