package session

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zsiec/mirador/internal/camera"
	"github.com/zsiec/mirador/internal/config"
	"github.com/zsiec/mirador/internal/ffmpeg"
)

// copyCodec is the only source codec passed through without re-encoding.
// HEVC is excluded because browsers cannot play it without hardware support.
const copyCodec = "h264"

// LivePlaylist is the HLS playlist name inside a camera's live directory.
const LivePlaylist = "out.m3u8"

// Plan is the immutable description of one recording run: what the source
// looks like and which processing stages the camera's features require.
type Plan struct {
	Codec     string  `json:"codec"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate"`
	HasAudio  bool    `json:"hasAudio"`

	Features camera.Features `json:"features"`

	Decode     bool        `json:"decode"` // raw frames go to the detection loop
	Encode     bool        `json:"encode"` // overlays force a re-encode
	Copy       bool        `json:"copy"`   // source video passes through untouched
	DecodeSize config.Size `json:"decodeSize"`
}

// NewPlan derives the pipeline flags from a probed stream and the camera's
// features.
func NewPlan(info ffmpeg.StreamInfo, f camera.Features, decode config.Size) Plan {
	p := Plan{
		Codec:      info.Codec,
		Width:      info.Width,
		Height:     info.Height,
		FrameRate:  info.FrameRate,
		HasAudio:   info.HasAudio,
		Features:   f,
		Decode:     f.Detect,
		Encode:     f.DrawText || f.DrawBox,
		DecodeSize: decode,
	}
	p.Copy = !p.Encode && info.Codec == copyCodec
	return p
}

// FrameSize is the byte length of one decoded rgb24 frame.
func (p Plan) FrameSize() int { return p.DecodeSize.Width * p.DecodeSize.Height * 3 }

// Source says where the source stage reads the camera from.
type Source struct {
	URL     string          // what ffmpeg opens, "pipe:0" for SRT pulls
	Probe   string          // what ffprobe opens
	Options []ffmpeg.Option // input options shared by probe and source stage

	// SRT pulls are bridged into the source stage's stdin.
	SRTAddr     string
	SRTStreamID string
}

// IsSRT reports whether the source is pulled over SRT.
func (s Source) IsSRT() bool { return s.SRTAddr != "" }

// SourceOf resolves a camera's stream settings into a Source.
func SourceOf(cam camera.Camera, tc config.Transcoder) Source {
	u := camera.URL(cam)
	switch strings.ToLower(cam.Stream.Protocol) {
	case "rtsp":
		var opts []ffmpeg.Option
		if cam.Stream.ForceTCP {
			opts = append(opts, ffmpeg.Opt("rtsp_transport", "tcp"))
		}
		if tc.RTSPTimeout > 0 {
			opts = append(opts, ffmpeg.Opt("timeout", strconv.FormatInt(tc.RTSPTimeout.Microseconds(), 10)))
		}
		return Source{URL: u, Probe: u, Options: opts}
	case "srt":
		return Source{
			URL:         "pipe:0",
			Probe:       u,
			Options:     []ffmpeg.Option{ffmpeg.Opt("f", "mpegts")},
			SRTAddr:     net.JoinHostPort(cam.Host, strconv.Itoa(cam.Stream.Port)),
			SRTStreamID: cam.StreamKey,
		}
	default:
		return Source{URL: u, Probe: u}
	}
}

// ProbeOptions are the source options ffprobe understands. The forced
// container format of a piped source does not apply to the network URL.
func (s Source) ProbeOptions() []ffmpeg.Option {
	if s.IsSRT() {
		return nil
	}
	return s.Options
}

// Paths are the filesystem endpoints a topology writes to.
type Paths struct {
	Video   string // segmenter video FIFO
	Audio   string // segmenter audio FIFO, empty when the source has no audio
	LiveDir string // HLS output directory
}

// Stage is one transcoding process.
type Stage struct {
	Name    string
	Command ffmpeg.Command

	RawOut   bool // stdout carries rgb24 frames to the detection loop
	RawIn    bool // stdin carries rgb24 frames from the detection loop
	SourceIn bool // stdin carries the SRT transport stream
}

// Topology is the process graph for one run. Overlay is nil unless boxes
// are drawn, in which case the detection loop sits between the two stages.
type Topology struct {
	Source  Stage
	Overlay *Stage
}

// Stages lists the topology's processes, producers first.
func (t Topology) Stages() []Stage {
	if t.Overlay == nil {
		return []Stage{t.Source}
	}
	return []Stage{t.Source, *t.Overlay}
}

// BuildTopology lays out the transcoding processes for plan.
//
// The source stage always feeds the audio FIFO. When detection runs it also
// emits scaled raw frames on stdout. Without box drawing it produces the
// live playlist and the segmenter's H.264 stream itself; with box drawing
// those come from the overlay stage, which encodes the annotated frames the
// detection loop writes to its stdin.
func BuildTopology(plan Plan, src Source, paths Paths, tc config.Transcoder, overlays []config.Overlay) Topology {
	in := append([]ffmpeg.Option(nil), src.Options...)
	if tc.HWAccel != "" && (plan.Decode || !plan.Copy) {
		in = append([]ffmpeg.Option{ffmpeg.Opt("hwaccel", tc.HWAccel)}, in...)
	}
	source := Stage{
		Name: "source",
		Command: ffmpeg.Command{
			Global: ffmpeg.Quiet,
			Inputs: []ffmpeg.Input{{Options: in, Source: src.URL}},
		},
		SourceIn: src.IsSRT(),
	}

	var filters []string
	if plan.Decode {
		filters = append(filters, fmt.Sprintf("[0:v]scale=%d:%d[det]", plan.DecodeSize.Width, plan.DecodeSize.Height))
		source.Command.Outputs = append(source.Command.Outputs, ffmpeg.Output{
			Options: []ffmpeg.Option{
				ffmpeg.Opt("map", "[det]"),
				ffmpeg.Opt("f", "rawvideo"),
				ffmpeg.Opt("pix_fmt", "rgb24"),
			},
			Target: "pipe:1",
		})
		source.RawOut = true
	}

	var overlay *Stage
	if plan.Features.DrawBox {
		s := Stage{
			Name: "overlay",
			Command: ffmpeg.Command{
				Global: ffmpeg.Quiet,
				Inputs: []ffmpeg.Input{{
					Options: []ffmpeg.Option{
						ffmpeg.Opt("f", "rawvideo"),
						ffmpeg.Opt("pix_fmt", "rgb24"),
						ffmpeg.Opt("s", fmt.Sprintf("%dx%d", plan.DecodeSize.Width, plan.DecodeSize.Height)),
						ffmpeg.Opt("framerate", formatRate(plan.FrameRate)),
					},
					Source: "pipe:0",
				}},
			},
			RawIn: true,
		}
		var ovFilters []string
		s.Command.Outputs = videoOutputs(plan, paths, tc, overlays, &ovFilters)
		s.Command.FilterComplex = strings.Join(ovFilters, ";")
		overlay = &s
	} else {
		source.Command.Outputs = append(source.Command.Outputs, videoOutputs(plan, paths, tc, overlays, &filters)...)
	}

	if paths.Audio != "" && plan.HasAudio {
		source.Command.Outputs = append(source.Command.Outputs, ffmpeg.Output{
			Options: []ffmpeg.Option{
				ffmpeg.Opt("map", "0:a:0"),
				ffmpeg.Opt("f", "s16le"),
				ffmpeg.Opt("ar", strconv.Itoa(tc.AudioRate)),
				ffmpeg.Opt("ac", strconv.Itoa(tc.AudioChannels)),
			},
			Target: paths.Audio,
		})
	}
	source.Command.FilterComplex = strings.Join(filters, ";")

	return Topology{Source: source, Overlay: overlay}
}

// videoOutputs returns the live playlist and segmenter outputs for the stage
// whose first input is the picture to publish, appending any overlay filter
// chain to filters.
func videoOutputs(plan Plan, paths Paths, tc config.Transcoder, overlays []config.Overlay, filters *[]string) []ffmpeg.Output {
	liveMap, recMap := "0:v", "0:v"
	if len(overlays) > 0 {
		chain := make([]string, 0, len(overlays)+1)
		for _, o := range overlays {
			chain = append(chain, drawtext(o))
		}
		chain = append(chain, "split=2[live][rec]")
		*filters = append(*filters, "[0:v]"+strings.Join(chain, ","))
		liveMap, recMap = "[live]", "[rec]"
	}

	enc := []ffmpeg.Option{ffmpeg.Opt("c:v", "copy")}
	if !plan.Copy {
		gop := strconv.Itoa(max(int(plan.FrameRate+0.5), 1))
		enc = []ffmpeg.Option{
			ffmpeg.Opt("c:v", tc.VideoEncoder),
			ffmpeg.Opt("pix_fmt", "yuv420p"),
			ffmpeg.Opt("flags", "+cgop"),
			ffmpeg.Opt("g", gop),
		}
	}

	live := append([]ffmpeg.Option{ffmpeg.Opt("map", liveMap)}, enc...)
	live = append(live,
		ffmpeg.Flag("an"),
		ffmpeg.Opt("f", "hls"),
		ffmpeg.Opt("hls_time", strconv.Itoa(tc.HLSTime)),
		ffmpeg.Opt("hls_list_size", strconv.Itoa(tc.HLSListSize)),
		ffmpeg.Opt("hls_flags", "delete_segments"),
	)

	rec := append([]ffmpeg.Option{ffmpeg.Opt("map", recMap)}, enc...)
	if !plan.Copy {
		// Parameter sets ahead of every keyframe give the segmenter its
		// split points.
		rec = append(rec, ffmpeg.Opt("bsf:v", "dump_extra=freq=keyframe"))
	}
	rec = append(rec, ffmpeg.Flag("an"), ffmpeg.Opt("f", "h264"))

	return []ffmpeg.Output{
		{Options: live, Target: filepath.Join(paths.LiveDir, LivePlaylist)},
		{Options: rec, Target: paths.Video},
	}
}

// drawtext renders one text overlay. Text is expanded with strftime so
// overlays can carry the wall clock.
func drawtext(o config.Overlay) string {
	color := o.Color
	if color == "" {
		color = "white"
	}
	size := o.Size
	if size <= 0 {
		size = 24
	}
	return fmt.Sprintf("drawtext=expansion=strftime:text='%s':x=%d:y=%d:fontcolor=%s:fontsize=%d",
		escapeText(o.Text), o.X, o.Y, color, size)
}

// escapeText quotes s for a single-quoted filtergraph value.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `'\''`)
}

func formatRate(fps float64) string {
	if fps <= 0 {
		return "25"
	}
	return strconv.FormatFloat(fps, 'f', -1, 64)
}
