package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrNoVideo is returned when a source has no video stream.
var ErrNoVideo = errors.New("no video stream")

// StreamInfo describes the first video stream of a source.
type StreamInfo struct {
	Codec     string  `json:"codec"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate"`
	HasAudio  bool    `json:"hasAudio"`
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe against url and describes its video stream. opts are
// passed before the input, e.g. rtsp_transport.
func Probe(ctx context.Context, bin, url string, opts []Option) (StreamInfo, error) {
	args := []string{"-v", "error", "-print_format", "json", "-show_streams"}
	for _, o := range opts {
		args = append(args, "-"+o.Key)
		if o.Value != "" {
			args = append(args, o.Value)
		}
	}
	args = append(args, url)

	out, err := run(ctx, bin, args)
	if err != nil {
		return StreamInfo{}, err
	}
	return parseStreams(out)
}

// ProbeDuration returns the container duration of a media file.
func ProbeDuration(ctx context.Context, bin, path string) (time.Duration, error) {
	out, err := run(ctx, bin, []string{"-v", "error", "-print_format", "json", "-show_format", path})
	if err != nil {
		return 0, err
	}
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return 0, fmt.Errorf("decode ffprobe output: %w", err)
	}
	secs, err := strconv.ParseFloat(po.Format.Duration, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("ffprobe %s: no duration", path)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func run(ctx context.Context, bin string, args []string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func parseStreams(data []byte) (StreamInfo, error) {
	var po probeOutput
	if err := json.Unmarshal(data, &po); err != nil {
		return StreamInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var (
		info  StreamInfo
		found bool
	)
	for _, s := range po.Streams {
		switch s.CodecType {
		case "video":
			if found {
				continue
			}
			found = true
			info.Codec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			fps, ok := parseRate(s.AvgFrameRate)
			if !ok {
				fps, _ = parseRate(s.RFrameRate)
			}
			info.FrameRate = fps
		case "audio":
			info.HasAudio = true
		}
	}
	if !found {
		return StreamInfo{}, ErrNoVideo
	}
	return info, nil
}

// parseRate parses "num/den" or a plain number. A zero denominator or zero
// rate is reported as not ok.
func parseRate(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if num, den, ok := strings.Cut(raw, "/"); ok {
		n, e1 := strconv.ParseFloat(num, 64)
		d, e2 := strconv.ParseFloat(den, 64)
		if e1 != nil || e2 != nil || d == 0 || n == 0 {
			return 0, false
		}
		return n / d, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f == 0 {
		return 0, false
	}
	return f, true
}
