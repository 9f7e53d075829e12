// Command srt-camera stands in for a camera publishing over SRT in
// listener mode. Every caller gets the given MPEG-TS file looped forever,
// paced at the file's real-time byte rate.
//
//	srt-camera -file clip.ts -addr :9000
//
// Point a camera with `protocol: srt` and `port: 9000` at it to exercise
// the SRT pull path without hardware.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zsiec/mirador/internal/ffmpeg"
	"github.com/zsiec/mirador/internal/ingest/srt"
)

// chunkSize is the SRT live payload size: seven TS packets.
const chunkSize = 188 * 7

func main() {
	file := flag.String("file", "", "MPEG-TS file to serve")
	addr := flag.String("addr", ":9000", "SRT listen address")
	duration := flag.Duration("duration", 0, "file duration (default: ask ffprobe)")
	ffprobe := flag.String("ffprobe", "ffprobe", "ffprobe binary")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if *file == "" {
		flag.Usage()
		os.Exit(1)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		slog.Error("read file", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probed, err := ffmpeg.ProbeDuration(ctx, *ffprobe, *file)
	if err != nil {
		slog.Warn("cannot probe duration", "error", err)
	}
	rate := byteRate(len(data), selectDuration(*duration, probed))
	slog.Info("serving", "file", *file, "bytes", len(data), "bytes_per_sec", int64(rate))

	l := srt.NewListener(*addr, func(ctx context.Context, streamID string, w io.Writer) error {
		return loop(ctx, w, data, rate)
	}, nil)
	if err := l.Start(ctx); err != nil {
		slog.Error("listener failed", "error", err)
		os.Exit(1)
	}
}

// selectDuration prefers an explicit duration, then the probed one, then
// one minute.
func selectDuration(override, probed time.Duration) time.Duration {
	switch {
	case override > 0:
		return override
	case probed > 0:
		return probed
	default:
		return time.Minute
	}
}

func byteRate(size int, d time.Duration) float64 {
	return float64(size) / d.Seconds()
}

// loop writes data to w repeatedly in chunkSize pieces until ctx is done
// or w fails. Writes are paced against one clock for the whole session so
// there is no burst at the loop seam.
func loop(ctx context.Context, w io.Writer, data []byte, bytesPerSec float64) error {
	start := time.Now()
	var sent int64
	for {
		for i := 0; i < len(data); i += chunkSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(i+chunkSize, len(data))
			if _, err := w.Write(data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)
			if ahead := paceDelay(sent, bytesPerSec, time.Since(start)); ahead > 0 {
				time.Sleep(ahead)
			}
		}
	}
}

// paceDelay returns how far ahead of real time sent bytes are after elapsed.
func paceDelay(sent int64, bytesPerSec float64, elapsed time.Duration) time.Duration {
	due := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
	return due - elapsed
}
