package srt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"
)

// Handler serves one accepted caller. streamID is the id the caller asked
// for with any leading "/" removed; data written to w is sent to it.
type Handler func(ctx context.Context, streamID string, w io.Writer) error

// Listener plays the camera side of an SRT pull: it accepts callers and
// streams to each of them. It is used to stand in for SRT cameras.
type Listener struct {
	log     *slog.Logger
	addr    string
	handler Handler
}

// NewListener creates a Listener on addr. If log is nil, slog.Default() is used.
func NewListener(addr string, handler Handler, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		log:     log.With("component", "srt-listener"),
		addr:    addr,
		handler: handler,
	}
}

// Start accepts callers until ctx is cancelled. Each connection is served
// on its own goroutine and closed when its handler returns.
func (l *Listener) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	ln, err := srtgo.Listen(l.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", l.addr, err)
	}
	l.log.Info("listening", "addr", l.addr)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("accept error", "error", err)
			continue
		}
		go l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	streamID := strings.TrimPrefix(conn.StreamID(), "/")
	l.log.Info("caller connected", "stream_id", streamID, "remote", conn.RemoteAddr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := l.handler(ctx, streamID, conn); err != nil && ctx.Err() == nil {
		l.log.Info("caller disconnected", "stream_id", streamID, "error", err)
		return
	}
	l.log.Info("stream finished", "stream_id", streamID)
}
