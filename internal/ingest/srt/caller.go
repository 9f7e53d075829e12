package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize is the read buffer for SRT socket reads.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// DefaultDialTimeout bounds the SRT handshake.
const DefaultDialTimeout = 10 * time.Second

// Stats captures connection-level metrics for a pull, exposed via the
// status API for monitoring source health.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Caller dials one remote SRT source and streams its payload into a writer.
// A Caller is used for a single Pull at a time.
type Caller struct {
	log         *slog.Logger
	DialTimeout time.Duration

	connectedAt   atomic.Int64
	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:         log.With("component", "srt-caller"),
		DialTimeout: DefaultDialTimeout,
	}
}

// Pull dials address with the given stream id and copies received data to
// w until the remote closes, w fails, or ctx is cancelled. A remote close
// returns io.EOF so callers can tell it apart from cancellation.
func (c *Caller) Pull(ctx context.Context, address, streamID string, w io.Writer) error {
	if address == "" {
		return errors.New("srt: address is required")
	}

	conn, err := c.dial(ctx, address, streamID)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.connectedAt.Store(time.Now().UnixMilli())
	c.remoteAddr.Store(address)
	c.log.Info("connected", "address", address, "stream_id", streamID)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	defer func() {
		stats := c.Stats()
		c.log.Info("pull ended", "address", address,
			"bytes", stats.BytesReceived, "reads", stats.ReadCount,
			"uptime_ms", stats.UptimeMs)
	}()

	buf := make([]byte, srtReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("srt read: %w", err)
		}
		c.recordRead(n)
		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("srt forward: %w", err)
		}
	}
}

func (c *Caller) dial(ctx context.Context, address, streamID string) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	c.log.Info("dialing", "address", address, "stream_id", streamID)

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(c.DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		go closeLate(ch)
		return nil, fmt.Errorf("SRT dial timed out after %s", c.DialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate closes any connection from a dial its caller gave up on.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

func (c *Caller) recordRead(n int) {
	c.bytesReceived.Add(int64(n))
	c.readCount.Add(1)
}

// Stats returns a snapshot of the connection metrics.
func (c *Caller) Stats() Stats {
	addr, _ := c.remoteAddr.Load().(string)
	s := Stats{
		BytesReceived: c.bytesReceived.Load(),
		ReadCount:     c.readCount.Load(),
		ConnectedAt:   c.connectedAt.Load(),
		RemoteAddr:    addr,
	}
	if s.ConnectedAt > 0 {
		s.UptimeMs = time.Now().UnixMilli() - s.ConnectedAt
	}
	return s
}
