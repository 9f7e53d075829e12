package detect

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/zsiec/mirador/internal/proc"
)

// ErrWorkerTimeout is returned when the inference worker does not answer in
// time. The worker is stopped and the engine stays unusable.
var ErrWorkerTimeout = errors.New("detect: inference worker timed out")

// maxMessage bounds a single framed message from the worker.
const maxMessage = 16 << 20

// Wire format: each message is a 4-byte big-endian length followed by a
// msgpack document.
type workerRequest struct {
	Seq    uint64 `msgpack:"seq"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Format string `msgpack:"format"`
	Frame  []byte `msgpack:"frame"`
}

type workerResponse struct {
	Seq        uint64          `msgpack:"seq"`
	Detections []wireDetection `msgpack:"detections"`
	Error      string          `msgpack:"error"`
}

type wireDetection struct {
	ClassID int     `msgpack:"class_id"`
	Label   string  `msgpack:"label"`
	Score   float32 `msgpack:"score"`
	Box     [4]int  `msgpack:"box"` // xmin, ymin, xmax, ymax
}

// WorkerEngine runs inference in an external process that speaks
// length-prefixed msgpack on stdin and stdout.
type WorkerEngine struct {
	p       *proc.Process
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	timeout time.Duration
	labels  map[int]string
	log     *slog.Logger

	mu     sync.Mutex
	broken error
}

// StartWorker launches argv as the inference worker. labels names class ids
// the worker leaves unlabeled.
func StartWorker(argv []string, timeout time.Duration, labels map[int]string, log *slog.Logger) (*WorkerEngine, error) {
	if len(argv) == 0 {
		return nil, errors.New("detect: no worker command configured")
	}
	if log == nil {
		log = slog.Default()
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	p, err := proc.Start("detect-worker", cmd, log)
	if err != nil {
		return nil, err
	}
	return &WorkerEngine{
		p:       p,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64<<10),
		timeout: timeout,
		labels:  labels,
		log:     log.With("component", "detect-worker"),
	}, nil
}

// Detect sends f to the worker and waits for its answer.
func (w *WorkerEngine) Detect(ctx context.Context, f Frame) ([]Detection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return nil, w.broken
	}

	type result struct {
		resp workerResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := w.exchange(f)
		ch <- result{resp, err}
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			w.broken = res.err
			return nil, res.err
		}
		if res.resp.Error != "" {
			return nil, fmt.Errorf("detect worker: %s", res.resp.Error)
		}
		return w.convert(res.resp.Detections), nil
	case <-timer.C:
		w.broken = ErrWorkerTimeout
	case <-ctx.Done():
		w.broken = ctx.Err()
	}
	// The exchange goroutine is stuck on the pipes; killing the worker
	// releases it.
	go w.p.Stop(time.Second)
	return nil, w.broken
}

func (w *WorkerEngine) exchange(f Frame) (workerResponse, error) {
	var resp workerResponse
	payload, err := msgpack.Marshal(workerRequest{
		Seq:    f.Seq,
		Width:  f.Width,
		Height: f.Height,
		Format: "rgb24",
		Frame:  f.Data,
	})
	if err != nil {
		return resp, fmt.Errorf("encode request: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.stdin.Write(prefix[:]); err != nil {
		return resp, fmt.Errorf("write request: %w", err)
	}
	if _, err := w.stdin.Write(payload); err != nil {
		return resp, fmt.Errorf("write request: %w", err)
	}

	if _, err := io.ReadFull(w.stdout, prefix[:]); err != nil {
		return resp, fmt.Errorf("read response: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessage {
		return resp, fmt.Errorf("response of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(w.stdout, body); err != nil {
		return resp, fmt.Errorf("read response: %w", err)
	}
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("decode response: %w", err)
	}
	if resp.Seq != f.Seq {
		return resp, fmt.Errorf("response for frame %d, want %d", resp.Seq, f.Seq)
	}
	return resp, nil
}

func (w *WorkerEngine) convert(in []wireDetection) []Detection {
	out := make([]Detection, 0, len(in))
	for _, d := range in {
		label := d.Label
		if label == "" {
			label = w.labels[d.ClassID]
		}
		out = append(out, Detection{
			ClassID: d.ClassID,
			Label:   label,
			Score:   d.Score,
			Box:     image.Rect(d.Box[0], d.Box[1], d.Box[2], d.Box[3]),
		})
	}
	return out
}

// Close ends the worker's input and stops it.
func (w *WorkerEngine) Close() error {
	w.stdin.Close()
	return w.p.Stop(2 * time.Second)
}
