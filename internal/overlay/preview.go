package overlay

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/hybridgroup/mjpeg"
	"gocv.io/x/gocv"

	"github.com/zsiec/mirador/internal/detect"
)

// Preview encodes every Nth frame as JPEG and fans it out as a multipart
// MJPEG stream. It also keeps the latest JPEG for snapshot requests.
type Preview struct {
	every  int
	stream *mjpeg.Stream
	log    *slog.Logger

	mu     sync.Mutex
	n      int
	latest []byte
}

// NewPreview returns a Preview publishing one frame in every.
func NewPreview(every int, log *slog.Logger) *Preview {
	if every < 1 {
		every = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Preview{
		every:  every,
		stream: mjpeg.NewStream(),
		log:    log.With("component", "preview"),
	}
}

// Publish implements detect.Previewer.
func (p *Preview) Publish(f detect.Frame) {
	p.mu.Lock()
	p.n++
	skip := p.n%p.every != 0
	p.mu.Unlock()
	if skip {
		return
	}

	rgb, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		p.log.Debug("wrap frame failed", "error", err)
		return
	}
	defer rgb.Close()
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)

	buf, err := gocv.IMEncode(".jpg", bgr)
	if err != nil {
		p.log.Debug("jpeg encode failed", "error", err)
		return
	}
	jpeg := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	p.mu.Lock()
	p.latest = jpeg
	p.mu.Unlock()
	p.stream.UpdateJPEG(jpeg)
}

// Snapshot returns the most recent JPEG, or nil before the first frame.
func (p *Preview) Snapshot() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// ServeHTTP streams multipart/x-mixed-replace JPEG frames to the client.
func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.stream.ServeHTTP(w, r)
}
