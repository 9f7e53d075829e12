package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/mirador/internal/camera"
	"github.com/zsiec/mirador/internal/certs"
	"github.com/zsiec/mirador/internal/config"
	"github.com/zsiec/mirador/internal/detect"
	"github.com/zsiec/mirador/internal/events"
	"github.com/zsiec/mirador/internal/housekeep"
	"github.com/zsiec/mirador/internal/session"
	"github.com/zsiec/mirador/internal/storage"
)

type fakePreview struct{ jpeg []byte }

func (p *fakePreview) Publish(detect.Frame) {}
func (p *fakePreview) Snapshot() []byte    { return p.jpeg }
func (p *fakePreview) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary=frame")
}

type fakeSession struct {
	status  session.Status
	preview session.Preview
}

func (f *fakeSession) Status() session.Status   { return f.status }
func (f *fakeSession) Preview() session.Preview { return f.preview }

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv   *Server
	root  string
	store *storage.MemStore
	hub   *events.Hub
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *testEnv {
	t.Helper()
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	env := &testEnv{
		root:  t.TempDir(),
		store: storage.NewMemStore(),
		hub:   events.NewHub(8),
	}
	sessions := map[int64]SessionView{
		1: &fakeSession{
			status:  session.Status{CameraID: 1, Name: "yard", StartedAt: t0},
			preview: &fakePreview{jpeg: []byte{0xFF, 0xD8, 0xFF}},
		},
		2: &fakeSession{status: session.Status{CameraID: 2, StartedAt: t0}},
	}
	cfg := ServerConfig{
		Addr:   ":0",
		H3Addr: ":4445",
		Cert:   cert,
		Root:   env.root,
		Cameras: camera.NewStatic([]camera.Camera{
			{ID: 1, Name: "yard", Enabled: true, Stream: config.Stream{Protocol: "rtsp"}},
			{ID: 2, Name: "door", Enabled: true, Priority: 2},
			{ID: 3, Name: "attic", Enabled: true},
		}),
		Store: env.store,
		Sessions: func(id int64) (SessionView, bool) {
			s, ok := sessions[id]
			return s, ok
		},
		Hub: env.hub,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	env.srv = srv
	return env
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func writePlaylist(t *testing.T, root string, id string, mtime time.Time) {
	t.Helper()
	dir := filepath.Join(root, storage.LiveDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, session.LivePlaylist)
	if err := os.WriteFile(path, []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	base := ServerConfig{Addr: ":0", Cert: cert, Cameras: camera.NewStatic(nil), Store: storage.NewMemStore()}
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"no cert", func(c *ServerConfig) { c.Cert = nil }},
		{"no addr", func(c *ServerConfig) { c.Addr = "" }},
		{"no cameras", func(c *ServerConfig) { c.Cameras = nil }},
		{"no store", func(c *ServerConfig) { c.Store = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			if _, err := NewServer(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := NewServer(base); err != nil {
		t.Errorf("NewServer(valid) = %v", err)
	}
}

func TestHandleListCameras(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	writePlaylist(t, env.root, "1", time.Now())
	writePlaylist(t, env.root, "2", time.Now().Add(-time.Hour))

	rec := env.get(t, "/api/cameras")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q", got)
	}
	var cams []CameraInfo
	if err := json.NewDecoder(rec.Body).Decode(&cams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cams) != 3 {
		t.Fatalf("got %d cameras, want 3", len(cams))
	}

	yard, door, attic := cams[0], cams[1], cams[2]
	if !yard.Online || yard.LiveURL != "/stream/1/out.m3u8" || !yard.Recording || yard.Session == nil {
		t.Errorf("yard = %+v, want online and recording", yard)
	}
	if door.Online || door.LiveURL != "" || door.Priority != 2 {
		t.Errorf("door = %+v, want offline with priority 2", door)
	}
	if attic.Online || attic.Recording || attic.Session != nil {
		t.Errorf("attic = %+v, want idle", attic)
	}
}

func TestOnlineIsCached(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	if env.srv.Online(1) {
		t.Fatal("online before any playlist")
	}
	writePlaylist(t, env.root, "1", time.Now())
	if env.srv.Online(1) {
		t.Error("cached answer not used")
	}
	env.srv.online.Flush()
	if !env.srv.Online(1) {
		t.Error("offline after cache flush")
	}
}

func TestHandleCamera(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	tests := []struct {
		path string
		code int
	}{
		{"/api/cameras/2", http.StatusOK},
		{"/api/cameras/9", http.StatusNotFound},
		{"/api/cameras/abc", http.StatusBadRequest},
	}
	for _, tc := range tests {
		if rec := env.get(t, tc.path); rec.Code != tc.code {
			t.Errorf("GET %s = %d, want %d", tc.path, rec.Code, tc.code)
		}
	}
}

func TestHandleSegments(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	ctx := context.Background()
	for i := range 4 {
		start := t0.Add(time.Duration(i) * 15 * time.Minute)
		env.store.Create(ctx, storage.Segment{CameraID: 1, Start: start, End: start.Add(15 * time.Minute), Path: "record/1/x"})
	}
	env.store.Create(ctx, storage.Segment{CameraID: 2, Start: t0, End: t0.Add(time.Minute)})

	tests := []struct {
		name  string
		query string
		code  int
		want  int
	}{
		{"all", "", http.StatusOK, 4},
		{"from", "?from=2024-06-01T12:20:00Z", http.StatusOK, 3},
		{"window", "?from=2024-06-01T12:15:00Z&to=2024-06-01T12:30:00Z", http.StatusOK, 1},
		{"bad time", "?to=yesterday", http.StatusBadRequest, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.get(t, "/api/cameras/1/segments"+tc.query)
			if rec.Code != tc.code {
				t.Fatalf("status = %d, want %d", rec.Code, tc.code)
			}
			if tc.code != http.StatusOK {
				return
			}
			var segs []storage.Segment
			if err := json.NewDecoder(rec.Body).Decode(&segs); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(segs) != tc.want {
				t.Errorf("got %d segments, want %d", len(segs), tc.want)
			}
		})
	}
}

func TestHandleSnapshotAndPreview(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)

	rec := env.get(t, "/api/cameras/1/snapshot")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("snapshot = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec.Body.Len() != 3 {
		t.Errorf("snapshot body = %d bytes, want 3", rec.Body.Len())
	}

	rec = env.get(t, "/api/cameras/1/preview")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("preview content type = %q", ct)
	}

	// Camera 2 records without decoding; camera 3 has no session.
	for _, path := range []string{"/api/cameras/2/snapshot", "/api/cameras/3/preview"} {
		if rec := env.get(t, path); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	up := true
	env := newTestServer(t, func(c *ServerConfig) { c.MQTT = func() bool { return up } })

	rec := env.get(t, "/healthz")
	var h HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Cameras != 3 || h.Recording != 2 {
		t.Errorf("health = %+v, want 3 cameras, 2 recording", h)
	}
	if h.Status != "degraded" {
		t.Errorf("status = %q, want degraded with an idle camera", h.Status)
	}
	if h.MQTTConnected == nil || !*h.MQTTConnected {
		t.Errorf("mqttConnected = %v, want true", h.MQTTConnected)
	}
}

func TestHandleCertHash(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	rec := env.get(t, "/api/cert-hash")
	var resp certHashResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != env.srv.config.Cert.FingerprintBase64() || resp.Addr != ":4445" {
		t.Errorf("cert-hash = %+v", resp)
	}
}

func TestServesLiveAndRecordFiles(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	writePlaylist(t, env.root, "1", time.Now())
	rec := env.get(t, "/stream/1/out.m3u8")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "#EXTM3U") {
		t.Fatalf("playlist = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-cache" {
		t.Errorf("playlist Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}

	path := storage.RecordPath(env.root, 1, t0)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("mp4"), 0o644); err != nil {
		t.Fatal(err)
	}
	rel, _ := storage.RelPath(env.root, path)
	if rec := env.get(t, "/"+rel); rec.Code != http.StatusOK || rec.Body.String() != "mp4" {
		t.Errorf("recording = %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandleHousekeep(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/housekeep", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("without housekeeper = %d, want 501", rec.Code)
	}

	env = newTestServer(t, func(c *ServerConfig) {
		c.Housekeep = func(context.Context) (housekeep.Report, error) {
			return housekeep.Report{Deficit: 42}, nil
		}
	})
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/housekeep", nil))
	var r housekeep.Report
	if err := json.NewDecoder(rec.Body).Decode(&r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Deficit != 42 {
		t.Errorf("report = %+v", r)
	}

	env = newTestServer(t, func(c *ServerConfig) {
		c.Housekeep = func(context.Context) (housekeep.Report, error) {
			return housekeep.Report{}, errors.New("statfs: no such file")
		}
	})
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/housekeep", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("failing housekeeper = %d, want 500", rec.Code)
	}
}

func TestEventFeed(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := events.New(events.SegmentCreated, 1, map[string]string{"path": "record/1/VID_20240601_120000.mp4"})
	env.hub.Publish(context.Background(), want)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != want.ID || got.Type != events.SegmentCreated || got.CameraID != 1 {
		t.Errorf("event = %+v, want %+v", got, want)
	}

	conn.Close()
	deadline = time.Now().Add(5 * time.Second)
	for env.hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, func(c *ServerConfig) {
		c.Addr = "127.0.0.1:0"
		c.H3Addr = "127.0.0.1:0"
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start = %v, want nil after cancel", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
