package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/zsiec/mirador/internal/camera"
	"github.com/zsiec/mirador/internal/session"
	"github.com/zsiec/mirador/internal/storage"
)

// CameraInfo is the JSON summary of a configured camera.
type CameraInfo struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Enabled   bool            `json:"enabled"`
	Protocol  string          `json:"protocol"`
	Priority  float64         `json:"priority"`
	Online    bool            `json:"online"`
	Recording bool            `json:"recording"`
	LiveURL   string          `json:"liveUrl,omitempty"`
	Session   *session.Status `json:"session,omitempty"`
}

// HealthStatus is the JSON response for /healthz.
type HealthStatus struct {
	Status        string `json:"status"` // "healthy" or "degraded"
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Cameras       int    `json:"cameras"`
	Recording     int    `json:"recording"`
	MQTTConnected *bool  `json:"mqttConnected,omitempty"`
	Subscribers   int    `json:"subscribers"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

// Online reports whether the camera's live playlist was written within the
// online window. Answers are cached briefly so that polling dashboards do
// not stat the disk on every request.
func (s *Server) Online(cameraID int64) bool {
	key := strconv.FormatInt(cameraID, 10)
	if v, ok := s.online.Get(key); ok {
		return v.(bool)
	}
	playlist := filepath.Join(storage.CameraLiveDir(s.config.Root, cameraID), session.LivePlaylist)
	fi, err := os.Stat(playlist)
	online := err == nil && time.Since(fi.ModTime()) < s.config.OnlineWindow
	s.online.Set(key, online, cache.DefaultExpiration)
	return online
}

func (s *Server) cameraInfo(c camera.Camera) CameraInfo {
	info := CameraInfo{
		ID:       c.ID,
		Name:     c.Name,
		Enabled:  c.Enabled,
		Protocol: c.Stream.Protocol,
		Priority: camera.Weight(c),
		Online:   s.Online(c.ID),
	}
	if info.Online {
		info.LiveURL = "/" + storage.LiveDir + "/" + strconv.FormatInt(c.ID, 10) + "/" + session.LivePlaylist
	}
	if sess, ok := s.config.Sessions(c.ID); ok {
		st := sess.Status()
		info.Session = &st
		info.Recording = !st.StartedAt.IsZero()
	}
	return info
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.config.Cameras.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]CameraInfo, 0, len(cams))
	for _, c := range cams {
		resp = append(resp, s.cameraInfo(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookupCamera resolves the {id} path value, writing an error response and
// returning false when it does not name a configured camera.
func (s *Server) lookupCamera(w http.ResponseWriter, r *http.Request) (camera.Camera, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid camera id")
		return camera.Camera{}, false
	}
	c, err := s.config.Cameras.Get(r.Context(), id)
	if errors.Is(err, camera.ErrNotFound) {
		writeError(w, http.StatusNotFound, "camera not found")
		return camera.Camera{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return camera.Camera{}, false
	}
	return c, true
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCamera(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.cameraInfo(c))
}

// handleSegments lists a camera's recordings, optionally restricted to
// those overlapping [from, to) given as RFC 3339 query parameters.
func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCamera(w, r)
	if !ok {
		return
	}
	var from, to time.Time
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+name+": "+err.Error())
			return
		}
		*dst = t
	}

	segs, err := s.config.Store.ListCamera(r.Context(), c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]storage.Segment, 0, len(segs))
	for _, seg := range segs {
		if !from.IsZero() && !seg.End.After(from) {
			continue
		}
		if !to.IsZero() && !seg.Start.Before(to) {
			continue
		}
		resp = append(resp, seg)
	}
	writeJSON(w, http.StatusOK, resp)
}

// preview returns the camera's detection preview, writing 404 when the
// camera has no session that decodes frames.
func (s *Server) preview(w http.ResponseWriter, r *http.Request) (session.Preview, bool) {
	c, ok := s.lookupCamera(w, r)
	if !ok {
		return nil, false
	}
	sess, ok := s.config.Sessions(c.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "camera is not recording")
		return nil, false
	}
	p := sess.Preview()
	if p == nil {
		writeError(w, http.StatusNotFound, "camera has no detection preview")
		return nil, false
	}
	return p, true
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.preview(w, r); ok {
		p.ServeHTTP(w, r)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	p, ok := s.preview(w, r)
	if !ok {
		return
	}
	jpeg := p.Snapshot()
	if jpeg == nil {
		writeError(w, http.StatusServiceUnavailable, "no frame yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(jpeg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cams, err := s.config.Cameras.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	for _, c := range cams {
		if !c.Enabled {
			continue
		}
		h.Cameras++
		if _, ok := s.config.Sessions(c.ID); ok {
			h.Recording++
		}
	}
	if s.config.MQTT != nil {
		up := s.config.MQTT()
		h.MQTTConnected = &up
		if !up {
			h.Status = "degraded"
		}
	}
	if s.config.Hub != nil {
		h.Subscribers = s.config.Hub.Subscribers()
	}
	if h.Recording < h.Cameras {
		h.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	addr := s.config.H3Addr
	if addr == "" {
		addr = s.config.Addr
	}
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: addr,
	})
}

func (s *Server) handleHousekeep(w http.ResponseWriter, r *http.Request) {
	if s.config.Housekeep == nil {
		writeError(w, http.StatusNotImplemented, "housekeeping not available")
		return
	}
	report, err := s.config.Housekeep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
