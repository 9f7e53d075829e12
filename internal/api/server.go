// Package api serves the recorder's status surface: camera status and
// liveness, recorded segments, live-view playlists, MJPEG detection
// previews and a websocket event feed. The same routes are served over
// HTTPS and HTTP/3.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/mirador/internal/camera"
	"github.com/zsiec/mirador/internal/certs"
	"github.com/zsiec/mirador/internal/events"
	"github.com/zsiec/mirador/internal/housekeep"
	"github.com/zsiec/mirador/internal/session"
	"github.com/zsiec/mirador/internal/storage"
)

// SessionView is the part of a recording session the API reads.
type SessionView interface {
	Status() session.Status
	Preview() session.Preview
}

// SessionLookup resolves a camera id to its active session.
type SessionLookup func(cameraID int64) (SessionView, bool)

// HousekeepFunc runs one housekeeping pass on demand.
type HousekeepFunc func(ctx context.Context) (housekeep.Report, error)

// ServerConfig holds the configuration for the API Server.
type ServerConfig struct {
	Addr   string // HTTPS
	H3Addr string // HTTP/3; empty disables it
	Cert   *certs.CertInfo

	Root         string // storage root
	OnlineWindow time.Duration

	Cameras   camera.Source
	Store     storage.Store
	Sessions  SessionLookup
	Hub       *events.Hub
	Housekeep HousekeepFunc
	MQTT      func() bool // reports broker connectivity; nil when MQTT is off

	Log *slog.Logger
}

// Server is the HTTPS and HTTP/3 status server.
type Server struct {
	config  ServerConfig
	log     *slog.Logger
	started time.Time
	online  *cache.Cache
	handler http.Handler
}

// onlineTTL bounds how stale a cached liveness answer can be.
const onlineTTL = 2 * time.Second

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	if config.Cameras == nil || config.Store == nil {
		return nil, errors.New("api: Cameras and Store are required")
	}
	if config.OnlineWindow <= 0 {
		config.OnlineWindow = 30 * time.Second
	}
	if config.Sessions == nil {
		config.Sessions = func(int64) (SessionView, bool) { return nil, false }
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}
	s := &Server{
		config:  config,
		log:     config.Log.With("component", "api"),
		started: time.Now(),
		online:  cache.New(onlineTTL, time.Minute),
	}
	s.handler = corsMiddleware(s.routes())
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/cameras", s.handleListCameras)
	mux.HandleFunc("GET /api/cameras/{id}", s.handleCamera)
	mux.HandleFunc("GET /api/cameras/{id}/segments", s.handleSegments)
	mux.HandleFunc("GET /api/cameras/{id}/preview", s.handlePreview)
	mux.HandleFunc("GET /api/cameras/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("POST /api/housekeep", s.handleHousekeep)

	files := http.FileServer(http.Dir(s.config.Root))
	mux.Handle("GET /"+storage.LiveDir+"/", noCache(files))
	mux.Handle("GET /"+storage.RecordDir+"/", files)
	return mux
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler { return s.handler }

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// noCache keeps players from holding on to a rolling playlist.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves HTTPS, and HTTP/3 when configured, until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig := s.config.Cert.TLSConfig()

	httpsSrv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	var h3Srv *http3.Server
	if s.config.H3Addr != "" {
		h3Srv = &http3.Server{
			Addr:      s.config.H3Addr,
			Handler:   s.handler,
			TLSConfig: http3.ConfigureTLSConfig(tlsConfig.Clone()),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpsSrv.Shutdown(shutdownCtx)
		if h3Srv != nil {
			h3Srv.Close()
		}
	})
	defer stop()

	errc := make(chan error, 2)
	go func() {
		s.log.Info("HTTPS API server listening", "addr", s.config.Addr)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("https: %w", err)
			return
		}
		errc <- nil
	}()
	n := 1
	if h3Srv != nil {
		n++
		go func() {
			s.log.Info("HTTP/3 API server listening", "addr", s.config.H3Addr)
			err := h3Srv.ListenAndServe()
			if ctx.Err() != nil {
				err = nil
			}
			errc <- err
		}()
	}

	var first error
	for range n {
		if err := <-errc; err != nil && first == nil {
			first = err
			// One listener failing takes the other down with it.
			httpsSrv.Close()
			if h3Srv != nil {
				h3Srv.Close()
			}
		}
	}
	return first
}
