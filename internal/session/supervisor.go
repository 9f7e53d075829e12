package session

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mirador/internal/camera"
	"github.com/zsiec/mirador/internal/config"
)

// Supervisor keeps every enabled camera recording, starting a new session
// after each run that ends for any reason other than an operator stop.
type Supervisor struct {
	cfg     config.Config
	deps    Deps
	manager *Manager
	log     *slog.Logger

	// runOnce performs one recording run; replaced in tests.
	runOnce func(ctx context.Context, cam camera.Camera) (Outcome, error)
}

// NewSupervisor returns a Supervisor registering its sessions in manager.
func NewSupervisor(cfg config.Config, deps Deps, manager *Manager) *Supervisor {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if manager == nil {
		manager = NewManager(deps.Log)
	}
	s := &Supervisor{
		cfg:     cfg,
		deps:    deps,
		manager: manager,
		log:     deps.Log.With("component", "supervisor"),
	}
	s.runOnce = s.record
	return s
}

// Manager returns the registry of active sessions.
func (s *Supervisor) Manager() *Manager { return s.manager }

// Run supervises cams until ctx is cancelled. Disabled cameras are skipped.
func (s *Supervisor) Run(ctx context.Context, cams []camera.Camera) error {
	g, ctx := errgroup.WithContext(ctx)
	started := 0
	for _, cam := range cams {
		if !cam.Enabled {
			s.log.Info("camera disabled, not recording", "camera", cam.ID, "name", cam.Name)
			continue
		}
		started++
		g.Go(func() error {
			s.keepRecording(ctx, cam)
			return nil
		})
	}
	s.log.Info("supervising cameras", "count", started)
	return g.Wait()
}

func (s *Supervisor) keepRecording(ctx context.Context, cam camera.Camera) {
	delay := s.cfg.Recorder.RestartDelay
	for runs := 1; ; runs++ {
		outcome, err := s.runOnce(ctx, cam)
		if ctx.Err() != nil || !outcome.Restartable() {
			return
		}
		s.log.Warn("recording run ended, restarting",
			"camera", cam.ID, "outcome", outcome, "error", err, "runs", runs, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) record(ctx context.Context, cam camera.Camera) (Outcome, error) {
	sess := New(cam, s.cfg, s.deps)
	if !s.manager.Add(sess) {
		return Failed, nil
	}
	defer s.manager.Remove(sess)
	return sess.Run(ctx)
}
