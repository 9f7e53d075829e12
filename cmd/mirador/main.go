// Command mirador records IP cameras to disk, keeps a live HLS view of each,
// optionally runs object detection on decoded frames, and evicts old
// recordings when storage runs low.
//
// Usage:
//
//	mirador run                  record every enabled camera, housekeep and serve the API
//	mirador record -camera N     record one camera once; the exit code tells a supervisor what to do
//	mirador housekeep [-oneshot] reconcile records and free space
//	mirador serve                serve the API over existing recordings
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mirador/internal/api"
	"github.com/zsiec/mirador/internal/certs"
	"github.com/zsiec/mirador/internal/config"
	"github.com/zsiec/mirador/internal/session"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		usage()
		os.Exit(session.ExitFailed)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var code int
	switch cmd {
	case "run":
		code = exitOn(runAll(ctx, args))
	case "record":
		code = recordOne(ctx, args)
	case "housekeep":
		code = exitOn(runHousekeep(ctx, args))
	case "serve":
		code = exitOn(serve(ctx, args))
	case "version":
		fmt.Println(version)
	default:
		usage()
		code = session.ExitFailed
	}
	stop()
	os.Exit(code)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  mirador run
  mirador record -camera N
  mirador housekeep [-oneshot]
  mirador serve
  mirador version

Environment:
  MIRADOR_CONFIG  configuration file (default /etc/mirador/mirador.yaml)
  DEBUG           enable debug logging
`)
}

func exitOn(err error) int {
	if err != nil {
		slog.Error("mirador failed", "error", err)
		return session.ExitFailed
	}
	return session.ExitStopped
}

func loadConfig() (*config.Config, error) {
	path := envOr("MIRADOR_CONFIG", "/etc/mirador/mirador.yaml")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	slog.Info("configuration loaded", "path", path, "cameras", len(cfg.Cameras), "root", cfg.Storage.Root)
	return cfg, nil
}

// runAll records every enabled camera under a restarting supervisor while
// the housekeeper and the API run alongside.
func runAll(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	noAPI := fs.Bool("no-api", false, "do not serve the status API")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	slog.Info("mirador starting", "version", version, "cameras", len(cfg.Cameras), "api", cfg.API.Addr)

	sup := session.NewSupervisor(*cfg, a.sessionDeps(), nil)
	hk := a.housekeeper()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(ctx, cfg.Cameras)
	})
	g.Go(func() error {
		return hk.Run(ctx)
	})
	if !*noAPI {
		srv, err := a.apiServer(sup.Manager(), hk)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}
	return g.Wait()
}

// recordOne runs a single session for one camera. Its exit code is 0 after
// an operator stop, 2 when the run ended in a way that warrants a restart
// and 1 when it could not start.
func recordOne(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	id := fs.Int64("camera", 0, "camera id")
	fs.Parse(args)
	if *id == 0 {
		fmt.Fprintln(os.Stderr, "record: -camera is required")
		return session.ExitFailed
	}

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("mirador failed", "error", err)
		return session.ExitFailed
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("mirador failed", "error", err)
		return session.ExitFailed
	}
	defer a.close()

	cam, err := a.cameras.Get(ctx, *id)
	if err != nil {
		slog.Error("unknown camera", "camera", *id, "error", err)
		return session.ExitFailed
	}
	outcome, err := session.New(cam, *cfg, a.sessionDeps()).Run(ctx)
	if err != nil {
		slog.Error("recording ended", "camera", cam.ID, "outcome", outcome, "error", err)
	}
	return session.ExitCode(outcome)
}

func runHousekeep(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("housekeep", flag.ExitOnError)
	oneshot := fs.Bool("oneshot", false, "run once and exit")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	hk := a.housekeeper()
	if !*oneshot {
		return hk.Run(ctx)
	}
	r, err := hk.RunOnce(ctx)
	if err != nil {
		return err
	}
	slog.Info("housekeeping done",
		"removed", r.Reconcile.Removed, "added", r.Reconcile.Added, "skipped", len(r.Reconcile.Skipped),
		"deleted", r.Evict.Deleted, "freed", r.Evict.Freed)
	return nil
}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := a.apiServer(nil, a.housekeeper())
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

func generateCert() (*certs.CertInfo, error) {
	var hosts []string
	if h, err := os.Hostname(); err == nil {
		hosts = append(hosts, h)
	}
	cert, err := certs.Generate(certs.MaxValidity, hosts...)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

// sessionLookup adapts the session manager to the API. A nil manager has
// no sessions.
func sessionLookup(m *session.Manager) api.SessionLookup {
	return func(id int64) (api.SessionView, bool) {
		if m == nil {
			return nil, false
		}
		s, ok := m.Get(id)
		if !ok {
			return nil, false
		}
		return s, true
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
