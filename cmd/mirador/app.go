package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/mirador/internal/api"
	"github.com/zsiec/mirador/internal/camera"
	"github.com/zsiec/mirador/internal/config"
	"github.com/zsiec/mirador/internal/detect"
	"github.com/zsiec/mirador/internal/events"
	"github.com/zsiec/mirador/internal/housekeep"
	"github.com/zsiec/mirador/internal/overlay"
	"github.com/zsiec/mirador/internal/session"
	"github.com/zsiec/mirador/internal/storage"
)

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	cameras *camera.Static
	store   storage.Store
	hub     *events.Hub
	mqtt    *events.MQTT
	events  events.Publisher

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     slog.Default(),
		cameras: camera.NewStatic(cfg.Cameras),
		hub:     events.NewHub(0),
	}

	if cfg.Database.DSN != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { pg.Close() })
		a.store = pg
		a.log.Info("segment store: postgres")
	} else {
		a.store = storage.NewMemStore()
		a.log.Warn("no database configured, segment records are kept in memory")
	}

	pubs := events.Multi{a.hub}
	if cfg.MQTT.Broker != "" {
		a.mqtt = events.NewMQTT(events.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, a.log)
		// The client keeps retrying in the background; events published
		// before it connects are dropped.
		if err := a.mqtt.Connect(ctx); err != nil {
			a.log.Warn("mqtt broker unavailable", "error", err)
		}
		a.closers = append(a.closers, a.mqtt.Close)
		pubs = append(pubs, a.mqtt)
	}
	a.events = pubs
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) sessionDeps() session.Deps {
	det := a.cfg.Detection
	deps := session.Deps{
		Store:  a.store,
		Events: a.events,
		Drawer: overlay.NewBoxDrawer(),
		NewPreview: func() session.Preview {
			return overlay.NewPreview(det.PreviewEvery, a.log)
		},
		Log: a.log,
	}
	if len(det.Worker) > 0 {
		deps.NewEngine = func(context.Context) (detect.Engine, error) {
			w, err := detect.StartWorker(det.Worker, det.Timeout, det.Labels, a.log)
			if err != nil {
				return nil, err
			}
			return w, nil
		}
	}
	return deps
}

func (a *app) housekeeper() *housekeep.Housekeeper {
	hk := housekeep.New(a.cfg.Storage, a.store, a.cameras, housekeep.FFprobe(a.cfg.Transcoder.FFprobe), a.log)
	hk.OnEvict = func(seg storage.Segment) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.events.Publish(ctx, events.New(events.SegmentEvicted, seg.CameraID, seg)); err != nil {
			a.log.Debug("publish eviction event", "error", err)
		}
	}
	return hk
}

func (a *app) apiServer(mgr *session.Manager, hk *housekeep.Housekeeper) (*api.Server, error) {
	cert, err := generateCert()
	if err != nil {
		return nil, err
	}
	cfg := api.ServerConfig{
		Addr:         a.cfg.API.Addr,
		H3Addr:       a.cfg.API.H3Addr,
		Cert:         cert,
		Root:         a.cfg.Storage.Root,
		OnlineWindow: a.cfg.API.OnlineWindow,
		Cameras:      a.cameras,
		Store:        a.store,
		Sessions:     sessionLookup(mgr),
		Hub:          a.hub,
		Log:          a.log,
	}
	if hk != nil {
		cfg.Housekeep = hk.RunOnce
	}
	if a.mqtt != nil {
		cfg.MQTT = a.mqtt.Connected
	}
	srv, err := api.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("create api server: %w", err)
	}
	return srv, nil
}
