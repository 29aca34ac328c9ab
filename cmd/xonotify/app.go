package main

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xostack/xonotify"
	"github.com/xostack/xonotify/cache"
	"github.com/xostack/xonotify/config"
	"github.com/xostack/xonotify/dispatch"
	"github.com/xostack/xonotify/logging"
	"github.com/xostack/xonotify/metrics"
	"github.com/xostack/xonotify/notify"
	"github.com/xostack/xonotify/schedule"
	"github.com/xostack/xonotify/store"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	cache    *cache.Cache
	limiter  *schedule.Limiter
	gen      *xonotify.Generator
	disp     *dispatch.Dispatcher
}

// newApp loads configuration from cfgPath and opens storage. Logs go to
// logOut so command output on stdout stays machine readable.
func newApp(cfgPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	log, err := logging.NewWithWriter(cfg.LogLevel, logOut)
	if err != nil {
		return nil, err
	}

	db, err := store.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		registry: reg,
		metrics:  m,
		cache:    cache.New(store.NewSQLite(db, store.NamespaceCache), cache.WithLogger(log)),
		limiter:  schedule.New(store.NewSQLite(db, store.NamespaceSchedule), schedule.WithLogger(log)),
	}
	return a, nil
}

// generator binds the configured provider on first use.
func (a *app) generator() (*xonotify.Generator, error) {
	if a.gen != nil {
		return a.gen, nil
	}
	g := xonotify.NewGenerator(xonotify.WithLogger(a.log), xonotify.WithMetrics(a.metrics))
	if err := g.Init(a.cfg.Settings()); err != nil {
		return nil, err
	}
	a.gen = g
	return g, nil
}

// dispatcher builds the send pipeline, dialing the broker when one is
// configured.
func (a *app) dispatcher() (*dispatch.Dispatcher, error) {
	if a.disp != nil {
		return a.disp, nil
	}
	g, err := a.generator()
	if err != nil {
		return nil, err
	}

	var sink notify.Sink = notify.NewLogSink(a.log)
	if n := a.cfg.Notify; n.AMQPURL != "" {
		s, err := notify.DialAMQP(n.AMQPURL, n.Exchange, n.RoutingKey, a.log)
		if err != nil {
			return nil, err
		}
		sink = s
	}

	a.disp = dispatch.New(g, a.cache, a.limiter,
		dispatch.WithSink(sink),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithLogger(a.log),
	)
	return a.disp, nil
}

func (a *app) Close() {
	if a.disp != nil {
		if err := a.disp.Close(); err != nil {
			a.log.Warn("closing notification sink", zap.Error(err))
		}
	}
	if a.gen != nil {
		_ = a.gen.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.log.Sync()
}
