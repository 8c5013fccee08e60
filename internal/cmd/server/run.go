// Package serverrun bootstraps a single-node Fragtale server: it opens a
// Runtime, builds the process logger, and serves the HTTP transport until
// signaled to stop, using a signal-aware context, ApplyConfig+RedirectStdLog
// logger bootstrap, a WaitGroup-coordinated server goroutine, and graceful
// shutdown before closing storage. Fragtale exposes only the HTTP surface.
package serverrun

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	cfgpkg "github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/internal/runtime"
	httpserver "github.com/mydriatech/fragtale/internal/server/http"
	logpkg "github.com/mydriatech/fragtale/pkg/log"
)

// getenv is an indirection over os.Getenv that tests can replace.
var getenv = func(key string) string { return os.Getenv(key) }

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// Options configures Run.
type Options struct {
	DataDir  string
	HTTPAddr string
	Config   cfgpkg.Config
}

// Run opens a Runtime, serves the HTTP transport, and blocks until ctx (or
// an OS interrupt/TERM signal) is canceled, then shuts down gracefully.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.Config.Backend.DataDir == "" {
		opts.Config.Backend.DataDir = filepath.Join(opts.DataDir, "store")
	}

	logCfg := &logpkg.Config{
		Level:  getenvDefault("FRAGTALE_LOG_LEVEL", opts.Config.Log.Level),
		Format: getenvDefault("FRAGTALE_LOG_FORMAT", opts.Config.Log.Format),
	}
	procLogger, err := logpkg.ApplyConfig(logCfg)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(logCfg.Level); e == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("starting fragtale server",
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("data_dir", opts.Config.Backend.DataDir),
		logpkg.Str("backend", opts.Config.Backend.Implementation),
		logpkg.Str("level", logCfg.Level),
		logpkg.Str("format", logCfg.Format),
	)

	rt, err := runtime.Open(sctx, runtime.Options{Config: opts.Config, Logger: procLogger})
	if err != nil {
		return err
	}
	defer rt.Close()

	hsrv := httpserver.New(rt, procLogger.With(logpkg.Component("http")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, opts.HTTPAddr); err != nil && sctx.Err() == nil {
			log.Printf("http error: %v", err)
		}
	}()

	<-sctx.Done()
	hsrv.Close()
	wg.Wait()
	return nil
}
