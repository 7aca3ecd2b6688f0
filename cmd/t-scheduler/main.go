// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// t-scheduler runs the RL test-case scheduler as a standalone service:
// it accepts execution reports from the external fuzzer over the
// scheduler channel, publishes the correction factor, and exports the
// campaign artifacts for the analysis pipeline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/config"
	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/scheduler"
	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/schedrpc"
)

func main() {
	var (
		configPath string
		verbosity  int
	)
	cmd := &cobra.Command{
		Use:          "t-scheduler",
		Short:        "RL-driven test-case scheduler for a coverage-guided fuzzer",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, verbosity)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"JSON config file (env vars override, see TSCHED_*)")
	cmd.Flags().IntVarP(&verbosity, "verbosity", "v", 0, "log verbosity (0-2)")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, verbosity int) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbosity >= 2 {
		log.SetLevel(logrus.TraceLevel)
	} else if verbosity == 1 {
		log.SetLevel(logrus.DebugLevel)
	}
	logf := func(level int, msg string, args ...any) {
		switch {
		case level <= 0:
			log.Infof(msg, args...)
		case level == 1:
			log.Debugf(msg, args...)
		default:
			log.Tracef(msg, args...)
		}
	}

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		// The only startup-fatal condition: a misconfigured campaign
		// must not run at all.
		return fmt.Errorf("configuration error: %w", err)
	}

	sched, err := scheduler.New(cfg, logf)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var rpcServer *schedrpc.Server
	if cfg.Listen != "" {
		rpcServer, err = schedrpc.Listen(cfg.Listen, sched, logf)
		if err != nil {
			return err
		}
		log.Infof("scheduler channel listening on %v", rpcServer.Addr())
		g.Go(rpcServer.Serve)
	}

	var httpServer *http.Server
	if cfg.HTTP != "" {
		httpServer = newHTTPServer(cfg.HTTP, sched, log)
		log.Infof("dashboard listening on http://%v", cfg.HTTP)
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down, flushing scheduler state")
		if rpcServer != nil {
			rpcServer.Close()
		}
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}
		return sched.Close()
	})

	return g.Wait()
}

// newHTTPServer serves campaign introspection: prometheus metrics, the
// current scheduler state and a liveness probe.
func newHTTPServer(addr string, sched *scheduler.Scheduler, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	handle := func(pattern string, handler func(http.ResponseWriter, *http.Request)) {
		mux.Handle(pattern, handlers.CompressHandler(http.HandlerFunc(handler)))
	}
	handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}).ServeHTTP)
	handle("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sched.Snapshot()); err != nil {
			log.Debugf("state encode failed: %v", err)
		}
	})
	handle("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return &http.Server{
		Addr:    addr,
		Handler: handlers.LoggingHandler(log.WriterLevel(logrus.DebugLevel), mux),
	}
}
