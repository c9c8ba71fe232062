// Copyright 2026 The Proxycap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proxycap/proxycap/api"
	"github.com/proxycap/proxycap/config"
	"github.com/proxycap/proxycap/health"
	"github.com/proxycap/proxycap/logging"
	"github.com/proxycap/proxycap/proxy"
	"github.com/proxycap/proxycap/query"
	"github.com/proxycap/proxycap/store"
)

// version is stamped by the build.
var version = "dev"

var flags struct {
	httpPort  int
	httpsPort int
	apiPort   int

	noWebSockets bool
	noHTTPS      bool
	certPath     string
	keyPath      string
	ignoreTLS    bool

	noCaptureHeaders bool
	noCaptureBody    bool
	noCaptureWS      bool
	maxBodySize      int64

	dbPath        string
	maxEntries    int
	retentionDays int
	noFTS         bool

	noAutoStart bool
	debug       bool
}

var rootCmd = &cobra.Command{
	Use:           "proxycap",
	Short:         "Intercepting HTTP/HTTPS/WebSocket proxy with searchable capture",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()

	f.IntVar(&flags.httpPort, "http-port", config.DefaultHTTPPort, "plaintext proxy listener port")
	f.IntVar(&flags.httpsPort, "https-port", 0, "TLS interception listener port (0 disables the extra listener)")
	f.IntVar(&flags.apiPort, "api-port", 8081, "tool API listener port")

	f.BoolVar(&flags.noWebSockets, "no-websockets", false, "disable WebSocket tunneling and capture")
	f.BoolVar(&flags.noHTTPS, "no-https", false, "disable TLS man-in-the-middle interception")
	f.StringVar(&flags.certPath, "cert-path", config.DefaultCertPath, "CA certificate PEM path")
	f.StringVar(&flags.keyPath, "key-path", config.DefaultKeyPath, "CA private key PEM path")
	f.BoolVar(&flags.ignoreTLS, "ignore-host-https-errors", false, "skip upstream TLS certificate validation")

	f.BoolVar(&flags.noCaptureHeaders, "no-capture-headers", false, "do not record headers")
	f.BoolVar(&flags.noCaptureBody, "no-capture-body", false, "do not record bodies")
	f.BoolVar(&flags.noCaptureWS, "no-capture-websocket-messages", false, "do not record WebSocket frames")
	f.Int64Var(&flags.maxBodySize, "max-body-size", config.DefaultMaxBodySize, "max captured body bytes before truncation")

	f.StringVar(&flags.dbPath, "db-path", config.DefaultDBPath, "SQLite database path")
	f.IntVar(&flags.maxEntries, "max-entries", config.DefaultMaxEntries, "advisory cap on stored transactions")
	f.IntVar(&flags.retentionDays, "retention-days", config.DefaultRetentionDays, "age limit for the scheduled cleanup")
	f.BoolVar(&flags.noFTS, "no-fts", false, "disable the full-text index")

	f.BoolVar(&flags.noAutoStart, "no-auto-start", false, "do not start the proxy engine at boot")
	f.BoolVar(&flags.debug, "debug", false, "verbose logging")
}

func buildConfig() config.Config {
	cfg := config.Default()
	cfg.Proxy.HTTPPort = flags.httpPort
	cfg.Proxy.HTTPSPort = flags.httpsPort
	cfg.Proxy.EnableWebSockets = !flags.noWebSockets
	cfg.Proxy.EnableHTTPS = !flags.noHTTPS
	cfg.Proxy.CertPath = flags.certPath
	cfg.Proxy.KeyPath = flags.keyPath
	cfg.Proxy.IgnoreHostHTTPSErrors = flags.ignoreTLS
	cfg.Capture.CaptureHeaders = !flags.noCaptureHeaders
	cfg.Capture.CaptureBody = !flags.noCaptureBody
	cfg.Capture.CaptureWebSocketMessages = !flags.noCaptureWS
	cfg.Capture.MaxBodySize = flags.maxBodySize
	cfg.Storage.DBPath = flags.dbPath
	cfg.Storage.MaxEntries = flags.maxEntries
	cfg.Storage.RetentionDays = flags.retentionDays
	cfg.Storage.EnableFTS = !flags.noFTS
	return cfg
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.New(flags.debug)
	defer logger.Sync()

	cfg := buildConfig()
	warnings, err := config.Validate(cfg)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	// Surface occupied ports before any component binds; a half-started
	// process with a dangling store handle is worse than a clean refusal.
	ports := []int{flags.apiPort}
	if !flags.noAutoStart {
		ports = append(ports, cfg.Proxy.HTTPPort)
		if cfg.Proxy.EnableHTTPS && cfg.Proxy.HTTPSPort != 0 {
			ports = append(ports, cfg.Proxy.HTTPSPort)
		}
	}
	for _, port := range ports {
		free, perr := config.PortAvailable(port)
		if perr != nil {
			logger.Warn("port availability check failed", zap.Int("port", port), zap.Error(perr))
			continue
		}
		if !free {
			err := fmt.Errorf("%w: port %d is already in use", config.ErrInvalidConfig, port)
			logger.Error("invalid configuration", zap.Error(err))
			return err
		}
	}

	st, err := store.Open(store.Options{
		Path:      cfg.Storage.DBPath,
		EnableFTS: cfg.Storage.EnableFTS,
		Logger:    logger.Named("store"),
	})
	if err != nil {
		logger.Error("opening traffic store", zap.Error(err))
		return err
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := proxy.New(proxy.Options{
		Config:   cfg,
		Recorder: st,
		Logger:   logger.Named("proxy"),
		Metrics:  proxy.NewMetrics(registry),
	})

	supervisor, err := health.New(health.Options{
		Engine: engine,
		Logger: logger.Named("health"),
		OnChange: func(healthy bool) {
			if healthy {
				logger.Info("proxy recovered")
			} else {
				logger.Warn("proxy became unhealthy")
			}
		},
	})
	if err != nil {
		return err
	}

	if !flags.noAutoStart {
		if err := engine.Start(cmd.Context()); err != nil {
			logger.Error("starting proxy engine", zap.Error(err))
			return err
		}
		supervisor.Start()
		defer supervisor.Stop()
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sweeper := store.NewSweeper(st, cfg.Storage.RetentionDays, cfg.Storage.MaxEntries, 0, logger.Named("retention"))
	go sweeper.Run(sweepCtx)

	tools := api.NewTools(engine, supervisor, st,
		query.New(st, logger.Named("query")),
		cfg.Storage.RetentionDays, logger.Named("api"))
	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", flags.apiPort),
		Handler: api.Router(tools, registry, logger.Named("api")),
	}
	apiErr := make(chan error, 1)
	go func() {
		logger.Info("tool API listening", zap.Int("port", flags.apiPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case err := <-apiErr:
		logger.Error("tool API failed", zap.Error(err))
		return err
	}

	// Supervisor first, so it cannot fight the deliberate engine stop.
	if !flags.noAutoStart {
		supervisor.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Stop(shutdownCtx); err != nil && !errors.Is(err, proxy.ErrNotRunning) {
		logger.Warn("engine stop", zap.Error(err))
	}
	apiServer.Shutdown(shutdownCtx)
	return nil
}
