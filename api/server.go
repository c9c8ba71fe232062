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

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router serves the tool surface:
//
//	POST /tools/{name}  tool dispatch, JSON arguments in the body
//	GET  /tools         operation discovery
//	GET  /ca.pem        CA certificate download
//	GET  /metrics       Prometheus exposition
//	GET  /healthz       liveness
func Router(tools *Tools, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/tools/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		args, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			http.Error(w, "reading arguments", http.StatusBadRequest)
			return
		}

		start := time.Now()
		result, err := tools.Call(req.Context(), name, json.RawMessage(args))
		if err != nil {
			if errors.Is(err, ErrUnknownTool) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.Debug("tool call",
			zap.String("tool", name),
			zap.Bool("success", result.Success),
			zap.Duration("elapsed", time.Since(start)))
		writeJSON(w, http.StatusOK, result)
	})

	r.Get("/tools", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tools": Names()})
	})

	r.Get("/ca.pem", func(w http.ResponseWriter, req *http.Request) {
		pem := tools.engine.CACertificatePEM()
		if len(pem) == 0 {
			http.Error(w, "HTTPS interception is disabled", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Write(pem)
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		storageOK := tools.store.Ping() == nil
		if !storageOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"storageOk": storageOK,
			"health":    tools.health.Report(),
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
