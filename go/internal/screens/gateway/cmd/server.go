package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/screensync/go/internal/screens/config"
	"github.com/mcdev12/screensync/go/internal/screens/gateway"
)

func setupServer(ctx context.Context, cfg config.HTTPConfig, service *gateway.Service, health *gateway.HealthChecker) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	service.RegisterRoutes(ctx, mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	setupHealthCheck(mux, service, health)

	handler := c.Handler(mux)

	// no WriteTimeout: websocket connections are long lived
	return &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func setupHealthCheck(mux *http.ServeMux, service *gateway.Service, health *gateway.HealthChecker) {
	mux.Handle("GET /health", health)

	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(service.GetStats())
	})
}
