package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vacantwatch/internal/cache"
	"vacantwatch/internal/cfg"
	"vacantwatch/internal/features"
	"vacantwatch/internal/geo"
	"vacantwatch/internal/metrics"
	"vacantwatch/internal/pipeline"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	backend := initializeCacheBackend(c)
	if backend != nil {
		defer backend.Close()
	}
	fc := cache.New(backend, m)

	var extractor pipeline.Extractor
	if c.ExtractorURL != "" {
		extractor = pipeline.NewRemoteExtractor(c.ExtractorURL, c.ExtractorTimeout, c.ExtractorRetries)
	} else {
		log.Warn().Msg("no extractor configured, predictions run on imputed defaults")
	}

	validator := features.NewValidator(features.DefaultSchema())
	orch := pipeline.NewOrchestrator(extractor, fc, validator, c.SearchRadiusMeters, m)

	predictor, err := pipeline.LoadPredictor(c.ModelsDir, orch, c.RiskThreshold, m)
	if err != nil {
		log.Fatal().Err(err).Str("models_dir", c.ModelsDir).Msg("model bundle load failed")
	}

	batch := pipeline.NewBatchProcessor(predictor, c.BatchWorkers, c.ItemTimeout, m)
	area := pipeline.NewAreaPredictor(batch, c.MaxGridCells)

	srv := startServer(c, predictor, batch, area)

	waitForShutdown(ctx, cancel, srv)
}

// initializeCacheBackend opens the configured cache backend. Cache
// trouble is never fatal: the service runs uncached instead.
func initializeCacheBackend(c cfg.Settings) cache.Backend {
	switch c.CacheBackend {
	case "redis":
		b, err := cache.NewRedisBackend(c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			log.Warn().Err(err).Msg("redis cache unavailable, continuing uncached")
			return nil
		}
		log.Info().Str("addr", c.RedisAddr).Msg("redis feature cache ready")
		return b
	case "bolt":
		b, err := cache.NewBoltBackend(c.BoltPath)
		if err != nil {
			log.Warn().Err(err).Msg("bolt cache unavailable, continuing uncached")
			return nil
		}
		log.Info().Str("path", c.BoltPath).Msg("bolt feature cache ready")
		return b
	case "memory":
		return cache.NewMemoryBackend()
	default:
		return nil
	}
}

// startServer serves the prediction API, health and Prometheus metrics
// on the configured port.
func startServer(c cfg.Settings, predictor *pipeline.Predictor, batch *pipeline.BatchProcessor, area *pipeline.AreaPredictor) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/predict", handlePredict(predictor))
	mux.HandleFunc("/predict/batch", handleBatch(batch))
	mux.HandleFunc("/predict/area", handleArea(area))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Int("port", c.MetricsPort).Msg("prediction service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server failed")
		}
	}()

	return srv
}

type predictRequest struct {
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	WithBreakdown bool    `json:"with_breakdown"`
}

func handlePredict(p *pipeline.Predictor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		pred, err := p.Predict(r.Context(), geo.Coordinate{Lat: req.Lat, Lon: req.Lon}, req.WithBreakdown)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, pred)
	}
}

type batchRequest struct {
	Items         []pipeline.BatchItem `json:"items"`
	WithBreakdown bool                 `json:"with_breakdown"`
}

func handleBatch(b *pipeline.BatchProcessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(req.Items) == 0 {
			http.Error(w, "empty batch", http.StatusBadRequest)
			return
		}

		results := b.Process(r.Context(), req.Items, req.WithBreakdown)
		writeJSON(w, map[string]any{"results": results})
	}
}

func handleArea(a *pipeline.AreaPredictor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req pipeline.AreaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		res, err := a.PredictArea(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, res)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

// waitForShutdown blocks until a signal arrives, then drains the server.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, srv *http.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
