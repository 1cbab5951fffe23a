package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"vacantwatch/internal/cache"
	"vacantwatch/internal/cfg"
	"vacantwatch/internal/features"
	"vacantwatch/internal/metrics"
	"vacantwatch/internal/ml"
	"vacantwatch/internal/pipeline"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()

	dataPath := flag.String("data", "labels.csv", "CSV of labeled coordinates (latitude,longitude,label)")
	optimize := flag.Bool("optimize", false, "search hyperparameters before fold training")
	iters := flag.Int("iters", 20, "randomized-search iterations when -optimize is set")
	flag.Parse()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Warn().Msg("interrupt received, aborting training run")
		cancel()
	}()

	labeled, err := pipeline.LoadLabeledCSV(*dataPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dataPath).Msg("labeled data load failed")
	}
	log.Info().Int("sites", len(labeled)).Str("path", *dataPath).Msg("labeled data loaded")

	m := metrics.New()

	backend := openCacheBackend(c)
	if backend != nil {
		defer backend.Close()
	}

	var extractor pipeline.Extractor
	if c.ExtractorURL != "" {
		extractor = pipeline.NewRemoteExtractor(c.ExtractorURL, c.ExtractorTimeout, c.ExtractorRetries)
	} else {
		log.Warn().Msg("no extractor configured, training on imputed defaults only")
	}

	validator := features.NewValidator(features.DefaultSchema())
	orch := pipeline.NewOrchestrator(extractor, cache.New(backend, m), validator, c.SearchRadiusMeters, m)

	tp := pipeline.NewTrainingPipeline(orch, pipeline.TrainingConfig{
		CVSplits:      c.CVSplits,
		BufferMeters:  c.CVBufferMeters,
		Seed:          c.Seed,
		FeatureParams: ml.DefaultFeatureExpertParams(),
		ClusterParams: ml.DefaultClusterParams(),
		DensityParams: ml.DefaultDensityParams(),
		OptimizeHyper: *optimize,
		HyperIters:    *iters,
	})

	bundle, err := tp.Run(ctx, labeled)
	if err != nil {
		log.Fatal().Err(err).Msg("training failed")
	}

	vi, err := ml.OpenVersionIndex(c.ModelsDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", c.ModelsDir).Msg("version index open failed")
	}
	v, err := vi.Add(bundle)
	if err != nil {
		log.Fatal().Err(err).Msg("bundle persist failed")
	}

	log.Info().
		Str("version", v.Version).
		Str("dir", v.Dir).
		Float64("cv_f1", bundle.Metrics.F1).
		Float64("cv_auc", bundle.Metrics.AUC).
		Msg("model bundle saved and activated")
}

// openCacheBackend mirrors the service binary's backend selection so
// training runs reuse the same cached extractions.
func openCacheBackend(c cfg.Settings) cache.Backend {
	switch c.CacheBackend {
	case "redis":
		b, err := cache.NewRedisBackend(c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			log.Warn().Err(err).Msg("redis cache unavailable, training uncached")
			return nil
		}
		return b
	case "bolt":
		b, err := cache.NewBoltBackend(c.BoltPath)
		if err != nil {
			log.Warn().Err(err).Msg("bolt cache unavailable, training uncached")
			return nil
		}
		return b
	case "memory":
		return cache.NewMemoryBackend()
	default:
		return nil
	}
}
