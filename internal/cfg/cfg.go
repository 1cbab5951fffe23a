package cfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	ExtractorURL       string
	ExtractorTimeout   time.Duration
	ExtractorRetries   int
	SearchRadiusMeters int

	CacheBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BoltPath      string

	ModelsDir     string
	RiskThreshold float64

	CVSplits       int
	CVBufferMeters float64
	Seed           int64

	BatchWorkers int
	ItemTimeout  time.Duration
	MaxGridCells int

	MetricsPort int
}

type ConfigFile struct {
	Extractor struct {
		BaseURL      string `yaml:"baseURL"`
		Timeout      string `yaml:"timeout"`
		Retries      int    `yaml:"retries"`
		RadiusMeters int    `yaml:"radiusMeters"`
	} `yaml:"extractor"`

	Cache struct {
		Backend       string `yaml:"backend"`
		RedisAddr     string `yaml:"redisAddr"`
		RedisPassword string `yaml:"redisPassword"`
		RedisDB       int    `yaml:"redisDB"`
		BoltPath      string `yaml:"boltPath"`
	} `yaml:"cache"`

	Training struct {
		CVSplits     int     `yaml:"cvSplits"`
		BufferMeters float64 `yaml:"bufferMeters"`
		Seed         int64   `yaml:"seed"`
	} `yaml:"training"`

	Prediction struct {
		RiskThreshold float64 `yaml:"riskThreshold"`
		BatchWorkers  int     `yaml:"batchWorkers"`
		ItemTimeout   string  `yaml:"itemTimeout"`
		MaxGridCells  int     `yaml:"maxGridCells"`
	} `yaml:"prediction"`

	System struct {
		ModelsDir   string `yaml:"modelsDir"`
		MetricsPort int    `yaml:"metricsPort"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	extractorTimeout, err := time.ParseDuration(config.Extractor.Timeout)
	if err != nil {
		extractorTimeout = 10 * time.Second
	}
	itemTimeout, err := time.ParseDuration(config.Prediction.ItemTimeout)
	if err != nil {
		itemTimeout = 30 * time.Second
	}

	settings := Settings{
		ExtractorURL:       getEnvOrDefault("EXTRACTOR_URL", config.Extractor.BaseURL),
		ExtractorTimeout:   extractorTimeout,
		ExtractorRetries:   getIntFromEnvOrConfig("EXTRACTOR_RETRIES", config.Extractor.Retries, 2),
		SearchRadiusMeters: getIntFromEnvOrConfig("SEARCH_RADIUS_METERS", config.Extractor.RadiusMeters, 1000),

		CacheBackend:  getEnvOrDefault("CACHE_BACKEND", defaultString(config.Cache.Backend, "memory")),
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", config.Cache.RedisAddr),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", config.Cache.RedisPassword),
		RedisDB:       getIntFromEnvOrConfig("REDIS_DB", config.Cache.RedisDB, 0),
		BoltPath:      getEnvOrDefault("BOLT_PATH", config.Cache.BoltPath),

		ModelsDir:     getEnvOrDefault("MODELS_DIR", defaultString(config.System.ModelsDir, "models")),
		RiskThreshold: getFloatFromEnvOrConfig("RISK_THRESHOLD", config.Prediction.RiskThreshold, 0.65),

		CVSplits:       getIntFromEnvOrConfig("CV_SPLITS", config.Training.CVSplits, 5),
		CVBufferMeters: getFloatFromEnvOrConfig("CV_BUFFER_METERS", config.Training.BufferMeters, 500),
		Seed:           getInt64FromEnvOrConfig("SEED", config.Training.Seed, 42),

		BatchWorkers: getIntFromEnvOrConfig("BATCH_WORKERS", config.Prediction.BatchWorkers, 8),
		ItemTimeout:  itemTimeout,
		MaxGridCells: getIntFromEnvOrConfig("MAX_GRID_CELLS", config.Prediction.MaxGridCells, 10000),

		MetricsPort: getIntFromEnvOrConfig("METRICS_PORT", config.System.MetricsPort, 8080),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ExtractorURL:       os.Getenv("EXTRACTOR_URL"), // optional: training runs without one
		ExtractorTimeout:   getDurationOrDefault("EXTRACTOR_TIMEOUT", 10*time.Second),
		ExtractorRetries:   getIntOrDefault("EXTRACTOR_RETRIES", 2),
		SearchRadiusMeters: getIntOrDefault("SEARCH_RADIUS_METERS", 1000),

		CacheBackend:  getEnvOrDefault("CACHE_BACKEND", "memory"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getIntOrDefault("REDIS_DB", 0),
		BoltPath:      os.Getenv("BOLT_PATH"),

		ModelsDir:     getEnvOrDefault("MODELS_DIR", "models"),
		RiskThreshold: getFloatOrDefault("RISK_THRESHOLD", 0.65),

		CVSplits:       getIntOrDefault("CV_SPLITS", 5),
		CVBufferMeters: getFloatOrDefault("CV_BUFFER_METERS", 500),
		Seed:           getInt64OrDefault("SEED", 42),

		BatchWorkers: getIntOrDefault("BATCH_WORKERS", 8),
		ItemTimeout:  getDurationOrDefault("ITEM_TIMEOUT", 30*time.Second),
		MaxGridCells: getIntOrDefault("MAX_GRID_CELLS", 10000),

		MetricsPort: getIntOrDefault("METRICS_PORT", 8080),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func defaultString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getInt64FromEnvOrConfig(key string, configValue, defaultValue int64) int64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseInt(env, 10, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Validate cache backend selection
	switch settings.CacheBackend {
	case "redis":
		if settings.RedisAddr == "" {
			return fmt.Errorf("redis cache backend requires REDIS_ADDR")
		}
	case "bolt":
		if settings.BoltPath == "" {
			return fmt.Errorf("bolt cache backend requires BOLT_PATH")
		}
	case "memory", "none":
	default:
		return fmt.Errorf("cache backend must be one of redis, bolt, memory, none; got %q", settings.CacheBackend)
	}

	if settings.ModelsDir == "" {
		return fmt.Errorf("models directory cannot be empty")
	}

	// Validate time durations
	if settings.ExtractorTimeout < time.Second || settings.ExtractorTimeout > time.Minute {
		return fmt.Errorf("extractor timeout must be between 1s and 1m, got %v", settings.ExtractorTimeout)
	}
	if settings.ItemTimeout < time.Second || settings.ItemTimeout > 5*time.Minute {
		return fmt.Errorf("item timeout must be between 1s and 5m, got %v", settings.ItemTimeout)
	}

	// Validate integer values
	if settings.ExtractorRetries < 0 || settings.ExtractorRetries > 10 {
		return fmt.Errorf("extractor retries must be between 0 and 10, got %d", settings.ExtractorRetries)
	}
	if settings.SearchRadiusMeters < 50 || settings.SearchRadiusMeters > 10000 {
		return fmt.Errorf("search radius must be between 50 and 10000 meters, got %d", settings.SearchRadiusMeters)
	}
	if settings.CVSplits < 2 || settings.CVSplits > 20 {
		return fmt.Errorf("cv splits must be between 2 and 20, got %d", settings.CVSplits)
	}
	if settings.BatchWorkers < 1 || settings.BatchWorkers > 64 {
		return fmt.Errorf("batch workers must be between 1 and 64, got %d", settings.BatchWorkers)
	}
	if settings.MaxGridCells < 1 || settings.MaxGridCells > 250000 {
		return fmt.Errorf("max grid cells must be between 1 and 250000, got %d", settings.MaxGridCells)
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}

	// Validate float values
	if settings.CVBufferMeters < 0 || settings.CVBufferMeters > 10000 {
		return fmt.Errorf("cv buffer must be between 0 and 10000 meters, got %f", settings.CVBufferMeters)
	}
	if settings.RiskThreshold < 0.5 || settings.RiskThreshold > 0.99 {
		return fmt.Errorf("risk threshold must be between 0.5 and 0.99, got %f", settings.RiskThreshold)
	}

	return nil
}
