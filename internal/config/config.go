package config

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds every knob recognized by the resource-management core. All
// duration fields are Go duration strings like "150ms" or "30s".
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Cache struct {
		Provider string `mapstructure:"provider"`  // "memory" or "redis"
		MaxItems int    `mapstructure:"max_items"` // maximum number of entries
		MaxSize  int64  `mapstructure:"max_size"`  // maximum total value bytes
		TTL      string `mapstructure:"ttl"`       // default entry time-to-live
		Redis    struct {
			Address              string `mapstructure:"address"`
			Password             string `mapstructure:"password"`
			DB                   int    `mapstructure:"db"`
			CompressionThreshold int    `mapstructure:"compression_threshold"` // gzip values above this many bytes
		} `mapstructure:"redis"`
	} `mapstructure:"cache"`

	Loader struct {
		MaxConcurrentLoads int    `mapstructure:"max_concurrent_loads"`
		PreloadDistance    int    `mapstructure:"preload_distance"`
		RetryAttempts      int    `mapstructure:"retry_attempts"`
		LoadTimeout        string `mapstructure:"load_timeout"`
	} `mapstructure:"loader"`

	Batch struct {
		BatchSize           int    `mapstructure:"batch_size"`
		MaxConcurrency      int    `mapstructure:"max_concurrency"`
		DelayBetweenBatches string `mapstructure:"delay_between_batches"`
		RetryAttempts       int    `mapstructure:"retry_attempts"`
		TaskTimeout         string `mapstructure:"task_timeout"`
	} `mapstructure:"batch"`

	Memory struct {
		WarningThreshold   float64 `mapstructure:"warning_threshold"`   // fraction of the heap limit, e.g. 0.70
		CriticalThreshold  float64 `mapstructure:"critical_threshold"`  // e.g. 0.85
		EmergencyThreshold float64 `mapstructure:"emergency_threshold"` // e.g. 0.95
		MaxHeapSize        uint64  `mapstructure:"max_heap_size"`       // heap budget in bytes
		SampleInterval     string  `mapstructure:"sample_interval"`
	} `mapstructure:"memory"`

	Chunker struct {
		ChunkSize      int    `mapstructure:"chunk_size"`
		MaxConcurrent  int    `mapstructure:"max_concurrent"`
		BackoffRetries int    `mapstructure:"backoff_retries"` // emergency-pressure backoff budget
		BackoffDelay   string `mapstructure:"backoff_delay"`
	} `mapstructure:"chunker"`

	Metrics struct {
		Enabled    bool   `mapstructure:"enabled"`
		Address    string `mapstructure:"address"`
		Port       int    `mapstructure:"port"`
		MaxSamples int    `mapstructure:"max_samples"` // recorder ring-buffer cap per metric
	} `mapstructure:"metrics"`
}

var (
	globalConfig *Config
	logger       zerolog.Logger
)

func init() {
	// Initialize zerolog with console writer for human-readable output
	logger = zerolog.New(zerolog.ConsoleWriter{
		Out:     os.Stdout,
		NoColor: false,
	}).With().Timestamp().Logger()

	config, err := LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}

	// Parse and set log level from config
	level := zerolog.InfoLevel // default
	if config.LogLevel != "" {
		if parsedLevel, err := zerolog.ParseLevel(config.LogLevel); err == nil {
			level = parsedLevel
		} else {
			logger.Warn().Str("invalid_level", config.LogLevel).Msg("Invalid log level, using default 'info'")
		}
	}

	zerolog.SetGlobalLevel(level)
	logger = logger.Level(level)

	globalConfig = config
}

// LoadConfig reads config.yaml (working dir or ./config) plus APP_-prefixed
// environment variables and returns the merged configuration. A missing config
// file is not an error; defaults cover every knob.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variable support
	viper.AutomaticEnv()
	viper.SetEnvPrefix("APP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = viper.BindEnv("log_level", "LOG_LEVEL")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("log_level", "info")

	viper.SetDefault("cache.provider", "memory")
	viper.SetDefault("cache.max_items", 1000)
	viper.SetDefault("cache.max_size", int64(64*1024*1024))
	viper.SetDefault("cache.ttl", "1h")
	viper.SetDefault("cache.redis.address", "localhost:6379")
	viper.SetDefault("cache.redis.db", 0)
	viper.SetDefault("cache.redis.compression_threshold", 4096)

	viper.SetDefault("loader.max_concurrent_loads", 4)
	viper.SetDefault("loader.preload_distance", 3)
	viper.SetDefault("loader.retry_attempts", 2)
	viper.SetDefault("loader.load_timeout", "30s")

	viper.SetDefault("batch.batch_size", 8)
	viper.SetDefault("batch.max_concurrency", 4)
	viper.SetDefault("batch.delay_between_batches", "50ms")
	viper.SetDefault("batch.retry_attempts", 2)
	viper.SetDefault("batch.task_timeout", "60s")

	viper.SetDefault("memory.warning_threshold", 0.70)
	viper.SetDefault("memory.critical_threshold", 0.85)
	viper.SetDefault("memory.emergency_threshold", 0.95)
	viper.SetDefault("memory.max_heap_size", uint64(512*1024*1024))
	viper.SetDefault("memory.sample_interval", "5s")

	viper.SetDefault("chunker.chunk_size", 1024*1024)
	viper.SetDefault("chunker.max_concurrent", 4)
	viper.SetDefault("chunker.backoff_retries", 5)
	viper.SetDefault("chunker.backoff_delay", "200ms")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.address", "localhost")
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.max_samples", 1000)
}

// GetConfig returns the process-wide configuration loaded at startup.
func GetConfig() *Config {
	return globalConfig
}

// GetLogger returns the configured zerolog logger.
func GetLogger() zerolog.Logger {
	return logger
}

// Duration parses a Go duration string from the config, falling back to def
// when the field is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
