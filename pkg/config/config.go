package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Engine    EngineConfig
	Scheduler SchedulerConfig
	Chunking  ChunkingConfig
	Stream    StreamConfig
	Cleanup   CleanupConfig
	Storage   StorageConfig
}

type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type EngineConfig struct {
	URL          string
	APIKey       string
	CallTimeout  time.Duration
	MaxPromptLen int
}

type SchedulerConfig struct {
	MaxConcurrentChunks int
	GlobalMaxInFlight   int
	MaxRetries          int
	RetryBackoffBase    time.Duration
	MaxBatchSize        int
}

type ChunkingConfig struct {
	OverlapSeconds float64
	DefaultProfile string
}

type StreamConfig struct {
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
}

type CleanupConfig struct {
	Interval       time.Duration
	GracePeriod    time.Duration
	MinFreeBytes   uint64
	TempDir        string
}

type StorageConfig struct {
	Path string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("Config: no .env file loaded: %v", err)
	}

	return &Config{
		Server: ServerConfig{
			Address:      envStr("SERVER_ADDRESS", ":8080"),
			ReadTimeout:  envDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: envDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Engine: EngineConfig{
			URL:          envStr("ENGINE_URL", "http://localhost:9090/v1/transcribe"),
			APIKey:       os.Getenv("ENGINE_API_KEY"),
			CallTimeout:  envDuration("ENGINE_CALL_TIMEOUT", 2*time.Minute),
			MaxPromptLen: envInt("ENGINE_MAX_PROMPT_LEN", 2000),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentChunks: envInt("MAX_CONCURRENT_CHUNKS", 3),
			GlobalMaxInFlight:   envInt("GLOBAL_MAX_INFLIGHT", 8),
			MaxRetries:          envInt("CHUNK_MAX_RETRIES", 2),
			RetryBackoffBase:    envDuration("CHUNK_RETRY_BACKOFF", time.Second),
			MaxBatchSize:        envInt("MAX_BATCH_SIZE", 50),
		},
		Chunking: ChunkingConfig{
			OverlapSeconds: envFloat("CHUNK_OVERLAP_SECONDS", 10),
			DefaultProfile: envStr("CHUNK_PROFILE", "medium"),
		},
		Stream: StreamConfig{
			InactivityTimeout: envDuration("STREAM_INACTIVITY_TIMEOUT", 30*time.Second),
			SweepInterval:     envDuration("STREAM_SWEEP_INTERVAL", 5*time.Second),
		},
		Cleanup: CleanupConfig{
			Interval:     envDuration("CLEANUP_INTERVAL", time.Minute),
			GracePeriod:  envDuration("CLEANUP_GRACE_PERIOD", 5*time.Minute),
			MinFreeBytes: uint64(envInt("CLEANUP_MIN_FREE_BYTES", 500<<20)),
			TempDir:      envStr("TEMP_DIR", os.TempDir()),
		},
		Storage: StorageConfig{
			Path: envStr("STORAGE_PATH", "./data"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("Config: invalid %s=%q, using default", key, v)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("Config: invalid %s=%q, using default", key, v)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("Config: invalid %s=%q, using default", key, v)
	}
	return fallback
}
