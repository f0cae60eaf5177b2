package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Limits are the per-submission resource limits. Zero-value fields are
// filled from Defaults at submission creation time.
type Limits struct {
	CPUTimeLimit  float64 `json:"cpu_time_limit"`  // seconds
	CPUExtraTime  float64 `json:"cpu_extra_time"`  // seconds
	WallTimeLimit float64 `json:"wall_time_limit"` // seconds
	MemoryLimit   int64   `json:"memory_limit"`    // KB
	StackLimit    int64   `json:"stack_limit"`     // KB
	MaxProcesses  int     `json:"max_processes_and_or_threads"`
	PerProcTime   bool    `json:"enable_per_process_time_limit"`
	PerProcMem    bool    `json:"enable_per_process_memory_limit"`
	MaxFileSize   int64   `json:"max_file_size"` // blocks, fed to ulimit -f
}

// Defaults mirrors the fixed configuration table submissions fall back to.
func DefaultLimits() Limits {
	return Limits{
		CPUTimeLimit:  5.0,
		CPUExtraTime:  1.0,
		WallTimeLimit: 10.0,
		MemoryLimit:   512000,
		StackLimit:    64000,
		MaxProcesses:  60,
		PerProcTime:   true,
		PerProcMem:    true,
		MaxFileSize:   1024,
	}
}

type Config struct {
	HTTPAddr      string
	DatabaseURL   string // empty selects the in-memory store
	QueueDriver   string // memory | nats | sqs
	NATSURL       string
	NATSStream    string
	NATSSubject   string
	NATSEvents    string // subject prefix for cross-process frame relay
	SQSQueueURL   string
	AWSRegion     string
	LanguagesFile string

	Workspace        string
	ExecutionHost    string
	NetworkIsolation bool

	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	RateLimitShards    int

	BatchMaxSize int
	MaxWaitTime  time.Duration
	PollInterval time.Duration
	CacheTTL     time.Duration

	DefaultLimits Limits
	NumberOfRuns  int
}

// Load reads configuration from a .env file (when present) and the
// environment.
func Load() Config {
	_ = godotenv.Load()

	host, _ := os.Hostname()

	return Config{
		HTTPAddr:      envOrDefault("JUDGE_HTTP_ADDR", ":2358"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		QueueDriver:   envOrDefault("JUDGE_QUEUE_DRIVER", "memory"),
		NATSURL:       envOrDefault("NATS_URL", "nats://127.0.0.1:4222"),
		NATSStream:    envOrDefault("NATS_STREAM", "SUBMISSIONS"),
		NATSSubject:   envOrDefault("NATS_SUBJECT", "submissions.execute"),
		NATSEvents:    envOrDefault("NATS_EVENTS_SUBJECT", "judge.events"),
		SQSQueueURL:   os.Getenv("SQS_QUEUE_URL"),
		AWSRegion:     envOrDefault("AWS_REGION", "eu-central-1"),
		LanguagesFile: os.Getenv("JUDGE_LANGUAGES_FILE"),

		Workspace:        envOrDefault("JUDGE_WORKSPACE", "/tmp/judge-workspace"),
		ExecutionHost:    envOrDefault("JUDGE_EXECUTION_HOST", host),
		NetworkIsolation: envBool("JUDGE_NETWORK_ISOLATION", false),

		RateLimitPerWindow: envInt("JUDGE_RATE_LIMIT", 60),
		RateLimitWindow:    time.Duration(envInt("JUDGE_RATE_WINDOW_SECONDS", 60)) * time.Second,
		RateLimitShards:    envInt("JUDGE_RATE_SHARDS", 8),

		BatchMaxSize: envInt("JUDGE_BATCH_MAX_SIZE", 20),
		MaxWaitTime:  time.Duration(envInt("JUDGE_MAX_WAIT_MS", 30000)) * time.Millisecond,
		PollInterval: time.Duration(envInt("JUDGE_POLL_INTERVAL_MS", 500)) * time.Millisecond,
		CacheTTL:     time.Duration(envInt("JUDGE_CACHE_TTL_SECONDS", 3600)) * time.Second,

		DefaultLimits: DefaultLimits(),
		NumberOfRuns:  1,
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
