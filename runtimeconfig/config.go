package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/howardjong/AgentPrice-sub003/internal/config"
)

const envPrefix = "AGENTPRICE_"

type Config struct {
	HTTP         HTTPConfig         `yaml:"http" json:"http"`
	Providers    ProvidersConfig    `yaml:"providers" json:"providers"`
	Health       HealthConfig       `yaml:"health" json:"health"`
	Realtime     RealtimeConfig     `yaml:"realtime" json:"realtime"`
	Research     ResearchConfig     `yaml:"research" json:"research"`
	Queue        QueueConfig        `yaml:"queue" json:"queue"`
	Store        StoreConfig        `yaml:"store" json:"store"`
	Conversation ConversationConfig `yaml:"conversation" json:"conversation"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" json:"telemetry"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins" json:"allowedOrigins"`
}

type ProvidersConfig struct {
	Conversational    string            `yaml:"conversational" json:"conversational"`
	Research          string            `yaml:"research" json:"research"`
	Required          []string          `yaml:"required" json:"required"`
	Models            map[string]string `yaml:"models" json:"models"`
	Timeout           time.Duration     `yaml:"timeout" json:"timeout"`
	RecoveryThreshold int               `yaml:"recoveryThreshold" json:"recoveryThreshold"`
	GeminiGrounding   bool              `yaml:"geminiGrounding" json:"geminiGrounding"`
	// HeuristicsFile replaces the built-in live-information rules.
	HeuristicsFile string `yaml:"heuristicsFile" json:"heuristicsFile"`
}

type HealthConfig struct {
	MemoryThreshold float64 `yaml:"memoryThreshold" json:"memoryThreshold"`
	DataDir         string  `yaml:"dataDir" json:"dataDir"`
}

type RealtimeConfig struct {
	ReconnectGrace time.Duration `yaml:"reconnectGrace" json:"reconnectGrace"`
	IdleTimeout    time.Duration `yaml:"idleTimeout" json:"idleTimeout"`
	SweepSchedule  string        `yaml:"sweepSchedule" json:"sweepSchedule"`
	SendBuffer     int           `yaml:"sendBuffer" json:"sendBuffer"`
}

type ResearchConfig struct {
	Workers           int           `yaml:"workers" json:"workers"`
	MaxAttempts       int           `yaml:"maxAttempts" json:"maxAttempts"`
	BaseBackoff       time.Duration `yaml:"baseBackoff" json:"baseBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff" json:"maxBackoff"`
	PollInterval      time.Duration `yaml:"pollInterval" json:"pollInterval"`
	ClaimBlock        time.Duration `yaml:"claimBlock" json:"claimBlock"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" json:"heartbeatInterval"`
	AttemptsDB        string        `yaml:"attemptsDb" json:"attemptsDb"`
	LedgerRetention   time.Duration `yaml:"ledgerRetention" json:"ledgerRetention"`
	PruneSchedule     string        `yaml:"pruneSchedule" json:"pruneSchedule"`
	// MaxOutputTokens caps each stage's provider reply. Zero keeps the
	// provider default.
	MaxOutputTokens int `yaml:"maxOutputTokens" json:"maxOutputTokens"`
}

type QueueConfig struct {
	Backend       string `yaml:"backend" json:"backend"`
	RedisAddr     string `yaml:"redisAddr" json:"redisAddr"`
	RedisPassword string `yaml:"redisPassword" json:"-"`
	RedisDB       int    `yaml:"redisDb" json:"redisDb"`
	Prefix        string `yaml:"prefix" json:"prefix"`
	Group         string `yaml:"group" json:"group"`
	// VisibilityTimeout is how long a claim survives without renewal.
	// Workers renew every research.heartbeatInterval.
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout" json:"visibilityTimeout"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend" json:"backend"`
	SQLitePath    string        `yaml:"sqlitePath" json:"sqlitePath"`
	RedisAddr     string        `yaml:"redisAddr" json:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword" json:"-"`
	RedisDB       int           `yaml:"redisDb" json:"redisDb"`
	Prefix        string        `yaml:"prefix" json:"prefix"`
	CacheTTL      time.Duration `yaml:"cacheTtl" json:"cacheTtl"`
}

type ConversationConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Dir     string `yaml:"dir" json:"dir"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"serviceName" json:"serviceName"`
	Environment string `yaml:"environment" json:"environment"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// Default returns the configuration used when no file or env overrides
// are present.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:5000",
			ShutdownTimeout: 10 * time.Second,
		},
		Providers: ProvidersConfig{
			Conversational:    "claude",
			Research:          "perplexity",
			Required:          []string{"claude", "perplexity"},
			Models:            map[string]string{},
			Timeout:           60 * time.Second,
			RecoveryThreshold: 3,
		},
		Health: HealthConfig{
			MemoryThreshold: 0.90,
			DataDir:         "./data",
		},
		Realtime: RealtimeConfig{
			ReconnectGrace: 60 * time.Second,
			IdleTimeout:    30 * time.Minute,
			SweepSchedule:  "@every 60s",
			SendBuffer:     64,
		},
		Research: ResearchConfig{
			Workers:           1,
			MaxAttempts:       3,
			BaseBackoff:       2 * time.Second,
			MaxBackoff:        time.Minute,
			PollInterval:      250 * time.Millisecond,
			ClaimBlock:        2 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			AttemptsDB:        "./data/attempts.db",
			LedgerRetention:   7 * 24 * time.Hour,
			PruneSchedule:     "@daily",
		},
		Queue: QueueConfig{
			Backend:           "memory",
			RedisAddr:         "127.0.0.1:6379",
			Prefix:            "agentprice:research",
			Group:             "research-workers",
			VisibilityTimeout: 5 * time.Minute,
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "./data/jobs.db",
			RedisAddr:  "127.0.0.1:6379",
			Prefix:     "agentprice:jobs",
			CacheTTL:   24 * time.Hour,
		},
		Conversation: ConversationConfig{
			Backend: "memory",
			Dir:     "./data/conversations",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentprice",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a JSON or YAML file over Default. JSON is decoded by the same
// YAML parser since it is a subset.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %q: %w", absPath, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// ApplyEnv overlays AGENTPRICE_* environment variables onto cfg.
func ApplyEnv(cfg Config) Config {
	cfg.HTTP.Addr = config.Getenv(envPrefix+"HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.AllowedOrigins = config.ParseListEnv(envPrefix+"ALLOWED_ORIGINS", cfg.HTTP.AllowedOrigins)

	cfg.Providers.Conversational = config.Getenv(envPrefix+"CONVERSATIONAL_PROVIDER", cfg.Providers.Conversational)
	cfg.Providers.Research = config.Getenv(envPrefix+"RESEARCH_PROVIDER", cfg.Providers.Research)
	cfg.Providers.Required = config.ParseListEnv(envPrefix+"REQUIRED_PROVIDERS", cfg.Providers.Required)
	cfg.Providers.Timeout = config.ParseDurationEnv(envPrefix+"PROVIDER_TIMEOUT", cfg.Providers.Timeout)
	cfg.Providers.RecoveryThreshold = config.ParseIntEnv(envPrefix+"RECOVERY_THRESHOLD", cfg.Providers.RecoveryThreshold)
	cfg.Providers.GeminiGrounding = config.ParseBoolEnv(envPrefix+"GEMINI_GROUNDING", cfg.Providers.GeminiGrounding)
	cfg.Providers.HeuristicsFile = config.Getenv(envPrefix+"HEURISTICS_FILE", cfg.Providers.HeuristicsFile)
	for _, name := range []string{"claude", "perplexity", "gemini"} {
		if model := config.Getenv(envPrefix+strings.ToUpper(name)+"_MODEL", ""); model != "" {
			if cfg.Providers.Models == nil {
				cfg.Providers.Models = map[string]string{}
			}
			cfg.Providers.Models[name] = model
		}
	}

	cfg.Health.MemoryThreshold = config.ParseFloatEnv(envPrefix+"MEMORY_THRESHOLD", cfg.Health.MemoryThreshold)
	cfg.Health.DataDir = config.Getenv(envPrefix+"DATA_DIR", cfg.Health.DataDir)

	cfg.Realtime.ReconnectGrace = config.ParseDurationEnv(envPrefix+"RECONNECT_GRACE", cfg.Realtime.ReconnectGrace)
	cfg.Realtime.IdleTimeout = config.ParseDurationEnv(envPrefix+"IDLE_TIMEOUT", cfg.Realtime.IdleTimeout)
	cfg.Realtime.SweepSchedule = config.Getenv(envPrefix+"SWEEP_SCHEDULE", cfg.Realtime.SweepSchedule)

	cfg.Research.Workers = config.ParseIntEnv(envPrefix+"WORKERS", cfg.Research.Workers)
	cfg.Research.MaxAttempts = config.ParseIntEnv(envPrefix+"MAX_ATTEMPTS", cfg.Research.MaxAttempts)
	cfg.Research.AttemptsDB = config.Getenv(envPrefix+"ATTEMPTS_DB", cfg.Research.AttemptsDB)
	cfg.Research.LedgerRetention = config.ParseDurationEnv(envPrefix+"LEDGER_RETENTION", cfg.Research.LedgerRetention)
	cfg.Research.PruneSchedule = config.Getenv(envPrefix+"PRUNE_SCHEDULE", cfg.Research.PruneSchedule)
	cfg.Research.MaxOutputTokens = config.ParseIntEnv(envPrefix+"MAX_OUTPUT_TOKENS", cfg.Research.MaxOutputTokens)

	cfg.Queue.Backend = config.Getenv(envPrefix+"QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Queue.RedisAddr = config.Getenv(envPrefix+"QUEUE_REDIS_ADDR", config.Getenv("REDIS_ADDR", cfg.Queue.RedisAddr))
	cfg.Queue.VisibilityTimeout = config.ParseDurationEnv(envPrefix+"QUEUE_VISIBILITY", cfg.Queue.VisibilityTimeout)

	cfg.Queue.RedisPassword = config.Getenv("REDIS_PASSWORD", cfg.Queue.RedisPassword)

	cfg.Store.Backend = config.Getenv(envPrefix+"STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.SQLitePath = config.Getenv(envPrefix+"SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.RedisAddr = config.Getenv(envPrefix+"STORE_REDIS_ADDR", config.Getenv("REDIS_ADDR", cfg.Store.RedisAddr))

	cfg.Store.RedisPassword = config.Getenv("REDIS_PASSWORD", cfg.Store.RedisPassword)

	cfg.Conversation.Backend = config.Getenv(envPrefix+"CONVERSATION_BACKEND", cfg.Conversation.Backend)
	cfg.Conversation.Dir = config.Getenv(envPrefix+"CONVERSATION_DIR", cfg.Conversation.Dir)

	cfg.Telemetry.Enabled = config.ParseBoolEnv("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = config.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Environment = config.Getenv("OTEL_ENVIRONMENT", cfg.Telemetry.Environment)

	cfg.Log.Level = config.Getenv(envPrefix+"LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = config.Getenv(envPrefix+"LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = config.Getenv(envPrefix+"LOG_FILE", cfg.Log.File)

	cfg.normalize()
	return cfg
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.Providers.Conversational == "" {
		return fmt.Errorf("providers.conversational is required")
	}
	if c.Providers.Research == "" {
		return fmt.Errorf("providers.research is required")
	}
	if c.Providers.Timeout <= 0 {
		return fmt.Errorf("providers.timeout must be positive")
	}
	if c.Providers.RecoveryThreshold < 1 {
		return fmt.Errorf("providers.recoveryThreshold must be at least 1")
	}
	if c.Health.MemoryThreshold <= 0 || c.Health.MemoryThreshold > 1 {
		return fmt.Errorf("health.memoryThreshold must be in (0, 1]")
	}
	if c.Realtime.ReconnectGrace <= 0 || c.Realtime.IdleTimeout <= 0 {
		return fmt.Errorf("realtime windows must be positive")
	}
	if c.Research.MaxOutputTokens < 0 {
		return fmt.Errorf("research.maxOutputTokens must not be negative")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibilityTimeout must be positive")
	}
	if c.Research.HeartbeatInterval >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("research.heartbeatInterval (%s) must be shorter than queue.visibilityTimeout (%s)",
			c.Research.HeartbeatInterval, c.Queue.VisibilityTimeout)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported queue backend %q (use memory or redis)", c.Queue.Backend)
	}
	switch c.Store.Backend {
	case "sqlite", "memory", "redis", "hybrid":
	default:
		return fmt.Errorf("unsupported store backend %q (use sqlite, memory, redis, or hybrid)", c.Store.Backend)
	}
	switch c.Conversation.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("unsupported conversation backend %q (use memory or badger)", c.Conversation.Backend)
	}
	return nil
}

func (c *Config) normalize() {
	c.Providers.Conversational = strings.ToLower(strings.TrimSpace(c.Providers.Conversational))
	c.Providers.Research = strings.ToLower(strings.TrimSpace(c.Providers.Research))
	required := make([]string, 0, len(c.Providers.Required))
	for _, name := range c.Providers.Required {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			required = append(required, name)
		}
	}
	c.Providers.Required = required
	c.Providers.HeuristicsFile = strings.TrimSpace(c.Providers.HeuristicsFile)
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Conversation.Backend = strings.ToLower(strings.TrimSpace(c.Conversation.Backend))
}
