// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"

	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
)

// Config aggregates the settings of every component.
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	LLM    LLMConfig
	Speech SpeechConfig
	Turn   TurnConfig
	Log    LogConfig
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}
	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}
	llm, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}
	speech := loadSpeechConfig()
	turn, err := loadTurnConfig()
	if err != nil {
		return nil, err
	}
	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}
	return &Config{Server: server, Store: store, LLM: llm, Speech: speech, Turn: turn, Log: logCfg}, nil
}

type ServerConfig struct {
	Addr           string
	CookieSecure   bool
	TrustProxy     bool
	RateLimitRPS   float64
	RateLimitBurst int
}

func loadServerConfig() (ServerConfig, error) {
	port := getEnvOrDefault("PORT", "8080")
	addr := port
	if !strings.Contains(port, ":") {
		if strings.Contains(port, " ") {
			return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
		}
		addr = ":" + port
	}

	secure, err := parseBoolEnv("COOKIE_SECURE", false)
	if err != nil {
		return ServerConfig{}, err
	}
	trustProxy, err := parseBoolEnv("TRUST_PROXY", false)
	if err != nil {
		return ServerConfig{}, err
	}
	rps, err := parseFloatEnv("RATE_LIMIT_RPS", 2)
	if err != nil {
		return ServerConfig{}, err
	}
	burst, err := parseIntEnv("RATE_LIMIT_BURST", 5)
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{Addr: addr, CookieSecure: secure, TrustProxy: trustProxy, RateLimitRPS: rps, RateLimitBurst: burst}, nil
}

type StoreConfig struct {
	Backend       string
	Table         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

func loadStoreConfig() (StoreConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("STORE_BACKEND", BackendDynamoDB))
	db, err := parseIntEnv("REDIS_DB", 0)
	if err != nil {
		return StoreConfig{}, err
	}
	cfg := StoreConfig{
		Backend:       backend,
		Table:         strings.TrimSpace(os.Getenv("STATE_TABLE")),
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       db,
		RedisPrefix:   strings.TrimSpace(os.Getenv("REDIS_PREFIX")),
	}
	switch backend {
	case BackendDynamoDB:
		if cfg.Table == "" {
			return StoreConfig{}, fmt.Errorf("STATE_TABLE is required for the %s backend", backend)
		}
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return StoreConfig{}, fmt.Errorf("REDIS_ADDR is required for the %s backend", backend)
		}
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_BACKEND value: %q", backend)
	}
	return cfg, nil
}

type LLMConfig struct {
	Provider        string
	Model           string
	KnowledgeBaseID string
	Results         int
	ParamPrefix     string
	OpenAIBaseURL   string
	SystemPrompt    string
}

func loadLLMConfig() (LLMConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("LLM_PROVIDER", ProviderBedrock))
	results, err := parseIntEnv("RETRIEVAL_RESULTS", 5)
	if err != nil {
		return LLMConfig{}, err
	}
	cfg := LLMConfig{
		Provider:        provider,
		Model:           strings.TrimSpace(os.Getenv("MODEL_ID")),
		KnowledgeBaseID: strings.TrimSpace(os.Getenv("KNOWLEDGE_BASE_ID")),
		Results:         results,
		ParamPrefix:     strings.TrimRight(strings.TrimSpace(os.Getenv("PARAM_PREFIX")), "/"),
		OpenAIBaseURL:   strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		SystemPrompt:    os.Getenv("SYSTEM_PROMPT"),
	}
	switch provider {
	case ProviderBedrock:
		if cfg.Model == "" && cfg.ParamPrefix == "" {
			cfg.Model = "anthropic.claude-3-haiku-20240307-v1:0"
		}
	case ProviderOpenAI:
		if cfg.ParamPrefix == "" {
			return LLMConfig{}, fmt.Errorf("PARAM_PREFIX is required for the %s provider", provider)
		}
		if cfg.Model == "" {
			cfg.Model = "gpt-4o-mini"
		}
	default:
		return LLMConfig{}, fmt.Errorf("invalid LLM_PROVIDER value: %q", provider)
	}
	return cfg, nil
}

type SpeechConfig struct {
	Voice       string
	Language    string
	AudioDir    string
	AudioBucket string
	AudioPrefix string
}

func loadSpeechConfig() SpeechConfig {
	return SpeechConfig{
		Voice:       getEnvOrDefault("POLLY_VOICE", "Camila"),
		Language:    getEnvOrDefault("SPEECH_LANGUAGE", "pt-BR"),
		AudioDir:    getEnvOrDefault("AUDIO_DIR", "audio"),
		AudioBucket: strings.TrimSpace(os.Getenv("AUDIO_BUCKET")),
		AudioPrefix: getEnvOrDefault("AUDIO_PREFIX", "audio/"),
	}
}

type TurnConfig struct {
	MaxQuestionLength int
	HistoryTurns      int
	PersistAttempts   int
	UpstreamTimeout   time.Duration
	StorageTimeout    time.Duration
	SpeechTimeout     time.Duration
}

func loadTurnConfig() (TurnConfig, error) {
	var cfg TurnConfig
	var err error
	if cfg.MaxQuestionLength, err = parseIntEnv("MAX_QUESTION_LENGTH", 1000); err != nil {
		return TurnConfig{}, err
	}
	if cfg.HistoryTurns, err = parseIntEnv("HISTORY_TURNS", 10); err != nil {
		return TurnConfig{}, err
	}
	if cfg.PersistAttempts, err = parseIntEnv("PERSIST_ATTEMPTS", 3); err != nil {
		return TurnConfig{}, err
	}
	if cfg.UpstreamTimeout, err = parseDurationEnv("UPSTREAM_TIMEOUT", 60*time.Second); err != nil {
		return TurnConfig{}, err
	}
	if cfg.StorageTimeout, err = parseDurationEnv("STORAGE_TIMEOUT", 5*time.Second); err != nil {
		return TurnConfig{}, err
	}
	if cfg.SpeechTimeout, err = parseDurationEnv("SPEECH_TIMEOUT", 30*time.Second); err != nil {
		return TurnConfig{}, err
	}
	if cfg.PersistAttempts < 1 {
		return TurnConfig{}, fmt.Errorf("invalid PERSIST_ATTEMPTS value: %d", cfg.PersistAttempts)
	}
	return cfg, nil
}

type LogConfig struct {
	Level  slog.Level
	Format string
}

func loadLogConfig() (LogConfig, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnvOrDefault("LOG_LEVEL", "info"))); err != nil {
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value: %w", err)
	}
	format := strings.ToLower(getEnvOrDefault("LOG_FORMAT", "text"))
	if format != "text" && format != "json" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value: %q", format)
	}
	return LogConfig{Level: level, Format: format}, nil
}

// Logger builds the slog logger described by c.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}
