package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Neo4j
	Neo4jURL      string
	Neo4jUsername string
	Neo4jPassword string

	// JWT
	JWTSecret string

	// OpenAI
	OpenAIAPIKey   string
	LLMModel       string
	LLMTimeoutSec  int

	// OAuth - Google (Gmail is the only Mail Source)
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Worker
	WorkerID          string
	WorkerConcurrency int

	// CORS
	AllowedOrigins []string

	// Pipeline configuration surface
	LookbackDays               int
	IngestWindowDays           int
	Tier1Threshold             int
	AnalyzerDormantDays        int
	AnalyzerAttemptedDays      int
	OrganizerMinParticipants   int // K
	OrganizerMinSharedTokens   int // J
	RebuildMinNewMessagesPct   int
	PoolSize                   int
	PoolRetryMax               int
	LLMTemperature             float64
	LLMMaxInputTokens          int
	LLMMaxOutputTokens         int
	JobPollIntervalSec         int

	// Per-phase soft deadlines
	ExtractTimeout     time.Duration
	IngestTimeout      time.Duration
	AnalystPoolTimeout time.Duration
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "knowledgetree"),
		RedisURL:    getEnv("REDIS_URL", ""),

		Neo4jURL:      getEnv("NEO4J_URL", ""),
		Neo4jUsername: getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		LLMModel:      getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeoutSec: getEnvInt("LLM_TIMEOUT_SEC", 60),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		WorkerID:          getEnv("WORKER_ID", generateWorkerID()),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		LookbackDays:             getEnvInt("LOOKBACK_DAYS", 365),
		IngestWindowDays:         getEnvInt("INGEST_WINDOW_DAYS", 365),
		Tier1Threshold:           getEnvInt("TIER1_THRESHOLD", 3),
		AnalyzerDormantDays:      getEnvInt("ANALYZER_DORMANT_DAYS", 180),
		AnalyzerAttemptedDays:    getEnvInt("ANALYZER_ATTEMPTED_DAYS", 14),
		OrganizerMinParticipants: getEnvInt("ORGANIZER_TOPIC_MERGE_MIN_PARTICIPANTS", 2),
		OrganizerMinSharedTokens: getEnvInt("ORGANIZER_TOPIC_MERGE_MIN_TOKENS", 2),
		RebuildMinNewMessagesPct: getEnvInt("REBUILD_MIN_NEW_MESSAGES_PCT", 5),
		PoolSize:                 getEnvInt("POOL_SIZE", 5),
		PoolRetryMax:             getEnvInt("POOL_RETRY_MAX", 3),
		LLMTemperature:           getEnvFloat("LLM_TEMPERATURE", 0.3),
		LLMMaxInputTokens:        getEnvInt("LLM_MAX_INPUT_TOKENS", 32000),
		LLMMaxOutputTokens:       getEnvInt("LLM_MAX_OUTPUT_TOKENS", 4000),
		JobPollIntervalSec:       getEnvInt("JOB_POLL_INTERVAL_S", 5),

		ExtractTimeout:     time.Duration(getEnvInt("EXTRACT_TIMEOUT_MIN", 10)) * time.Minute,
		IngestTimeout:      time.Duration(getEnvInt("INGEST_TIMEOUT_MIN", 30)) * time.Minute,
		AnalystPoolTimeout: time.Duration(getEnvInt("ANALYST_POOL_TIMEOUT_MIN", 20)) * time.Minute,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
