package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const mib = 1024 * 1024

type Config struct {
	HTTPPort  string `validate:"required,numeric"`
	LogLevel  string `validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	JWTSecret string `validate:"required"`

	DatabaseDriver string `validate:"required,oneof=sqlite3 postgres"`
	DatabaseURL    string `validate:"required"`
	RedisURL       string `validate:"omitempty,url"`
	CatalogFile    string
	ToolCacheTTL   time.Duration `validate:"gte=0,lte=5m"`

	OpenAIBaseURL      string `validate:"omitempty,url"`
	GeminiRESTBaseURL  string `validate:"omitempty,url"`
	HuggingFaceBaseURL string `validate:"omitempty,url"`

	InlineCeilingBytes int64 `validate:"gt=0"`
	AudioCeilingBytes  int64 `validate:"gte=0"`
	VideoCeilingBytes  int64 `validate:"gte=0"`
	PDFCeilingBytes    int64 `validate:"gte=0"`
	MaxFrameBytes      int64 `validate:"gtefield=InlineCeilingBytes"`

	ChunkIdleTimeout time.Duration `validate:"gt=0"`
	ImageJobTimeout  time.Duration `validate:"gt=0"`
	VideoJobTimeout  time.Duration `validate:"gt=0"`
	PollInterval     time.Duration `validate:"gt=0"`
	JanitorSchedule  string        `validate:"required"`

	// TurnsPerMinute throttles each session; 0 turns throttling off.
	TurnsPerMinute int `validate:"gte=0"`
	HistoryLimit   int `validate:"gte=0"`
	AllowedOrigins []string
}

// LoadConfig reads the environment, after a .env file when one exists.
func LoadConfig() (*Config, error) {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		JWTSecret: getEnv("JWT_SECRET", ""),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite3"),
		DatabaseURL:    getEnv("DATABASE_URL", "inspire_gateway.db"),
		RedisURL:       getEnv("REDIS_URL", ""),
		CatalogFile:    getEnv("CATALOG_FILE", ""),
		ToolCacheTTL:   getEnvAsDuration("TOOL_CACHE_TTL", 2*time.Minute),

		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		GeminiRESTBaseURL:  getEnv("GEMINI_REST_BASE_URL", ""),
		HuggingFaceBaseURL: getEnv("HUGGINGFACE_BASE_URL", ""),

		InlineCeilingBytes: getEnvAsInt64("INLINE_CEILING_BYTES", 20*mib),
		AudioCeilingBytes:  getEnvAsInt64("AUDIO_CEILING_BYTES", 0),
		VideoCeilingBytes:  getEnvAsInt64("VIDEO_CEILING_BYTES", 0),
		PDFCeilingBytes:    getEnvAsInt64("PDF_CEILING_BYTES", 0),
		MaxFrameBytes:      getEnvAsInt64("MAX_FRAME_BYTES", 64*mib),

		ChunkIdleTimeout: getEnvAsDuration("CHUNK_IDLE_TIMEOUT", 30*time.Second),
		ImageJobTimeout:  getEnvAsDuration("IMAGE_JOB_TIMEOUT", 60*time.Second),
		VideoJobTimeout:  getEnvAsDuration("VIDEO_JOB_TIMEOUT", 5*time.Minute),
		PollInterval:     getEnvAsDuration("POLL_INTERVAL", 20*time.Second),
		JanitorSchedule:  getEnv("JANITOR_SCHEDULE", "@every 1h"),

		TurnsPerMinute: getEnvAsInt("TURNS_PER_MINUTE", 20),
		HistoryLimit:   getEnvAsInt("HISTORY_LIMIT", 20),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
