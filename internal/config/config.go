// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	Port     string
	GRPCPort string

	StoreDriver string
	DBDSN       string
	MongoURL    string
	MongoDB     string

	RedisURL       string
	UnreadCacheTTL time.Duration

	AMQPURL      string
	AMQPExchange string

	JWTSecret string

	UploadDir          string
	UploadMaxBytes     int64
	UploadAllowedTypes []string
	PublicBaseURL      string

	TypingTTL time.Duration

	LogLevel     string
	LogPretty    bool
	OTLPEndpoint string
	Environment  string
	DebugRoutes  bool
}

var defaultAllowedTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"application/zip",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Load reads envFile when present (missing files are ignored) and then the
// process environment. Variables already set are not overridden by the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var errs []error
	cfg := Config{
		Port:               getEnv("PORT", "8083"),
		GRPCPort:           getEnv("GRPC_PORT", "9083"),
		StoreDriver:        strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		DBDSN:              getEnv("DB_DSN", ""),
		MongoURL:           getEnv("MONGO_URL", ""),
		MongoDB:            getEnv("MONGO_DB", "skillsync_chat"),
		RedisURL:           getEnv("REDIS_URL", ""),
		AMQPURL:            getEnv("AMQP_URL", ""),
		AMQPExchange:       getEnv("AMQP_EXCHANGE", "skillsync.events"),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		UploadDir:          getEnv("UPLOAD_DIR", "./uploads"),
		UploadAllowedTypes: splitList(getEnv("UPLOAD_ALLOWED_TYPES", "")),
		PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Environment:        getEnv("APP_ENV", "local"),
	}
	if len(cfg.UploadAllowedTypes) == 0 {
		cfg.UploadAllowedTypes = append([]string(nil), defaultAllowedTypes...)
	}

	cfg.UnreadCacheTTL = getDuration("UNREAD_CACHE_TTL", time.Minute, &errs)
	cfg.TypingTTL = getDuration("TYPING_TTL", 8*time.Second, &errs)
	cfg.UploadMaxBytes = getInt64("UPLOAD_MAX_BYTES", 10<<20, &errs)
	cfg.LogPretty = getBool("LOG_PRETTY", false, &errs)
	cfg.DebugRoutes = getBool("DEBUG_ROUTES", false, &errs)

	errs = append(errs, cfg.validate()...)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBDSN == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres driver"))
		}
	case DriverMongo:
		if c.MongoURL == "" {
			errs = append(errs, errors.New("MONGO_URL is required for the mongo driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.UploadMaxBytes <= 0 {
		errs = append(errs, errors.New("UPLOAD_MAX_BYTES must be positive"))
	}
	if c.TypingTTL <= 0 {
		errs = append(errs, errors.New("TYPING_TTL must be positive"))
	}
	return errs
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
	}
	return fallback
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getInt64(key string, fallback int64, errs *[]error) int64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getBool(key string, fallback bool, errs *[]error) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
