package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxFileSize    int64 = 50 * 1024 * 1024
	DefaultMaxStorageSize int64 = 5 * 1024 * 1024 * 1024
)

type Config struct {
	Env      string      `yaml:"env"`
	LogLevel string      `yaml:"log_level"`
	DB       DBConfig    `yaml:"database"`
	Files    FileConfig  `yaml:"files"`
	Redis    RedisConfig `yaml:"redis"`
	OTel     OTelConfig  `yaml:"otel"`
}

type DBConfig struct {
	// URL selects the thread backend. Empty means the in-memory backend.
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

type FileConfig struct {
	BasePath string `yaml:"base_path"`

	// Sizes accept humanized strings in YAML and env ("50MB", "5 GiB").
	MaxFileSize    ByteSize `yaml:"max_file_size"`
	MaxStorageSize ByteSize `yaml:"max_storage_size"`
}

type RedisConfig struct {
	URL     string        `yaml:"url"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type OTelConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Headers        string `yaml:"headers"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// ByteSize is a byte count that unmarshals from either a number or a humanized string.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	n, err := parseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Load loads configuration in three layers:
//   - .env (development only)
//   - the YAML file named by NARRATOR_CONFIG, if any
//   - environment variables, which win over the file
func Load() (Config, error) {
	if getEnv("NARRATOR_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg := defaults()

	if path := getEnv("NARRATOR_CONFIG", ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Files.MaxFileSize <= 0 {
		return Config{}, fmt.Errorf("NARRATOR_MAX_FILE_SIZE must be positive")
	}
	if cfg.Files.MaxStorageSize < cfg.Files.MaxFileSize {
		return Config{}, fmt.Errorf("NARRATOR_MAX_STORAGE_SIZE (%s) is smaller than NARRATOR_MAX_FILE_SIZE (%s)",
			cfg.Files.MaxStorageSize, cfg.Files.MaxFileSize)
	}

	return cfg, nil
}

func defaults() Config {
	return Config{
		Env:      "development",
		LogLevel: "",
		DB: DBConfig{
			MaxConns: 10,
		},
		Files: FileConfig{
			BasePath:       defaultFilePath(),
			MaxFileSize:    ByteSize(DefaultMaxFileSize),
			MaxStorageSize: ByteSize(DefaultMaxStorageSize),
		},
		Redis: RedisConfig{
			LockTTL: 30 * time.Second,
		},
		OTel: OTelConfig{
			ServiceName:    "narrator",
			ServiceVersion: "dev",
		},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Env = getEnv("NARRATOR_ENV", cfg.Env)
	cfg.LogLevel = getEnv("NARRATOR_LOG_LEVEL", cfg.LogLevel)

	cfg.DB.URL = getEnv("NARRATOR_DATABASE_URL", cfg.DB.URL)
	cfg.DB.MaxConns = getEnvInt("NARRATOR_DB_MAX_CONNS", cfg.DB.MaxConns)

	cfg.Files.BasePath = getEnv("NARRATOR_FILE_STORAGE_PATH", cfg.Files.BasePath)

	var err error
	if cfg.Files.MaxFileSize, err = getEnvBytes("NARRATOR_MAX_FILE_SIZE", cfg.Files.MaxFileSize); err != nil {
		return err
	}
	if cfg.Files.MaxStorageSize, err = getEnvBytes("NARRATOR_MAX_STORAGE_SIZE", cfg.Files.MaxStorageSize); err != nil {
		return err
	}

	cfg.Redis.URL = getEnv("NARRATOR_REDIS_URL", cfg.Redis.URL)
	cfg.Redis.LockTTL = getEnvDuration("NARRATOR_LOCK_TTL", cfg.Redis.LockTTL)

	cfg.OTel.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTel.Endpoint)
	cfg.OTel.Headers = getEnv("OTEL_EXPORTER_OTLP_HEADERS", cfg.OTel.Headers)
	cfg.OTel.ServiceName = getEnv("OTEL_SERVICE_NAME", cfg.OTel.ServiceName)
	cfg.OTel.ServiceVersion = getEnv("OTEL_SERVICE_VERSION", cfg.OTel.ServiceVersion)
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// Enabled reports whether a relational backend is configured.
func (c DBConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

func defaultFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "narrator", "files")
	}
	return filepath.Join(home, ".narrator", "files")
}

func parseBytes(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty byte size")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", raw, err)
	}
	return int64(n), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBytes(key string, fallback ByteSize) (ByteSize, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := parseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return ByteSize(n), nil
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
