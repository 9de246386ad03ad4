package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// LogConfig controls the log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FreeLimits are the per-period quotas of the free plan.
type FreeLimits struct {
	ChatMessages       int `yaml:"chat_messages"`
	VideoSearches      int `yaml:"video_searches"`
	ContentGenerations int `yaml:"content_generations"`
}

// UsageConfig selects the usage counter store and the free plan quotas.
type UsageConfig struct {
	// Store is either "sql" (the main database) or "redis".
	Store           string     `yaml:"store"`
	RedisURL        string     `yaml:"redis_url"`
	RetentionMonths int        `yaml:"retention_months"`
	Free            FreeLimits `yaml:"free"`
}

// ContextConfig tunes chat context assembly.
type ContextConfig struct {
	RecentMessages int    `yaml:"recent_messages"`
	MaxChars       int    `yaml:"max_chars"`
	RelatedResults int    `yaml:"related_results"`
	SearchTimeout  string `yaml:"search_timeout"`
}

// VectorConfig configures the semantic search index.
type VectorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	Collection     string `yaml:"collection"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// GeminiConfig holds the Gemini key pool and model names.
type GeminiConfig struct {
	Keys  []string `yaml:"keys"`
	Model string   `yaml:"model"`
}

// YouTubeConfig holds the YouTube Data API key pool.
type YouTubeConfig struct {
	Keys       []string `yaml:"keys"`
	MaxResults int64    `yaml:"max_results"`
}

// AdminConfig holds configuration for the admin routes.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// Config holds the configuration for the service.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Usage    UsageConfig    `yaml:"usage"`
	Context  ContextConfig  `yaml:"context"`
	Vector   VectorConfig   `yaml:"vector"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	YouTube  YouTubeConfig  `yaml:"youtube"`
	Admin    AdminConfig    `yaml:"admin"`
	Port     int            `yaml:"port"`
	Debug    bool           `yaml:"debug"`
}

// Timeout returns the parsed search timeout, falling back to 3s.
func (c ContextConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.SearchTimeout)
	if err != nil || d <= 0 {
		return 3 * time.Second
	}
	return d
}

// LoadConfig reads and parses the configuration file. It returns the config and a potential warning message.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warnings []string

	data, err := os.ReadFile(path)
	if err == nil {
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// A missing file is fine, environment variables may carry everything.

	applyEnv(&config)
	warnings = applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, "", err
	}

	return &config, strings.Join(warnings, "; "), nil
}

func applyDefaults(config *Config) []string {
	var warnings []string
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Usage.Store == "" {
		config.Usage.Store = "sql"
	}
	if config.Usage.RetentionMonths == 0 {
		config.Usage.RetentionMonths = 3
	}
	free := &config.Usage.Free
	if free.ChatMessages == 0 && free.VideoSearches == 0 && free.ContentGenerations == 0 {
		*free = FreeLimits{ChatMessages: 5, VideoSearches: 2, ContentGenerations: 2}
		warnings = append(warnings, "usage.free not set, using default limits 5/2/2")
	}
	if config.Context.RecentMessages == 0 {
		config.Context.RecentMessages = 3
	}
	if config.Context.MaxChars == 0 {
		config.Context.MaxChars = 200
	}
	if config.Context.RelatedResults == 0 {
		config.Context.RelatedResults = 3
	}
	if config.Context.SearchTimeout == "" {
		config.Context.SearchTimeout = "3s"
	}
	if config.Vector.Collection == "" {
		config.Vector.Collection = "messages"
	}
	if config.Vector.EmbeddingModel == "" {
		config.Vector.EmbeddingModel = "text-embedding-004"
	}
	if config.Gemini.Model == "" {
		config.Gemini.Model = "gemini-1.5-flash"
	}
	if config.YouTube.MaxResults == 0 {
		config.YouTube.MaxResults = 5
	}
	if len(config.YouTube.Keys) == 0 {
		warnings = append(warnings, "youtube.keys not set, video search will be unavailable")
	}
	return warnings
}

func applyEnv(config *Config) {
	if dsn := os.Getenv("GOGENIE_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if dbType := os.Getenv("GOGENIE_DATABASE_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if port := os.Getenv("GOGENIE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if password := os.Getenv("GOGENIE_ADMIN_PASSWORD"); password != "" {
		config.Admin.Password = password
	}
	if debug := os.Getenv("GOGENIE_DEBUG"); debug != "" {
		config.Debug = debug == "true"
	}
	if store := os.Getenv("GOGENIE_USAGE_STORE"); store != "" {
		config.Usage.Store = store
	}
	if redisURL := os.Getenv("GOGENIE_REDIS_URL"); redisURL != "" {
		config.Usage.RedisURL = redisURL
	}
	if keys := os.Getenv("GOGENIE_GEMINI_KEYS"); keys != "" {
		config.Gemini.Keys = splitKeys(keys)
	}
	if keys := os.Getenv("GOGENIE_YOUTUBE_KEYS"); keys != "" {
		config.YouTube.Keys = splitKeys(keys)
	}
}

// splitKeys parses a comma separated key list, dropping blanks.
func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func validate(config *Config) error {
	if config.Database.Type == "" || config.Database.DSN == "" {
		return fmt.Errorf("database type and dsn must be configured in config.yaml or via environment variables")
	}
	if len(config.Gemini.Keys) == 0 {
		return fmt.Errorf("at least one gemini key must be configured")
	}
	switch config.Usage.Store {
	case "sql":
	case "redis":
		if config.Usage.RedisURL == "" {
			return fmt.Errorf("usage.redis_url is required when usage.store is redis")
		}
	default:
		return fmt.Errorf("unsupported usage store: %s", config.Usage.Store)
	}
	free := config.Usage.Free
	if free.ChatMessages < 0 || free.VideoSearches < 0 || free.ContentGenerations < 0 {
		return fmt.Errorf("usage.free limits must not be negative")
	}
	return nil
}
