package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	OpenAI    OpenAIConfig
	R2        R2Config
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	PublicURL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	GeneratePerHour int
	ModifyPerHour   int
}

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	TextModel  string
	ImageModel string
	ImageSize  string
	Timeout    int // seconds, HTTP client ceiling
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// PipelineConfig tunes a single generation run.
type PipelineConfig struct {
	Concurrency       int
	CallTimeout       time.Duration
	RunTimeout        time.Duration
	ImageRateInterval time.Duration
	ImageRateBurst    int
	ReferenceDir      string
	MaxReferences     int
	StaticDir         string
	ResultTTL         time.Duration
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("OPENAI_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.public_url", "PUBLIC_URL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = viper.BindEnv("ratelimit.modify_per_hour", "RATELIMIT_MODIFY_PER_HOUR")
	_ = viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	_ = viper.BindEnv("openai.base_url", "OPENAI_BASE_URL")
	_ = viper.BindEnv("openai.text_model", "OPENAI_TEXT_MODEL")
	_ = viper.BindEnv("openai.image_model", "OPENAI_IMAGE_MODEL")
	_ = viper.BindEnv("openai.image_size", "OPENAI_IMAGE_SIZE")
	_ = viper.BindEnv("openai.timeout", "OPENAI_TIMEOUT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("pipeline.concurrency", "PIPELINE_CONCURRENCY")
	_ = viper.BindEnv("pipeline.call_timeout", "PIPELINE_CALL_TIMEOUT")
	_ = viper.BindEnv("pipeline.run_timeout", "PIPELINE_RUN_TIMEOUT")
	_ = viper.BindEnv("pipeline.image_rate_interval", "PIPELINE_IMAGE_RATE_INTERVAL")
	_ = viper.BindEnv("pipeline.image_rate_burst", "PIPELINE_IMAGE_RATE_BURST")
	_ = viper.BindEnv("pipeline.reference_dir", "REFERENCE_DIR")
	_ = viper.BindEnv("pipeline.max_references", "MAX_REFERENCES")
	_ = viper.BindEnv("pipeline.static_dir", "STATIC_DIR")
	_ = viper.BindEnv("pipeline.result_ttl", "RESULT_TTL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.public_url", "http://localhost:8000")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("ratelimit.generate_per_hour", 10)
	viper.SetDefault("ratelimit.modify_per_hour", 30)

	// OpenAI defaults
	viper.SetDefault("openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("openai.text_model", "gpt-4o-mini")
	viper.SetDefault("openai.image_model", "gpt-image-1")
	viper.SetDefault("openai.image_size", "1024x1024")
	viper.SetDefault("openai.timeout", 180)

	// Pipeline defaults
	viper.SetDefault("pipeline.concurrency", 2)
	viper.SetDefault("pipeline.call_timeout", "120s")
	viper.SetDefault("pipeline.run_timeout", "15m")
	viper.SetDefault("pipeline.image_rate_interval", "12s")
	viper.SetDefault("pipeline.image_rate_burst", 1)
	viper.SetDefault("pipeline.reference_dir", "./references")
	viper.SetDefault("pipeline.max_references", 3)
	viper.SetDefault("pipeline.static_dir", "./static")
	viper.SetDefault("pipeline.result_ttl", "0s")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			PublicURL: strings.TrimRight(viper.GetString("server.public_url"), "/"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
			ModifyPerHour:   viper.GetInt("ratelimit.modify_per_hour"),
		},
		OpenAI: OpenAIConfig{
			APIKey:     viper.GetString("openai.api_key"),
			BaseURL:    strings.TrimRight(viper.GetString("openai.base_url"), "/"),
			TextModel:  viper.GetString("openai.text_model"),
			ImageModel: viper.GetString("openai.image_model"),
			ImageSize:  viper.GetString("openai.image_size"),
			Timeout:    viper.GetInt("openai.timeout"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Pipeline: PipelineConfig{
			Concurrency:       viper.GetInt("pipeline.concurrency"),
			CallTimeout:       viper.GetDuration("pipeline.call_timeout"),
			RunTimeout:        viper.GetDuration("pipeline.run_timeout"),
			ImageRateInterval: viper.GetDuration("pipeline.image_rate_interval"),
			ImageRateBurst:    viper.GetInt("pipeline.image_rate_burst"),
			ReferenceDir:      viper.GetString("pipeline.reference_dir"),
			MaxReferences:     viper.GetInt("pipeline.max_references"),
			StaticDir:         viper.GetString("pipeline.static_dir"),
			ResultTTL:         viper.GetDuration("pipeline.result_ttl"),
		},
	}

	if cfg.Pipeline.Concurrency < 1 {
		cfg.Pipeline.Concurrency = 1
	}
	if cfg.Pipeline.MaxReferences > 5 {
		cfg.Pipeline.MaxReferences = 5
	}

	return cfg, nil
}
