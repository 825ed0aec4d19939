// Package config loads service settings from YAML, .env files and the environment.
package config

import "time"

// Config is the root application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Model    ModelConfig    `mapstructure:"model"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Plot     PlotConfig     `mapstructure:"plot"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	// Ports are tried in order; the first one that binds is used.
	Ports           []int         `mapstructure:"ports"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	StaticDir       string        `mapstructure:"static_dir"`
}

// Model source kinds.
const (
	SourceLocal   = "local"
	SourceURL     = "url"
	SourceS3      = "s3"
	SourceBundled = "bundled"
)

// Inference backends.
const (
	BackendONNX = "onnx"
	BackendGRPC = "grpc"
)

// ModelConfig locates the model artifact and selects how it is executed.
type ModelConfig struct {
	Source   string   `mapstructure:"source"`
	Path     string   `mapstructure:"path"`
	URL      string   `mapstructure:"url"`
	CacheDir string   `mapstructure:"cache_dir"`
	S3       S3Config `mapstructure:"s3"`

	Backend          string        `mapstructure:"backend"`
	LibraryPath      string        `mapstructure:"library_path"`
	InputName        string        `mapstructure:"input_name"`
	OutputName       string        `mapstructure:"output_name"`
	Layout           string        `mapstructure:"layout"`
	InferenceTimeout time.Duration `mapstructure:"inference_timeout"`
	GRPCAddress      string        `mapstructure:"grpc_address"`

	DownloadAttempts uint64        `mapstructure:"download_attempts"`
	DownloadBackoff  time.Duration `mapstructure:"download_backoff"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Key       string `mapstructure:"key"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// RedisConfig enables the prediction cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig enables the Postgres prediction log.
type DatabaseConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// AuthConfig enables bearer token checks on prediction routes when JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	JWTAudience string `mapstructure:"jwt_audience"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PlotConfig drives the training history plot.
type PlotConfig struct {
	HistoryPath       string `mapstructure:"history_path"`
	OutputPath        string `mapstructure:"output_path"`
	GenerateOnStartup bool   `mapstructure:"generate_on_startup"`
}
