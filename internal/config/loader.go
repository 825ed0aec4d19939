package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/example/lesion-check/internal/preprocess"
)

// Load reads configs/config.yaml (or the file at path), merges config.<env>.yaml,
// applies environment overrides such as MODEL_SOURCE or REDIS_ENABLED and validates
// the result.
func Load(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if env := v.GetString("app.environment"); env != "" && path == "" {
		v.SetConfigName("config." + env)
		_ = v.MergeInConfig() // optional
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "lesion-check")
	v.SetDefault("app.environment", "development")

	v.SetDefault("server.host", "")
	v.SetDefault("server.ports", []int{3000, 3001, 3002})
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.startup_timeout", 2*time.Minute)
	v.SetDefault("server.static_dir", "static")

	v.SetDefault("model.source", SourceLocal)
	v.SetDefault("model.path", "models/skin_lesion_model.onnx")
	v.SetDefault("model.url", "")
	v.SetDefault("model.cache_dir", filepath.Join(os.TempDir(), "lesion-check", "models"))
	v.SetDefault("model.s3.bucket", "")
	v.SetDefault("model.s3.key", "")
	v.SetDefault("model.s3.region", "us-east-1")
	v.SetDefault("model.s3.endpoint", "")
	v.SetDefault("model.s3.access_key", "")
	v.SetDefault("model.s3.secret_key", "")
	v.SetDefault("model.backend", BackendONNX)
	v.SetDefault("model.library_path", "")
	v.SetDefault("model.input_name", "input")
	v.SetDefault("model.output_name", "output")
	v.SetDefault("model.layout", "nhwc")
	v.SetDefault("model.inference_timeout", 10*time.Second)
	v.SetDefault("model.grpc_address", "")
	v.SetDefault("model.download_attempts", 3)
	v.SetDefault("model.download_backoff", time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_audience", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("plot.history_path", "training_history.pkl")
	v.SetDefault("plot.output_path", filepath.Join("static", "training_plot.png"))
	v.SetDefault("plot.generate_on_startup", false)
}

// applyOverrides honours the conventional PORT variable used by container platforms.
func applyOverrides(cfg *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Ports = []int{p}
		}
	}
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *Config) error {
	if len(cfg.Server.Ports) == 0 {
		return errors.New("server.ports must list at least one port")
	}
	for _, p := range cfg.Server.Ports {
		if p < 0 || p > 65535 {
			return fmt.Errorf("server.ports contains invalid port %d", p)
		}
	}

	m := cfg.Model
	switch m.Backend {
	case BackendONNX:
		switch m.Source {
		case SourceLocal, SourceBundled:
			if m.Path == "" {
				return fmt.Errorf("model.path is required for source %q", m.Source)
			}
		case SourceURL:
			if m.URL == "" {
				return errors.New("model.url is required for source \"url\"")
			}
		case SourceS3:
			if m.S3.Bucket == "" || m.S3.Key == "" {
				return errors.New("model.s3.bucket and model.s3.key are required for source \"s3\"")
			}
		default:
			return fmt.Errorf("unknown model.source %q", m.Source)
		}
		if m.InputName == "" || m.OutputName == "" {
			return errors.New("model.input_name and model.output_name are required")
		}
	case BackendGRPC:
		if m.GRPCAddress == "" {
			return errors.New("model.grpc_address is required for backend \"grpc\"")
		}
	default:
		return fmt.Errorf("unknown model.backend %q", m.Backend)
	}

	if _, err := preprocess.ParseLayout(m.Layout); err != nil {
		return fmt.Errorf("invalid model.layout: %w", err)
	}

	if cfg.Database.Enabled && cfg.Database.DSN == "" {
		return errors.New("database.dsn is required when database.enabled is true")
	}
	if cfg.Redis.Enabled && cfg.Redis.Address == "" {
		return errors.New("redis.address is required when redis.enabled is true")
	}
	return nil
}

// loadEnvFile loads the first .env found in the working directory or the module root.
func loadEnvFile() {
	candidates := []string{".env"}
	if root := findProjectRoot(); root != "" {
		candidates = append(candidates, filepath.Join(root, ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
