package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/lesion-check/internal/artifact"
	"github.com/example/lesion-check/internal/auth"
	"github.com/example/lesion-check/internal/classifier"
	"github.com/example/lesion-check/internal/config"
	"github.com/example/lesion-check/internal/grpcclient"
	"github.com/example/lesion-check/internal/handlers"
	"github.com/example/lesion-check/internal/lesion"
	"github.com/example/lesion-check/internal/logging"
	"github.com/example/lesion-check/internal/metrics"
	"github.com/example/lesion-check/internal/preprocess"
	"github.com/example/lesion-check/internal/repository"
	"github.com/example/lesion-check/internal/trainplot"
	"github.com/example/lesion-check/internal/usecase"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_PATH", ""))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.StartupTimeout)
	defer cancel()

	if cfg.Plot.GenerateOnStartup {
		if _, err := trainplot.Generate(cfg.Plot.HistoryPath, cfg.Plot.OutputPath, logger); err != nil {
			logger.Warn("continuing without training plot", zap.Error(err))
		}
	}

	layout, err := preprocess.ParseLayout(cfg.Model.Layout)
	if err != nil {
		logger.Fatal("invalid tensor layout", zap.Error(err))
	}
	pre := preprocess.NewPreprocessor(layout)

	cls := initClassifier(ctx, cfg.Model, pre, logger)
	defer cls.Close()

	m := metrics.New()
	opts := []usecase.Option{usecase.WithMetrics(m)}

	if cfg.Database.Enabled {
		db := initDatabase(ctx, cfg.Database, logger)
		repo := repository.NewPredictionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts = append(opts, usecase.WithRepository(repo))
	}

	if cfg.Redis.Enabled {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis, logger)
		redisCancel()
		defer redisClient.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient), cfg.Redis.TTL))
	}

	uc := usecase.NewPredictionUseCase(pre, cls, logger, opts...)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := newRouter(uc, m, handlers.RouteOptions{
		Auth:      auth.Optional(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience),
		StaticDir: cfg.Server.StaticDir,
	}, logger)

	listener, err := listenFirst(cfg.Server.Host, cfg.Server.Ports, logger)
	if err != nil {
		logger.Fatal("failed to bind", zap.Error(err))
	}

	server := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("lesion classifier listening", zap.String("addr", listener.Addr().String()))
	if err := serveHTTPServerWithListener(server, cfg.Server.ShutdownTimeout, logger, listener); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(uc handlers.Predictor, m *metrics.Metrics, opts handlers.RouteOptions, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.Instrument(m), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	opts.Metrics = m
	opts.Logger = logger
	handlers.RegisterRoutes(r, uc, opts)
	return r
}

func initClassifier(ctx context.Context, mc config.ModelConfig, pre *preprocess.Preprocessor, logger *zap.Logger) classifier.Classifier {
	var backend classifier.Classifier

	switch mc.Backend {
	case config.BackendGRPC:
		remote, err := grpcclient.DialClassifier(ctx, mc.GRPCAddress, logger)
		if err != nil {
			logger.Fatal("failed to connect to inference server", zap.String("addr", mc.GRPCAddress), zap.Error(err))
		}
		backend = remote
	default:
		src, err := artifact.NewSource(mc, logger)
		if err != nil {
			logger.Fatal("invalid model source", zap.Error(err))
		}
		modelPath, err := src.Fetch(ctx)
		if err != nil {
			logger.Fatal("failed to load model", zap.String("source", src.String()), zap.Error(fmt.Errorf("%w: %w", lesion.ErrModelLoad, err)))
		}
		logger.Info("Loading model", zap.String("source", src.String()), zap.String("path", modelPath))

		shape := make([]int64, 0, len(pre.Shape()))
		for _, d := range pre.Shape() {
			shape = append(shape, int64(d))
		}
		onnx, err := classifier.NewONNXClassifier(modelPath, classifier.ONNXConfig{
			LibraryPath: mc.LibraryPath,
			InputName:   mc.InputName,
			OutputName:  mc.OutputName,
			InputShape:  shape,
			Classes:     lesion.NumClasses,
		}, logger)
		if err != nil {
			logger.Fatal("failed to load model", zap.Error(err))
		}
		backend = onnx
	}

	return classifier.WithTimeout(backend, mc.InferenceTimeout, lesion.NumClasses)
}

func initDatabase(ctx context.Context, dc config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dc.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(dc.MaxIdleConns)
	sqlDB.SetMaxOpenConns(dc.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, rc config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// listenFirst binds the first port in ports that is free.
func listenFirst(host string, ports []int, logger *zap.Logger) (net.Listener, error) {
	var lastErr error
	for _, port := range ports {
		logger.Info("Attempting to start server", zap.Int("port", port))
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		logger.Error("Port failed", zap.Int("port", port), zap.Error(err))
		lastErr = err
	}
	if lastErr == nil {
		return nil, errors.New("no ports configured")
	}
	return nil, fmt.Errorf("all ports failed, free a port or check permissions: %w", lastErr)
}

func serveHTTPServerWithListener(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
