package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/lesion-check/internal/backoff"
	"github.com/example/lesion-check/internal/logging"
)

// ErrNotFound is returned when no prediction log matches a lookup.
var ErrNotFound = errors.New("prediction log not found")

// PredictionLog represents a persisted prediction.
type PredictionLog struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Label         string    `gorm:"column:label;size:64"`
	ClassIndex    int       `gorm:"column:class_index"`
	Confidence    float64   `gorm:"column:confidence"`
	LowConfidence bool      `gorm:"column:low_confidence"`
	ImageSHA256   string    `gorm:"column:image_sha256;index;size:64"`
	LatencyMs     int64     `gorm:"column:latency_ms"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// Aggregation holds summary statistics across all stored predictions.
type Aggregation struct {
	TotalCount         int64
	LowConfidenceCount int64
	AverageConfidence  float64
	AverageLatencyMs   float64
}

// PredictionRepository provides persistence APIs for prediction logs.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
	})
}

// SaveLog persists a prediction log entry.
func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the prediction stored for a request.
func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarises every stored prediction.
func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var agg Aggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&PredictionLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN low_confidence THEN 1 ELSE 0 END), 0) AS low_confidence_count, " +
				"COALESCE(AVG(confidence), 0) AS average_confidence, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	attempt := 0
	err := retry.Do(ctx, backoff.New(r.retryAttempts, r.initialBackoff, r.maxBackoff), func(ctx context.Context) error {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if backoff.IsTransient(err) {
			opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt))
		}
		return logging.NewOperationError(operation, requestID, err)
	}
	return nil
}
