package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/example/lesion-check/internal/backoff"
	"github.com/example/lesion-check/internal/lesion"
	"github.com/example/lesion-check/internal/logging"
	"github.com/example/lesion-check/internal/metrics"
	"github.com/example/lesion-check/internal/repository"
)

// ErrResultNotFound is returned when a request id is unknown to both cache and repository.
var ErrResultNotFound = errors.New("result not found")

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

type Preprocessor interface {
	Preprocess(data []byte) (*tensor.Dense, error)
}

type Classifier interface {
	Classify(ctx context.Context, input *tensor.Dense) ([]float32, error)
}

// Outcome is a finished prediction together with its bookkeeping.
type Outcome struct {
	RequestID   string
	Prediction  lesion.Prediction
	ImageSHA256 string
	Cached      bool
	Latency     time.Duration
	CreatedAt   time.Time
}

// PredictionUseCase runs the preprocess, classify and decide pipeline.
type PredictionUseCase struct {
	preprocessor Preprocessor
	classifier   Classifier
	repo         PredictionRepository
	cache        Cache
	cacheTTL     time.Duration
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	logger       *zap.Logger
	now          func() time.Time

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures optional collaborators of the use case.
type Option func(*PredictionUseCase)

// WithRepository enables prediction logging.
func WithRepository(repo PredictionRepository) Option {
	return func(uc *PredictionUseCase) { uc.repo = repo }
}

// WithCache enables result caching with the given TTL.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(uc *PredictionUseCase) {
		uc.cache = cache
		uc.cacheTTL = ttl
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(uc *PredictionUseCase) { uc.metrics = m }
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(preprocessor Preprocessor, classifier Classifier, logger *zap.Logger, opts ...Option) *PredictionUseCase {
	uc := &PredictionUseCase{
		preprocessor:   preprocessor,
		classifier:     classifier,
		cacheTTL:       24 * time.Hour,
		tracer:         otel.Tracer("github.com/example/lesion-check/internal/usecase"),
		logger:         logger.Named("prediction_usecase"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Predict classifies one uploaded image. Cache and repository failures are logged
// and never fail the prediction.
func (uc *PredictionUseCase) Predict(ctx context.Context, imageBytes []byte) (*Outcome, error) {
	start := uc.now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)
	opLogger.Info("image received", zap.Int("bytes", len(imageBytes)))

	digest := sha256.Sum256(imageBytes)
	hash := hex.EncodeToString(digest[:])

	outcome, hit := uc.lookupPrediction(ctx, requestID, hash)
	if !hit {
		prediction, err := uc.classify(ctx, requestID, imageBytes)
		if err != nil {
			uc.metrics.ObservePrediction(metrics.OutcomeError, "")
			opLogger.Error("prediction failed", zap.Error(err))
			return nil, err
		}
		outcome = &Outcome{Prediction: prediction, ImageSHA256: hash}
	}
	outcome.RequestID = requestID
	outcome.Cached = hit
	outcome.CreatedAt = uc.now().UTC()
	outcome.Latency = uc.now().Sub(start)

	p := outcome.Prediction
	if p.LowConfidence() {
		uc.metrics.ObservePrediction(metrics.OutcomeLowConfidence, "")
		opLogger.Info("Prediction: Low confidence ("+p.ConfidencePercent()+")", zap.Bool("cached", hit))
	} else {
		uc.metrics.ObservePrediction(metrics.OutcomeLabeled, p.Label)
		opLogger.Info("Prediction: "+p.Label+" (Confidence: "+p.ConfidencePercent()+")",
			zap.Int("class_index", p.Index), zap.Bool("cached", hit))
	}

	uc.record(ctx, outcome)
	return outcome, nil
}

func (uc *PredictionUseCase) classify(ctx context.Context, requestID string, imageBytes []byte) (lesion.Prediction, error) {
	_, span := uc.tracer.Start(ctx, "preprocess", trace.WithAttributes(attribute.Int("image.bytes", len(imageBytes))))
	input, err := uc.preprocessor.Preprocess(imageBytes)
	endSpan(span, err)
	if err != nil {
		return lesion.Prediction{}, logging.NewOperationError("usecase.preprocess", requestID, err)
	}

	classifyCtx, span := uc.tracer.Start(ctx, "classify")
	inferStart := time.Now()
	distribution, err := uc.classifier.Classify(classifyCtx, input)
	uc.metrics.ObserveInference(time.Since(inferStart))
	endSpan(span, err)
	if err != nil {
		return lesion.Prediction{}, logging.NewOperationError("usecase.classify", requestID, err)
	}

	return lesion.Decide(distribution), nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (uc *PredictionUseCase) lookupPrediction(ctx context.Context, requestID, hash string) (*Outcome, bool) {
	if uc.cache == nil {
		return nil, false
	}

	raw, err := uc.withRedisGet(ctx, requestID, "cache.get.prediction", predictionKey(hash))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.predict", requestID).Warn("failed to read cache", zap.Error(err))
		}
		uc.metrics.ObserveCache(false)
		return nil, false
	}

	outcome, err := decodeOutcome(raw)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.predict", requestID).Warn("failed to decode cached prediction", zap.Error(err))
		uc.metrics.ObserveCache(false)
		return nil, false
	}
	uc.metrics.ObserveCache(true)
	return outcome, true
}

// record persists and caches a finished outcome.
func (uc *PredictionUseCase) record(ctx context.Context, outcome *Outcome) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", outcome.RequestID)

	if uc.repo != nil {
		p := outcome.Prediction
		log := &repository.PredictionLog{
			RequestID:     outcome.RequestID,
			Label:         p.Label,
			ClassIndex:    p.Index,
			Confidence:    p.Confidence,
			LowConfidence: p.LowConfidence(),
			ImageSHA256:   outcome.ImageSHA256,
			LatencyMs:     outcome.Latency.Milliseconds(),
			CreatedAt:     outcome.CreatedAt,
		}
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Warn("failed to persist prediction log", zap.Error(err))
		}
	}

	if uc.cache == nil {
		return
	}
	serialized, err := encodeOutcome(outcome)
	if err != nil {
		opLogger.Warn("failed to serialize prediction", zap.Error(err))
		return
	}
	if !outcome.Cached {
		if err := uc.withRedisRetry(ctx, outcome.RequestID, "cache.set.prediction", func() error {
			return uc.cache.Set(ctx, predictionKey(outcome.ImageSHA256), serialized, uc.cacheTTL)
		}); err != nil {
			opLogger.Warn("failed to cache prediction", zap.Error(err))
		}
	}
	if err := uc.withRedisRetry(ctx, outcome.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(outcome.RequestID), serialized, uc.cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache result", zap.Error(err))
	}
}

// GetResult retrieves a previous outcome from the cache or, failing that, persistence.
func (uc *PredictionUseCase) GetResult(ctx context.Context, requestID string) (*Outcome, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID))
		if err == nil {
			outcome, decodeErr := decodeOutcome(cached)
			if decodeErr == nil {
				outcome.RequestID = requestID
				return outcome, nil
			}
			opLogger.Warn("failed to decode cached result", zap.Error(decodeErr))
		} else if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultNotFound)
	}

	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, logging.NewOperationError("usecase.get_result", requestID, ErrResultNotFound)
		}
		return nil, err
	}

	prediction := lesion.Prediction{
		Label:      log.Label,
		Index:      log.ClassIndex,
		Confidence: log.Confidence,
	}
	if log.LowConfidence {
		prediction.Advisory = lesion.LowConfidenceAdvisory
	}
	return &Outcome{
		RequestID:   log.RequestID,
		Prediction:  prediction,
		ImageSHA256: log.ImageSHA256,
		Latency:     time.Duration(log.LatencyMs) * time.Millisecond,
		CreatedAt:   log.CreatedAt,
	}, nil
}

// withRedisRetry retries transient failures of fn. A cache miss (redis.Nil) and
// permanent errors are returned on the first attempt.
func (uc *PredictionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	attempt := 0
	err := retry.Do(ctx, backoff.New(uc.retryAttempts, uc.initialBackoff, uc.maxBackoff), func(ctx context.Context) error {
		attempt++
		err := fn()
		switch {
		case err == nil:
			if attempt > 1 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		case errors.Is(err, redis.Nil):
			return err
		case backoff.IsTransient(err):
			opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt))
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt))
		}
		return logging.NewOperationError(operation, requestID, err)
	}
	return nil
}

func (uc *PredictionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
