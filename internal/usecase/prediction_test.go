package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/example/lesion-check/internal/lesion"
	"github.com/example/lesion-check/internal/logging"
	"github.com/example/lesion-check/internal/metrics"
	"github.com/example/lesion-check/internal/repository"
)

type stubRepository struct {
	savedLogs []*repository.PredictionLog
	saveErr   error
	findLog   *repository.PredictionLog
	findErr   error
	findCalls int
	agg       *repository.Aggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.PredictionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.Aggregation, error) {
	if s.agg == nil {
		return nil, errors.New("no aggregation")
	}
	return s.agg, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubPreprocessor struct {
	err   error
	calls int
}

func (s *stubPreprocessor) Preprocess(data []byte) (*tensor.Dense, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return tensor.New(tensor.WithShape(1, 1), tensor.WithBacking([]float32{0})), nil
}

type stubClassifier struct {
	distribution []float32
	err          error
	calls        int
}

func (s *stubClassifier) Classify(ctx context.Context, input *tensor.Dense) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.distribution, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func melanoma() []float32 {
	return []float32{0.82, 0.1, 0.02, 0.02, 0.01, 0.01, 0.01, 0.01}
}

func newTestUseCase(cls Classifier, opts ...Option) *PredictionUseCase {
	uc := NewPredictionUseCase(&stubPreprocessor{}, cls, zap.NewNop(), opts...)
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

func TestPredictLabelsImage(t *testing.T) {
	repo := &stubRepository{}
	cls := &stubClassifier{distribution: melanoma()}
	m := metrics.New()
	uc := newTestUseCase(cls, WithRepository(repo), WithMetrics(m))

	outcome, err := uc.Predict(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.Prediction.Label != "Melanoma" {
		t.Fatalf("unexpected label: %s", outcome.Prediction.Label)
	}
	if outcome.Prediction.ConfidencePercent() != "82.00%" {
		t.Fatalf("unexpected confidence: %s", outcome.Prediction.ConfidencePercent())
	}
	if outcome.RequestID == "" {
		t.Fatal("expected a request id")
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].RequestID != outcome.RequestID {
		t.Fatalf("expected log for %s, got %+v", outcome.RequestID, repo.savedLogs)
	}
	if got := testutil.ToFloat64(m.PredictedLabels.WithLabelValues("Melanoma")); got != 1 {
		t.Fatalf("expected label counter 1, got %v", got)
	}
}

func TestPredictLowConfidence(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(&stubClassifier{distribution: []float32{0.05, 0.05, 0.05, 0.05, 0.05, 0.05, 0.05, 0.05}}, WithRepository(repo))

	outcome, err := uc.Predict(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.Prediction.Label != lesion.LowConfidenceLabel || outcome.Prediction.Advisory == "" {
		t.Fatalf("expected advisory, got %+v", outcome.Prediction)
	}
	if !repo.savedLogs[0].LowConfidence {
		t.Fatal("expected log to be flagged low confidence")
	}
}

func TestPredictWrapsPreprocessError(t *testing.T) {
	cls := &stubClassifier{distribution: melanoma()}
	uc := NewPredictionUseCase(&stubPreprocessor{err: lesion.ErrDecode}, cls, zap.NewNop())

	_, err := uc.Predict(context.Background(), []byte("garbage"))
	if !errors.Is(err, lesion.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.preprocess" {
		t.Fatalf("expected preprocess OperationError, got %v", err)
	}
	if cls.calls != 0 {
		t.Fatalf("classifier must not run after a preprocess failure, got %d calls", cls.calls)
	}
}

func TestPredictWrapsInferenceError(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(&stubClassifier{err: lesion.ErrInference}, WithRepository(repo))

	_, err := uc.Predict(context.Background(), []byte("image"))
	if !errors.Is(err, lesion.ErrInference) {
		t.Fatalf("expected inference error, got %v", err)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatalf("failed predictions must not be logged, got %d", len(repo.savedLogs))
	}
}

func TestPredictSurvivesRepositoryAndCacheFailures(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	cache := &stubCache{
		getErrs: []error{errors.New("boom")},
		setErrs: []error{errors.New("boom"), errors.New("boom")},
	}
	uc := newTestUseCase(&stubClassifier{distribution: melanoma()}, WithRepository(repo), WithCache(cache, time.Minute))

	outcome, err := uc.Predict(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("expected success despite failures, got %v", err)
	}
	if outcome.Prediction.Label != "Melanoma" {
		t.Fatalf("unexpected label: %s", outcome.Prediction.Label)
	}
}

func TestPredictRetriesRedisSet(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}, setErrs: []error{transientRedisError{}}}
	uc := newTestUseCase(&stubClassifier{distribution: melanoma()}, WithCache(cache, time.Minute))

	if _, err := uc.Predict(context.Background(), []byte("image")); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) != 3 {
		t.Fatalf("expected 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
}

func TestPredictCacheHitSkipsClassifier(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	cls := &stubClassifier{distribution: melanoma()}
	m := metrics.New()
	uc := newTestUseCase(cls, WithCache(NewRedisCache(client), time.Hour), WithMetrics(m))

	first, err := uc.Predict(context.Background(), []byte("same-bytes"))
	if err != nil {
		t.Fatalf("first predict: %v", err)
	}
	second, err := uc.Predict(context.Background(), []byte("same-bytes"))
	if err != nil {
		t.Fatalf("second predict: %v", err)
	}

	if cls.calls != 1 {
		t.Fatalf("expected classifier to run once, got %d", cls.calls)
	}
	if !second.Cached || first.Cached {
		t.Fatalf("expected only the second call to hit the cache: %v %v", first.Cached, second.Cached)
	}
	if second.RequestID == first.RequestID {
		t.Fatal("each request needs its own id")
	}
	if second.Prediction != first.Prediction {
		t.Fatalf("cached prediction differs: %+v vs %+v", second.Prediction, first.Prediction)
	}
	if !server.Exists(predictionKey(first.ImageSHA256)) {
		t.Fatal("expected prediction key in redis")
	}
	if ttl := server.TTL(resultKey(second.RequestID)); ttl != time.Hour {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
	if hits := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); hits != 1 {
		t.Fatalf("expected one cache hit, got %v", hits)
	}
}

func TestGetResultReadsCache(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := &stubRepository{}
	uc := newTestUseCase(&stubClassifier{distribution: melanoma()}, WithCache(NewRedisCache(client), time.Hour), WithRepository(repo))

	outcome, err := uc.Predict(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	stored, err := uc.GetResult(context.Background(), outcome.RequestID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if stored.Prediction != outcome.Prediction {
		t.Fatalf("expected %+v, got %+v", outcome.Prediction, stored.Prediction)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected cache to answer, repository queried %d times", repo.findCalls)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	repo := &stubRepository{findLog: &repository.PredictionLog{
		RequestID:     "req",
		Label:         lesion.LowConfidenceLabel,
		ClassIndex:    2,
		Confidence:    0.2,
		LowConfidence: true,
	}}
	uc := newTestUseCase(&stubClassifier{}, WithCache(cache, time.Minute), WithRepository(repo))

	outcome, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.RequestID != "req" || outcome.Prediction.Advisory != lesion.LowConfidenceAdvisory {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultUnknown(t *testing.T) {
	uc := newTestUseCase(&stubClassifier{}, WithRepository(&stubRepository{}))

	if _, err := uc.GetResult(context.Background(), "nope"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}

	bare := newTestUseCase(&stubClassifier{})
	if _, err := bare.GetResult(context.Background(), "nope"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound without repository, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.Aggregation{
		TotalCount:         8,
		LowConfidenceCount: 2,
		AverageConfidence:  0.6,
		AverageLatencyMs:   15,
	}}
	uc := newTestUseCase(&stubClassifier{}, WithRepository(repo))

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.LowConfidenceRate != 0.25 || summary.TotalPredictions != 8 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	if _, err := newTestUseCase(&stubClassifier{}).GetMetricsSummary(context.Background()); !errors.Is(err, ErrSummaryUnavailable) {
		t.Fatalf("expected ErrSummaryUnavailable, got %v", err)
	}
}

func TestWithRedisRetry(t *testing.T) {
	uc := newTestUseCase(&stubClassifier{})

	t.Run("cache miss is not retried", func(t *testing.T) {
		calls := 0
		err := uc.withRedisRetry(context.Background(), "req-1", "cache.get.result", func() error {
			calls++
			return redis.Nil
		})
		if !errors.Is(err, redis.Nil) {
			t.Fatalf("expected redis.Nil, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("expected 1 call, got %d", calls)
		}
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		calls := 0
		err := uc.withRedisRetry(context.Background(), "req-2", "cache.set.result", func() error {
			calls++
			return errors.New("WRONGTYPE")
		})
		var opErr *logging.OperationError
		if !errors.As(err, &opErr) || opErr.Operation != "cache.set.result" || opErr.RequestID != "req-2" {
			t.Fatalf("expected OperationError for cache.set.result, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("expected 1 call, got %d", calls)
		}
	})

	t.Run("transient error exhausts attempts", func(t *testing.T) {
		calls := 0
		err := uc.withRedisRetry(context.Background(), "req-3", "cache.set.prediction", func() error {
			calls++
			return transientRedisError{}
		})
		if !errors.Is(err, transientRedisError{}) {
			t.Fatalf("expected transient error to surface, got %v", err)
		}
		if calls != uc.retryAttempts {
			t.Fatalf("expected %d calls, got %d", uc.retryAttempts, calls)
		}
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := uc.withRedisRetry(ctx, "req-4", "cache.set.prediction", func() error {
			calls++
			cancel()
			return transientRedisError{}
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("expected 1 call, got %d", calls)
		}
	})
}
