package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/lesion-check/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func newMockRepository(t *testing.T) (*PredictionRepository, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open gorm: %v", err)
	}

	repo := NewPredictionRepository(db, zap.NewNop())
	repo.initialBackoff = time.Millisecond
	repo.maxBackoff = 2 * time.Millisecond
	return repo, mock
}

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &PredictionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryGivesUpAfterAttempts(t *testing.T) {
	repo := &PredictionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-3", func() error {
		attempts++
		return transientTestError{}
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, transientTestError{}) {
		t.Fatalf("expected transient error to be preserved, got %v", err)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &PredictionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestSaveLogInsertsRow(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "prediction_logs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	log := &PredictionLog{
		RequestID:   "req-1",
		Label:       "Melanoma",
		ClassIndex:  0,
		Confidence:  0.91,
		ImageSHA256: "abc",
		LatencyMs:   12,
		CreatedAt:   time.Now().UTC(),
	}
	if err := repo.SaveLog(context.Background(), log); err != nil {
		t.Fatalf("save log: %v", err)
	}
	if log.ID != 7 {
		t.Fatalf("expected id 7, got %d", log.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByRequestID(t *testing.T) {
	repo, mock := newMockRepository(t)

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "request_id", "label", "class_index", "confidence", "low_confidence", "image_sha256", "latency_ms", "created_at"}).
		AddRow(3, "req-9", "Dermatofibroma", 5, 0.42, false, "ff", 30, created)
	mock.ExpectQuery(`SELECT \* FROM "prediction_logs" WHERE request_id = \$1`).WillReturnRows(rows)

	log, err := repo.FindByRequestID(context.Background(), "req-9")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if log.Label != "Dermatofibroma" || log.ClassIndex != 5 || log.Confidence != 0.42 {
		t.Fatalf("unexpected log: %+v", log)
	}
	if !log.CreatedAt.Equal(created) {
		t.Fatalf("unexpected created_at: %v", log.CreatedAt)
	}
}

func TestFindByRequestIDNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT \* FROM "prediction_logs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id"}))

	_, err := repo.FindByRequestID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAggregateMetrics(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS total_count`).
		WillReturnRows(sqlmock.NewRows([]string{"total_count", "low_confidence_count", "average_confidence", "average_latency_ms"}).
			AddRow(10, 4, 0.55, 18.5))

	agg, err := repo.AggregateMetrics(context.Background())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.TotalCount != 10 || agg.LowConfidenceCount != 4 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
	if agg.AverageConfidence != 0.55 || agg.AverageLatencyMs != 18.5 {
		t.Fatalf("unexpected averages: %+v", agg)
	}
}
