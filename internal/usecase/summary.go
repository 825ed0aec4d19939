package usecase

import (
	"context"
	"errors"
)

// ErrSummaryUnavailable is returned when prediction logging is disabled.
var ErrSummaryUnavailable = errors.New("prediction log disabled")

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalPredictions  int64   `json:"total_predictions"`
	LowConfidence     int64   `json:"low_confidence_predictions"`
	LowConfidenceRate float64 `json:"low_confidence_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates prediction metrics from persisted logs.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrSummaryUnavailable
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalPredictions:  aggregation.TotalCount,
		LowConfidence:     aggregation.LowConfidenceCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.LowConfidenceRate = float64(aggregation.LowConfidenceCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
