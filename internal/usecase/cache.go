package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/lesion-check/internal/lesion"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Keyed by image digest: identical bytes always classify the same way.
func predictionKey(sha string) string { return "prediction:" + sha }

func resultKey(requestID string) string { return "result:" + requestID }

type cachedPrediction struct {
	RequestID  string    `json:"request_id,omitempty"`
	Label      string    `json:"label"`
	Index      int       `json:"index"`
	Confidence float64   `json:"confidence"`
	Advisory   string    `json:"advisory,omitempty"`
	Hash       string    `json:"sha256"`
	CreatedAt  time.Time `json:"created_at"`
}

func encodeOutcome(o *Outcome) (string, error) {
	payload := cachedPrediction{
		RequestID:  o.RequestID,
		Label:      o.Prediction.Label,
		Index:      o.Prediction.Index,
		Confidence: o.Prediction.Confidence,
		Advisory:   o.Prediction.Advisory,
		Hash:       o.ImageSHA256,
		CreatedAt:  o.CreatedAt,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeOutcome(raw string) (*Outcome, error) {
	var payload cachedPrediction
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return &Outcome{
		RequestID: payload.RequestID,
		Prediction: lesion.Prediction{
			Label:      payload.Label,
			Index:      payload.Index,
			Confidence: payload.Confidence,
			Advisory:   payload.Advisory,
		},
		ImageSHA256: payload.Hash,
		CreatedAt:   payload.CreatedAt,
	}, nil
}
