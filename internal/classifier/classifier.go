// Package classifier runs the trained lesion model over preprocessed tensors.
package classifier

import (
	"context"
	"fmt"
	"time"

	"gorgonia.org/tensor"

	"github.com/example/lesion-check/internal/lesion"
)

// Classifier maps an image tensor to a probability distribution over the lesion classes.
type Classifier interface {
	Classify(ctx context.Context, input *tensor.Dense) ([]float32, error)
	Close() error
}

// Bounded limits every call to a timeout and checks the distribution length.
type Bounded struct {
	inner   Classifier
	timeout time.Duration
	classes int
}

// WithTimeout wraps c. A non-positive timeout disables the deadline.
func WithTimeout(c Classifier, timeout time.Duration, classes int) *Bounded {
	return &Bounded{inner: c, timeout: timeout, classes: classes}
}

type classifyResult struct {
	distribution []float32
	err          error
}

// Classify runs the wrapped classifier and gives up once the deadline passes. Backends
// that ignore ctx keep running in the background until they return.
func (b *Bounded) Classify(ctx context.Context, input *tensor.Dense) ([]float32, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	done := make(chan classifyResult, 1)
	go func() {
		dist, err := b.inner.Classify(ctx, input)
		done <- classifyResult{distribution: dist, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", lesion.ErrInference, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %w", lesion.ErrInference, res.err)
		}
		if b.classes > 0 && len(res.distribution) != b.classes {
			return nil, fmt.Errorf("%w: expected %d probabilities, got %d", lesion.ErrInference, b.classes, len(res.distribution))
		}
		return res.distribution, nil
	}
}

// Close releases the wrapped classifier.
func (b *Bounded) Close() error {
	return b.inner.Close()
}
