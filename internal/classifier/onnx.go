package classifier

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/example/lesion-check/internal/lesion"
)

// ONNXConfig describes the exported model's signature.
type ONNXConfig struct {
	// LibraryPath points at the onnxruntime shared library; empty uses the platform default.
	LibraryPath string
	InputName   string
	OutputName  string
	InputShape  []int64
	Classes     int64
}

// ONNXClassifier runs a model through ONNX Runtime. The session is bound to one
// input and one output tensor, so runs are serialized through a single slot.
type ONNXClassifier struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	slot    chan struct{}
	logger  *zap.Logger
}

// NewONNXClassifier initializes the runtime and loads modelPath. Any failure is
// reported as lesion.ErrModelLoad.
func NewONNXClassifier(modelPath string, cfg ONNXConfig, logger *zap.Logger) (*ONNXClassifier, error) {
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: initialize onnx environment: %w", lesion.ErrModelLoad, err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: create input tensor: %w", lesion.ErrModelLoad, err)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, cfg.Classes))
	if err != nil {
		input.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: create output tensor: %w", lesion.ErrModelLoad, err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: create onnx session from %s: %w", lesion.ErrModelLoad, modelPath, err)
	}

	logger.Info("onnx model loaded",
		zap.String("path", modelPath),
		zap.Int64s("input_shape", cfg.InputShape),
		zap.Int64("classes", cfg.Classes))

	return &ONNXClassifier{
		session: session,
		input:   input,
		output:  output,
		slot:    make(chan struct{}, 1),
		logger:  logger,
	}, nil
}

// Classify copies input into the session tensor, runs the model and returns a copy
// of the output distribution.
func (c *ONNXClassifier) Classify(ctx context.Context, input *tensor.Dense) ([]float32, error) {
	data, ok := input.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %s", input.Dtype())
	}

	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.slot }()

	dst := c.input.GetData()
	if len(dst) != len(data) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(data), len(dst))
	}
	copy(dst, data)

	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	out := c.output.GetData()
	distribution := make([]float32, len(out))
	copy(distribution, out)
	return distribution, nil
}

// Close destroys the session, its tensors and the runtime environment.
func (c *ONNXClassifier) Close() error {
	c.slot <- struct{}{}
	if c.session != nil {
		c.session.Destroy()
	}
	if c.input != nil {
		c.input.Destroy()
	}
	if c.output != nil {
		c.output.Destroy()
	}
	return ort.DestroyEnvironment()
}
