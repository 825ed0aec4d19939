package trainplot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// ErrMissingSeries is returned when the history lacks either accuracy series.
var ErrMissingSeries = errors.New("history lacks accuracy and val_accuracy")

// Render draws train and validation accuracy per epoch and saves the image to out.
// The format follows the file extension.
func Render(h History, out string) error {
	if !h.HasAccuracy() {
		return ErrMissingSeries
	}

	p := plot.New()
	p.Title.Text = "Training History"
	p.X.Label.Text = "Epochs"
	p.Y.Label.Text = "Accuracy"
	p.Add(plotter.NewGrid())

	if err := plotutil.AddLines(p,
		"Train Accuracy", points(h[TrainKey]),
		"Val Accuracy", points(h[ValKey]),
	); err != nil {
		return fmt.Errorf("add lines: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, out)
}

func points(values []float64) plotter.XYs {
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(i)
		pts[i].Y = v
	}
	return pts
}

// Generate loads the history at historyPath and renders the plot to out. A missing
// or unreadable history, or one without both accuracy series, is logged and
// skipped. Only a failure to draw or write the plot is returned.
func Generate(historyPath, out string, logger *zap.Logger) (bool, error) {
	logger = logger.Named("trainplot").With(zap.String("history", historyPath))

	if _, err := os.Stat(historyPath); err != nil {
		logger.Warn("Training history file not found", zap.Error(err))
		return false, nil
	}

	h, err := LoadHistory(historyPath)
	if err != nil {
		logger.Error("Failed to load training history", zap.Error(err))
		return false, nil
	}
	logger.Info("Loaded training history", zap.Int("series", len(h)))

	if !h.HasAccuracy() {
		logger.Warn("training history has no accuracy series; skipping plot")
		return false, nil
	}

	if err := Render(h, out); err != nil {
		logger.Error("Failed to generate training plot", zap.Error(err))
		return false, err
	}
	logger.Info("Generated training history plot", zap.String("output", out))
	return true, nil
}
