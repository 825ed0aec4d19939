package handlers

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/lesion-check/internal/logging"
	"github.com/example/lesion-check/internal/metrics"
	"github.com/example/lesion-check/internal/usecase"
)

// MaxUploadSize bounds the accepted image size.
const MaxUploadSize = 10 << 20

// Room for multipart boundaries and headers on top of the file itself.
const multipartOverhead = 1 << 20

//go:embed templates/form.html
var templateFS embed.FS

var formTemplate = template.Must(template.ParseFS(templateFS, "templates/form.html"))

// Predictor is the use case surface the HTTP layer depends on.
type Predictor interface {
	Predict(ctx context.Context, imageBytes []byte) (*usecase.Outcome, error)
	GetResult(ctx context.Context, requestID string) (*usecase.Outcome, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RouteOptions carries the optional pieces of the router.
type RouteOptions struct {
	// Auth guards the prediction endpoints when non-nil.
	Auth      gin.HandlerFunc
	Metrics   *metrics.Metrics
	StaticDir string
	Logger    *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc Predictor, opts RouteOptions) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("handlers")

	if opts.StaticDir != "" {
		router.Static("/static", opts.StaticDir)
	}

	router.GET("/templates/form.html", func(c *gin.Context) {
		logger.Info("Serving form page at /templates/form.html")
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.Status(http.StatusOK)
		if err := formTemplate.Execute(c.Writer, gin.H{"HistoryPlot": path.Join("/static", "training_plot.png")}); err != nil {
			logger.Error("failed to render form", zap.Error(err))
		}
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	router.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if errors.Is(err, usecase.ErrSummaryUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			logger.Error("failed to aggregate metrics", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	guarded := router.Group("/")
	if opts.Auth != nil {
		guarded.Use(opts.Auth)
	}

	guarded.POST("/predict", func(c *gin.Context) {
		logger.Info("Received prediction request")
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			logger.Warn("No image uploaded in request", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image uploaded"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		src, err := file.Open()
		if err != nil {
			processingError(c, logger, err)
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			processingError(c, logger, err)
			return
		}

		outcome, err := uc.Predict(c.Request.Context(), data)
		if err != nil {
			processingError(c, logger, err)
			return
		}

		c.Header("X-Request-ID", outcome.RequestID)
		c.JSON(http.StatusOK, predictionBody(outcome))
	})

	guarded.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")

		outcome, err := uc.GetResult(c.Request.Context(), requestID)
		if errors.Is(err, usecase.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		if err != nil {
			logger.Error("failed to load result", zap.String("request_id", requestID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}

		body := predictionBody(outcome)
		body["request_id"] = outcome.RequestID
		body["class_index"] = outcome.Prediction.Index
		body["created_at"] = outcome.CreatedAt
		c.JSON(http.StatusOK, body)
	})
}

func predictionBody(outcome *usecase.Outcome) gin.H {
	p := outcome.Prediction
	body := gin.H{
		"prediction": p.Label,
		"confidence": p.ConfidencePercent(),
	}
	if p.Advisory != "" {
		body["message"] = p.Advisory
	}
	return body
}

func processingError(c *gin.Context, logger *zap.Logger, err error) {
	detail := logging.Cause(err).Error()
	logger.Error("Error processing image: "+detail, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Error processing image: " + detail})
}
