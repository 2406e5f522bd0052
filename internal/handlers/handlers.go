// Package handlers exposes the inference pipeline over HTTP.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Brownie44l1/defect-api/internal/logging"
	"github.com/Brownie44l1/defect-api/internal/metrics"
	"github.com/Brownie44l1/defect-api/internal/model"
)

// DefaultMaxUploadSize bounds the request body of an upload.
const DefaultMaxUploadSize = 10 << 20

// ImageField is the multipart field carrying the uploaded image.
const ImageField = "image"

// Analyzer is the part of model.Server the handlers depend on.
type Analyzer interface {
	State() model.State
	Analyze(ctx context.Context, image []byte) (*model.Result, error)
	PredictPixels(ctx context.Context, pixels []float32) (*model.Result, error)
}

// Options configures a Handler. Zero values fall back to the OS filesystem,
// an "uploads" directory, DefaultMaxUploadSize and a no-op logger.
type Options struct {
	Fs             afero.Fs
	UploadDir      string
	MaxUploadBytes int64
	Logger         *zap.Logger
	Metrics        *metrics.Metrics

	// Gatherer backs GET /metrics; the route is not registered when nil.
	Gatherer prometheus.Gatherer
}

type Handler struct {
	analyzer  Analyzer
	fs        afero.Fs
	uploadDir string
	maxBytes  int64
	logger    *zap.Logger
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
}

// NewHandler prepares the upload directory and returns the handler set.
func NewHandler(analyzer Analyzer, opts Options) (*Handler, error) {
	h := &Handler{
		analyzer:  analyzer,
		fs:        opts.Fs,
		uploadDir: opts.UploadDir,
		maxBytes:  opts.MaxUploadBytes,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
	}
	if h.fs == nil {
		h.fs = afero.NewOsFs()
	}
	if h.uploadDir == "" {
		h.uploadDir = "uploads"
	}
	if h.maxBytes <= 0 {
		h.maxBytes = DefaultMaxUploadSize
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("handlers")

	if err := h.fs.MkdirAll(h.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return h, nil
}

// RegisterRoutes wires the handlers and their middleware to the router.
func RegisterRoutes(router *gin.Engine, h *Handler) {
	router.MaxMultipartMemory = h.maxBytes
	router.Use(RequestID(h.logger, h.metrics), CORS())

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.POST("/analyze", h.Analyze)
	router.POST("/predict", h.Predict)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

// Health always answers 200 and reports the model state.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"model":  h.analyzer.State().String(),
	})
}

// Ready answers 200 only once the model is serving.
func (h *Handler) Ready(c *gin.Context) {
	state := h.analyzer.State()
	if state != model.StateReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": state.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": state.String()})
}

// Analyze classifies the image uploaded in the "image" multipart field.
func (h *Handler) Analyze(c *gin.Context) {
	if h.analyzer.State() != model.StateReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not ready"})
		return
	}

	if c.Request.ContentLength > h.maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)

	file, err := c.FormFile(ImageField)
	defer h.removeMultipartFiles(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image"})
		return
	}

	opLogger := logging.ForOperation(c.Request.Context(), h.logger, "handlers.analyze")
	opLogger.Debug("received file", zap.String("filename", file.Filename), zap.Int64("size", file.Size))

	data, err := h.readUpload(file)
	if err != nil {
		opLogger.Error("failed to stage upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed"})
		return
	}

	result, err := h.analyzer.Analyze(c.Request.Context(), data)
	if err != nil {
		if errors.Is(err, model.ErrNotReady) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not ready"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Predict classifies an already preprocessed NHWC tensor sent as JSON.
func (h *Handler) Predict(c *gin.Context) {
	if h.analyzer.State() != model.StateReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not ready"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	var req model.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	result, err := h.analyzer.PredictPixels(c.Request.Context(), req.Image)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, model.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNotReady):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not ready"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
	}
}

// readUpload stages the upload in the upload directory, reads it back and
// removes the staged copy before returning.
func (h *Handler) readUpload(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	tmp, err := afero.TempFile(h.fs, h.uploadDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	name := tmp.Name()
	defer func() {
		if err := h.fs.Remove(name); err != nil {
			h.logger.Warn("failed to remove staged upload", zap.String("path", name), zap.Error(err))
		}
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	return afero.ReadFile(h.fs, name)
}

// removeMultipartFiles deletes the temp files net/http spills large parts to.
func (h *Handler) removeMultipartFiles(c *gin.Context) {
	if form := c.Request.MultipartForm; form != nil {
		if err := form.RemoveAll(); err != nil {
			h.logger.Warn("failed to remove multipart files", zap.Error(err))
		}
	}
}
