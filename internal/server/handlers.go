package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ubuygold/gpugate/internal/aggregator"
	"github.com/ubuygold/gpugate/internal/auth"
	"github.com/ubuygold/gpugate/internal/gateway"
	"github.com/ubuygold/gpugate/internal/ocr"
)

// Generator is the generic generation path.
type Generator interface {
	Generate(ctx context.Context, owner, requestID string, req gateway.Request) (*gateway.Result, error)
}

// Recognizer is the vision OCR path.
type Recognizer interface {
	Recognize(ctx context.Context, owner, requestID string, req ocr.Request) ocr.Result
	RecognizeFile(ctx context.Context, owner, requestID, contentType string, file io.Reader, req ocr.Request) (ocr.Result, error)
}

// PaddleRecognizer proxies uploads to the dedicated OCR service.
type PaddleRecognizer interface {
	Recognize(ctx context.Context, filename, contentType string, file io.Reader) (ocr.PaddleResult, error)
}

// Aggregator serves the fan-out routes.
type Aggregator interface {
	ListModels(ctx context.Context) ([]aggregator.ModelInfo, error)
	Health(ctx context.Context) aggregator.Health
}

type GenerateRequest struct {
	Model       string         `json:"model" binding:"required"`
	Prompt      string         `json:"prompt"`
	Stream      bool           `json:"stream"`
	Options     map[string]any `json:"options"`
	Images      []string       `json:"images"`
	Temperature *float64       `json:"temperature"`
}

type OCRRequest struct {
	ImageBase64 string   `json:"image_base64"`
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	TopP        *float64 `json:"top_p"`
}

type Handler struct {
	generator  Generator
	recognizer Recognizer
	paddle     PaddleRecognizer
	aggregator Aggregator
	logger     *slog.Logger
}

func NewHandler(generator Generator, recognizer Recognizer, paddle PaddleRecognizer, agg Aggregator, log *slog.Logger) *Handler {
	return &Handler{
		generator:  generator,
		recognizer: recognizer,
		paddle:     paddle,
		aggregator: agg,
		logger:     log.With("component", "server"),
	}
}

func (h *Handler) ListModelsHandler(c *gin.Context) {
	models, err := h.aggregator.ListModels(c.Request.Context())
	if err != nil {
		if errors.Is(err, aggregator.ErrNoBackendsReachable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no backends reachable"})
			return
		}
		h.logger.Error("Failed to list models", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve models"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (h *Handler) GenerateHandler(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	res, err := h.generator.Generate(c.Request.Context(), auth.OwnerFromContext(c), RequestIDFromContext(c), gateway.Request{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Stream:      req.Stream,
		Options:     req.Options,
		Images:      req.Images,
		Temperature: req.Temperature,
	})
	if err != nil {
		h.writeGatewayError(c, err)
		return
	}
	c.Data(http.StatusOK, res.ContentType, res.Body)
}

func (h *Handler) writeGatewayError(c *gin.Context, err error) {
	var (
		unsupported *gateway.UnsupportedModelError
		timeout     *gateway.TimeoutError
		unreachable *gateway.UnreachableError
		status      *gateway.StatusError
	)
	switch {
	case errors.As(err, &unsupported):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "supported_models": unsupported.Supported})
	case errors.Is(err, gateway.ErrImagesNotSupported):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &timeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.As(err, &unreachable):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Backend connection error: " + unreachable.Err.Error()})
	case errors.As(err, &status):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Generation failed", "request_id", RequestIDFromContext(c), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func (h *Handler) OCRHandler(c *gin.Context) {
	var req OCRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	res := h.recognizer.Recognize(c.Request.Context(), auth.OwnerFromContext(c), RequestIDFromContext(c), ocr.Request{
		ImageBase64: req.ImageBase64,
		Prompt:      req.Prompt,
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})
	c.JSON(http.StatusOK, res)
}

func (h *Handler) OCRFileHandler(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	req := ocr.Request{
		Prompt: formOrQuery(c, "prompt"),
		Model:  formOrQuery(c, "model"),
	}
	if req.Temperature, err = floatParam(c, "temperature"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "temperature must be a number"})
		return
	}
	if req.TopP, err = floatParam(c, "top_p"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "top_p must be a number"})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File processing error: " + err.Error()})
		return
	}
	defer file.Close()

	res, err := h.recognizer.RecognizeFile(c.Request.Context(), auth.OwnerFromContext(c), RequestIDFromContext(c), header.Header.Get("Content-Type"), file, req)
	if errors.Is(err, ocr.ErrNotImage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only image files are supported"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) PaddleOCRHandler(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File processing error: " + err.Error()})
		return
	}
	defer file.Close()

	res, err := h.paddle.Recognize(c.Request.Context(), header.Filename, header.Header.Get("Content-Type"), file)
	if errors.Is(err, ocr.ErrNotImage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only image files are supported"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.aggregator.Health(c.Request.Context()))
}

// formOrQuery reads a multipart form field, falling back to the query string.
func formOrQuery(c *gin.Context, name string) string {
	if v, ok := c.GetPostForm(name); ok {
		return v
	}
	return c.Query(name)
}

func floatParam(c *gin.Context, name string) (*float64, error) {
	raw := formOrQuery(c, name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
