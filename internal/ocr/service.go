// Package ocr implements the OCR endpoints. Every outcome, including backend failures,
// is reported as a structured Result with a success flag; callers never see an upstream
// error as an HTTP failure.
package ocr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ubuygold/gpugate/internal/gateway"
	"github.com/ubuygold/gpugate/internal/model"
	"github.com/ubuygold/gpugate/internal/registry"
	"github.com/ubuygold/gpugate/internal/requestlog"
)

// NoTextDetected replaces an empty or whitespace-only recognition result.
const NoTextDetected = "[No text detected]"

const (
	logPromptRunes   = 100
	logResponseRunes = 500
	maxUploadBytes   = 32 << 20
)

// ErrNotImage rejects uploads whose content type is not image/*.
var ErrNotImage = errors.New("only image files are supported")

// Completer issues one upstream generation call without logging it.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Result, error)
}

// LogRecorder receives one entry per successful recognition.
type LogRecorder interface {
	Record(entry model.RequestLog)
}

// Settings are the deployment defaults of the vision OCR path.
type Settings struct {
	DefaultModel       string
	AllowModelOverride bool
	DefaultPrompt      string
	Temperature        float64
	TopP               float64
}

// Request is a vision OCR request. Nil/empty fields fall back to Settings.
type Request struct {
	ImageBase64 string
	Prompt      string
	Model       string
	Temperature *float64
	TopP        *float64
}

// Result is the response body of both vision OCR routes.
type Result struct {
	Success          bool    `json:"success"`
	OCRText          string  `json:"ocr_text"`
	ModelUsed        string  `json:"model_used"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	Error            *string `json:"error"`
}

// Service runs vision OCR through the gateway dispatcher.
type Service struct {
	completer Completer
	recorder  LogRecorder
	settings  Settings
	logger    *slog.Logger
}

func NewService(completer Completer, recorder LogRecorder, settings Settings, logger *slog.Logger) *Service {
	settings.DefaultModel = registry.Normalize(settings.DefaultModel)
	return &Service{
		completer: completer,
		recorder:  recorder,
		settings:  settings,
		logger:    logger.With("component", "ocr"),
	}
}

// clock measures processing time on a monotonic clock from the moment a request arrives.
type clock struct{ started time.Time }

func startClock() clock { return clock{started: time.Now()} }

func (c clock) elapsedMs() float64 {
	ms := float64(time.Since(c.started).Microseconds()) / 1000
	return math.Round(ms*100) / 100
}

func (c clock) fail(modelUsed, format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{
		Success:          false,
		OCRText:          "",
		ModelUsed:        modelUsed,
		ProcessingTimeMs: c.elapsedMs(),
		Error:            &msg,
	}
}

func (s *Service) resolveModel(requested string) string {
	if requested = registry.Normalize(requested); requested != "" && s.settings.AllowModelOverride {
		return requested
	}
	return s.settings.DefaultModel
}

// Recognize extracts the text of a base64 encoded image.
func (s *Service) Recognize(ctx context.Context, owner, requestID string, req Request) Result {
	return s.recognize(ctx, startClock(), owner, requestID, req)
}

// RecognizeFile is the upload adapter: it checks the content type before touching the body,
// encodes the bytes to base64 and delegates to Recognize.
func (s *Service) RecognizeFile(ctx context.Context, owner, requestID, contentType string, file io.Reader, req Request) (Result, error) {
	clk := startClock()
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return Result{}, ErrNotImage
	}

	modelUsed := s.resolveModel(req.Model)
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return clk.fail(modelUsed, "File processing error: %v", err), nil
	}
	if len(data) > maxUploadBytes {
		return clk.fail(modelUsed, "File processing error: file exceeds %d bytes", maxUploadBytes), nil
	}
	if len(data) == 0 {
		return clk.fail(modelUsed, "File processing error: empty file"), nil
	}

	req.ImageBase64 = base64.StdEncoding.EncodeToString(data)
	return s.recognize(ctx, clk, owner, requestID, req), nil
}

func (s *Service) recognize(ctx context.Context, clk clock, owner, requestID string, req Request) Result {
	modelUsed := s.resolveModel(req.Model)

	image, err := normalizeImage(req.ImageBase64)
	if err != nil {
		return clk.fail(modelUsed, "Invalid image: %v", err)
	}

	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = s.settings.DefaultPrompt
	}
	temperature := s.settings.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	topP := s.settings.TopP
	if req.TopP != nil {
		topP = *req.TopP
	}

	res, err := s.completer.Complete(ctx, gateway.Request{
		Model:  modelUsed,
		Prompt: prompt,
		Stream: false,
		Images: []string{image},
		Options: map[string]any{
			"temperature": temperature,
			"top_p":       topP,
		},
	})
	if err != nil {
		s.logger.Warn("OCR failed", "model", modelUsed, "owner", owner, "error", err)
		return s.failure(clk, modelUsed, err)
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = NoTextDetected
	}

	if s.recorder != nil {
		s.recorder.Record(model.RequestLog{
			RequestID: requestID,
			Owner:     owner,
			ModelUsed: res.Model,
			Prompt:    "[OCR] " + requestlog.Truncate(prompt, logPromptRunes) + "...",
			Response:  requestlog.Truncate(text, logResponseRunes),
		})
	}

	return Result{
		Success:          true,
		OCRText:          text,
		ModelUsed:        res.Model,
		ProcessingTimeMs: clk.elapsedMs(),
		Error:            nil,
	}
}

func (s *Service) failure(clk clock, modelUsed string, err error) Result {
	var (
		unsupported *gateway.UnsupportedModelError
		timeout     *gateway.TimeoutError
		unreachable *gateway.UnreachableError
		status      *gateway.StatusError
	)
	switch {
	case errors.As(err, &timeout):
		return clk.fail(modelUsed, "OCR processing timeout (%ss exceeded)", strconv.FormatFloat(timeout.Timeout.Seconds(), 'f', -1, 64))
	case errors.As(err, &unreachable):
		return clk.fail(modelUsed, "Network error: %v", unreachable.Err)
	case errors.As(err, &status):
		return clk.fail(modelUsed, "Backend error: %v", status)
	case errors.As(err, &unsupported):
		return clk.fail(modelUsed, "%v", unsupported)
	default:
		return clk.fail(modelUsed, "Server error: %v", err)
	}
}

// normalizeImage strips an optional data URL prefix and checks the payload is valid base64.
func normalizeImage(raw string) (string, error) {
	image := strings.TrimSpace(raw)
	if strings.HasPrefix(image, "data:") {
		if _, after, ok := strings.Cut(image, ","); ok {
			image = after
		}
	}
	if image == "" {
		return "", errors.New("image_base64 is required")
	}
	if _, err := base64.StdEncoding.DecodeString(image); err != nil {
		return "", fmt.Errorf("image_base64 is not valid base64: %w", err)
	}
	return image, nil
}
