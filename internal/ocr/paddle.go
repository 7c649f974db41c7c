package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

const maxPaddleResponseBytes = 16 << 20

// HTTPClient defines the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// PaddleBox holds the four corner points of a detected text line.
type PaddleBox struct {
	TopLeft     []int `json:"top_left"`
	TopRight    []int `json:"top_right"`
	BottomRight []int `json:"bottom_right"`
	BottomLeft  []int `json:"bottom_left"`
}

// PaddleLine is one recognized line.
type PaddleLine struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Box        PaddleBox `json:"box"`
}

// PaddleResult is the envelope of the OCR micro-service, returned to clients as is.
type PaddleResult struct {
	Success          bool         `json:"success"`
	Results          []PaddleLine `json:"results"`
	ProcessingTimeMs float64      `json:"processing_time_ms"`
	Error            *string      `json:"error"`
}

// PaddleClient proxies uploads to the PaddleOCR micro-service.
type PaddleClient struct {
	baseURL string
	client  HTTPClient
	timeout time.Duration
	logger  *slog.Logger
}

func NewPaddleClient(baseURL string, client HTTPClient, timeout time.Duration, logger *slog.Logger) *PaddleClient {
	if client == nil {
		client = &http.Client{}
	}
	return &PaddleClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		timeout: timeout,
		logger:  logger.With("component", "paddle"),
	}
}

// Recognize forwards one image to {url}/ocr. Non-image uploads return ErrNotImage before any
// upstream call; every other failure is folded into a PaddleResult with success=false.
func (p *PaddleClient) Recognize(ctx context.Context, filename, contentType string, file io.Reader) (PaddleResult, error) {
	clk := startClock()
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return PaddleResult{}, ErrNotImage
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return paddleFailure(clk, "File processing error: %v", err), nil
	}
	if len(data) > maxUploadBytes {
		return paddleFailure(clk, "File processing error: file exceeds %d bytes", maxUploadBytes), nil
	}

	body, formContentType, err := multipartImage(filename, contentType, data)
	if err != nil {
		return paddleFailure(clk, "File processing error: %v", err), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.baseURL+"/ocr", body)
	if err != nil {
		return paddleFailure(clk, "Server error: %v", err), nil
	}
	req.Header.Set("Content-Type", formContentType)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("PaddleOCR call failed", "url", p.baseURL, "error", err)
		if isTimeout(callCtx, err) {
			return paddleFailure(clk, "PaddleOCR processing timeout (%ss exceeded)", strconv.FormatFloat(p.timeout.Seconds(), 'f', -1, 64)), nil
		}
		return paddleFailure(clk, "Network error: %v", err), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPaddleResponseBytes))
	if err != nil {
		if isTimeout(callCtx, err) {
			return paddleFailure(clk, "PaddleOCR processing timeout (%ss exceeded)", strconv.FormatFloat(p.timeout.Seconds(), 'f', -1, 64)), nil
		}
		return paddleFailure(clk, "Network error: %v", err), nil
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("PaddleOCR returned an error status", "url", p.baseURL, "status", resp.StatusCode)
		return paddleFailure(clk, "PaddleOCR service error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))), nil
	}

	var result PaddleResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return paddleFailure(clk, "Server error: invalid PaddleOCR response: %v", err), nil
	}
	if result.Results == nil && result.Success {
		result.Results = []PaddleLine{}
	}
	return result, nil
}

func multipartImage(filename, contentType string, data []byte) (io.Reader, string, error) {
	if filename == "" {
		filename = "image"
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func paddleFailure(clk clock, format string, args ...any) PaddleResult {
	msg := fmt.Sprintf(format, args...)
	return PaddleResult{
		Success:          false,
		Results:          nil,
		ProcessingTimeMs: clk.elapsedMs(),
		Error:            &msg,
	}
}
