package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ubuygold/gpugate/internal/model"
	"github.com/ubuygold/gpugate/internal/registry"
)

const (
	maxResponseBytes = 64 << 20 // 64 MiB
	maxExcerptBytes  = 512
)

// HTTPClient defines the interface for making HTTP requests.
// This allows for stubbing backends in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// LogRecorder receives one entry per successful generation.
type LogRecorder interface {
	Record(entry model.RequestLog)
}

// Request is a generation request as the gateway sees it.
type Request struct {
	Model       string
	Prompt      string
	Stream      bool
	Options     map[string]any
	Images      []string
	Temperature *float64
}

// Result is a successful backend answer. Body is passed through to the client untouched;
// Text is what the backend generated and is what gets logged.
type Result struct {
	Model       string
	Backend     string
	Body        []byte
	ContentType string
	Text        string
}

// Dispatcher resolves models, calls backends and translates their failures.
type Dispatcher struct {
	registry *registry.Registry
	client   HTTPClient
	timeout  time.Duration
	recorder LogRecorder
	logger   *slog.Logger
}

func NewDispatcher(reg *registry.Registry, client HTTPClient, timeout time.Duration, recorder LogRecorder, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		registry: reg,
		client:   client,
		timeout:  timeout,
		recorder: recorder,
		logger:   logger.With("component", "gateway"),
	}
}

// Timeout is the per-call upstream deadline.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Registry exposes the routing table the dispatcher resolves against.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Generate runs req and, on success, records a request log entry for owner.
func (d *Dispatcher) Generate(ctx context.Context, owner, requestID string, req Request) (*Result, error) {
	result, err := d.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if d.recorder != nil {
		d.recorder.Record(model.RequestLog{
			RequestID: requestID,
			Owner:     owner,
			ModelUsed: result.Model,
			Prompt:    req.Prompt,
			Response:  result.Text,
		})
	}
	return result, nil
}

// Complete resolves the model, issues exactly one upstream call and returns its answer.
// It does not write a request log entry.
func (d *Dispatcher) Complete(ctx context.Context, req Request) (*Result, error) {
	name := registry.Normalize(req.Model)
	backend, ok := d.registry.Resolve(name)
	if !ok {
		return nil, &UnsupportedModelError{Model: req.Model, Supported: d.registry.SupportedModels()}
	}

	strategy := strategyFor(backend.Style)
	payload, err := strategy.Build(name, req)
	if err != nil {
		return nil, err
	}

	body, contentType, err := d.post(ctx, backend.BaseURL+strategy.Path(), payload, d.timeout)
	if err != nil {
		var unreachable *UnreachableError
		if errors.As(err, &unreachable) {
			unreachable.Backend = backend.BaseURL
		}
		d.logger.Warn("Upstream call failed", "model", name, "backend", backend.BaseURL, "error", err)
		return nil, err
	}

	text, err := strategy.Extract(body, req.Stream)
	if err != nil {
		// The body is still passed through; only the logged text is affected.
		d.logger.Warn("Could not extract generated text", "model", name, "backend", backend.BaseURL, "error", err)
	}

	return &Result{
		Model:       name,
		Backend:     backend.BaseURL,
		Body:        body,
		ContentType: contentType,
		Text:        text,
	}, nil
}

// post sends a JSON body with its own deadline and classifies every failure.
func (d *Dispatcher) post(ctx context.Context, url string, payload []byte, timeout time.Duration) ([]byte, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, "", classify(callCtx, err, timeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", classify(callCtx, err, timeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &StatusError{StatusCode: resp.StatusCode, Body: excerpt(body)}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return body, contentType, nil
}

func classify(ctx context.Context, err error, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Timeout: timeout}
	}
	return &UnreachableError{Err: err}
}

func excerpt(body []byte) string {
	b := bytes.TrimSpace(body)
	if len(b) > maxExcerptBytes {
		b = b[:maxExcerptBytes]
	}
	return string(b)
}

// Warmup preloads models on their generate-style backends so the first client request does
// not pay the load cost. Failures are logged and ignored.
func (d *Dispatcher) Warmup(ctx context.Context, models []string, timeout time.Duration) {
	for _, m := range models {
		name := registry.Normalize(m)
		backend, ok := d.registry.Resolve(name)
		if !ok {
			d.logger.Warn("Skipping warm-up of unknown model", "model", m)
			continue
		}
		if backend.Style != registry.StyleGenerate {
			d.logger.Debug("Skipping warm-up of chat-style backend", "model", name, "backend", backend.BaseURL)
			continue
		}

		payload, err := generateStrategy{}.Build(name, Request{Prompt: "warmup"})
		if err != nil {
			continue
		}
		started := time.Now()
		d.logger.Info("Warming up model", "model", name, "backend", backend.BaseURL)
		if _, _, err := d.post(ctx, backend.BaseURL+generateStrategy{}.Path(), payload, timeout); err != nil {
			d.logger.Warn("Warm-up failed (ignored)", "model", name, "backend", backend.BaseURL, "error", err)
			continue
		}
		d.logger.Info("Model loaded", "model", name, "elapsed_ms", time.Since(started).Milliseconds())

		if ctx.Err() != nil {
			return
		}
	}
}
