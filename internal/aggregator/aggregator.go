// Package aggregator fans out to every distinct backend for model listing and health probes.
// Individual backend failures are tolerated; only a total outage is an error.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/pagination"
	"golang.org/x/sync/errgroup"

	"github.com/ubuygold/gpugate/internal/registry"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	BackendOnline  = "online"
	BackendOffline = "offline"
)

const maxListingBytes = 8 << 20

// ErrNoBackendsReachable is returned by ListModels when every backend failed.
var ErrNoBackendsReachable = errors.New("no backends reachable")

// HTTPClient defines the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ModelInfo is one entry of the merged model list.
type ModelInfo struct {
	Name       string         `json:"name"`
	Model      string         `json:"model"`
	ModifiedAt string         `json:"modified_at"`
	Size       int64          `json:"size"`
	Digest     string         `json:"digest"`
	Details    map[string]any `json:"details"`
	Backend    string         `json:"backend"`
}

// Health is the response body of the health probe.
type Health struct {
	Status   string            `json:"status"`
	Backends map[string]string `json:"backends"`
	Models   map[string]string `json:"models"`
}

// Aggregator queries backends concurrently.
type Aggregator struct {
	registry *registry.Registry
	client   HTTPClient
	timeout  time.Duration
	logger   *slog.Logger
}

func New(reg *registry.Registry, client HTTPClient, timeout time.Duration, logger *slog.Logger) *Aggregator {
	if client == nil {
		client = &http.Client{}
	}
	return &Aggregator{
		registry: reg,
		client:   client,
		timeout:  timeout,
		logger:   logger.With("component", "aggregator"),
	}
}

// ollama GET /api/tags
type tagsResponse struct {
	Models []struct {
		Name       string         `json:"name"`
		Model      string         `json:"model"`
		ModifiedAt string         `json:"modified_at"`
		Size       int64          `json:"size"`
		Digest     string         `json:"digest"`
		Details    map[string]any `json:"details"`
	} `json:"models"`
}

// ListModels merges the model lists of all backends. Backends are queried concurrently but
// merged in registry order, so the first backend to list a name wins.
func (a *Aggregator) ListModels(ctx context.Context) ([]ModelInfo, error) {
	backends := a.registry.DistinctBackends()
	lists := make([][]ModelInfo, len(backends))
	errs := make([]error, len(backends))

	var g errgroup.Group
	for i, b := range backends {
		g.Go(func() error {
			lists[i], errs[i] = a.listBackend(ctx, b)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	merged := make([]ModelInfo, 0)
	reachable := 0
	for i, b := range backends {
		if errs[i] != nil {
			a.logger.Warn("Skipping backend in model listing", "backend", b.BaseURL, "error", errs[i])
			continue
		}
		reachable++
		for _, m := range lists[i] {
			key := registry.Normalize(m.Name)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, m)
		}
	}

	if reachable == 0 && len(backends) > 0 {
		return nil, ErrNoBackendsReachable
	}
	return merged, nil
}

func (a *Aggregator) listBackend(ctx context.Context, b registry.Backend) ([]ModelInfo, error) {
	body, err := a.get(ctx, b.BaseURL+probePath(b.Style))
	if err != nil {
		return nil, err
	}

	if b.Style == registry.StyleChat {
		var page pagination.Page[openai.Model]
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode model list: %w", err)
		}
		out := make([]ModelInfo, 0, len(page.Data))
		for _, m := range page.Data {
			info := ModelInfo{
				Name:    m.ID,
				Model:   m.ID,
				Details: map[string]any{"owned_by": m.OwnedBy},
				Backend: b.BaseURL,
			}
			if m.Created > 0 {
				info.ModifiedAt = time.Unix(m.Created, 0).UTC().Format(time.RFC3339)
			}
			out = append(out, info)
		}
		return out, nil
	}

	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	out := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, ModelInfo{
			Name:       m.Name,
			Model:      m.Model,
			ModifiedAt: m.ModifiedAt,
			Size:       m.Size,
			Digest:     m.Digest,
			Details:    m.Details,
			Backend:    b.BaseURL,
		})
	}
	return out, nil
}

// Health probes every backend independently. A backend is online when its listing endpoint
// answers 200 within the health timeout.
func (a *Aggregator) Health(ctx context.Context) Health {
	backends := a.registry.DistinctBackends()
	online := make([]bool, len(backends))

	var g errgroup.Group
	for i, b := range backends {
		g.Go(func() error {
			_, err := a.get(ctx, b.BaseURL+probePath(b.Style))
			if err != nil {
				a.logger.Debug("Backend probe failed", "backend", b.BaseURL, "error", err)
			}
			online[i] = err == nil
			return nil
		})
	}
	_ = g.Wait()

	h := Health{
		Status:   StatusHealthy,
		Backends: make(map[string]string, len(backends)),
		Models:   a.registry.Routes(),
	}
	for i, b := range backends {
		if online[i] {
			h.Backends[b.BaseURL] = BackendOnline
			continue
		}
		h.Backends[b.BaseURL] = BackendOffline
		h.Status = StatusDegraded
	}
	return h
}

func (a *Aggregator) get(ctx context.Context, url string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

func probePath(style registry.Style) string {
	if style == registry.StyleChat {
		return "/v1/models"
	}
	return "/api/tags"
}
