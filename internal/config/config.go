package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	StyleGenerate = "generate"
	StyleChat     = "chat"
)

const defaultOCRPrompt = "Read all of the text in this image exactly. Include Korean, English and digits, and keep the line breaks."

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// BackendConfig describes one inference server and the models it serves.
type BackendConfig struct {
	URL    string   `yaml:"url"`
	Style  string   `yaml:"style"`
	Models []string `yaml:"models"`
}

// TimeoutConfig holds the upstream deadlines as duration strings ("300s", "5m").
type TimeoutConfig struct {
	Generate string `yaml:"generate"`
	Health   string `yaml:"health"`
	Paddle   string `yaml:"paddle"`
	Warmup   string `yaml:"warmup"`
}

// OCRConfig holds the defaults of the vision OCR endpoints.
type OCRConfig struct {
	DefaultModel       string   `yaml:"default_model"`
	AllowModelOverride bool     `yaml:"allow_model_override"`
	DefaultPrompt      string   `yaml:"default_prompt"`
	Temperature        *float64 `yaml:"temperature"`
	TopP               *float64 `yaml:"top_p"`
}

// PaddleConfig points at the dedicated OCR micro-service.
type PaddleConfig struct {
	URL string `yaml:"url"`
}

// WarmupConfig controls the startup model preload.
type WarmupConfig struct {
	Enabled *bool    `yaml:"enabled"`
	Models  []string `yaml:"models"`
}

// RateLimitConfig controls the optional per-key request limiter.
type RateLimitConfig struct {
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	RedisURL          string `yaml:"redis_url"`
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	HealthSweep *string `yaml:"health_sweep"`
}

// AdminConfig holds configuration for the admin surface.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// RequestLogConfig sizes the asynchronous request log queue.
type RequestLogConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Config holds the configuration for the gateway.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Backends   []BackendConfig  `yaml:"backends"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	OCR        OCRConfig        `yaml:"ocr"`
	Paddle     PaddleConfig     `yaml:"paddle"`
	Warmup     WarmupConfig     `yaml:"warmup"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Admin      AdminConfig      `yaml:"admin"`
	RequestLog RequestLogConfig `yaml:"request_log"`
	Port       int              `yaml:"port"`
	Debug      bool             `yaml:"debug"`

	generateTimeout time.Duration
	healthTimeout   time.Duration
	paddleTimeout   time.Duration
	warmupTimeout   time.Duration
}

// GenerateTimeout is the deadline of a single generation or OCR call.
func (c *Config) GenerateTimeout() time.Duration { return c.generateTimeout }

// HealthTimeout is the deadline of a single backend probe.
func (c *Config) HealthTimeout() time.Duration { return c.healthTimeout }

// PaddleTimeout is the deadline of a call to the OCR micro-service.
func (c *Config) PaddleTimeout() time.Duration { return c.paddleTimeout }

// WarmupTimeout is the deadline of each startup preload call.
func (c *Config) WarmupTimeout() time.Duration { return c.warmupTimeout }

// WarmupEnabled reports whether models are preloaded at startup.
func (c *Config) WarmupEnabled() bool { return c.Warmup.Enabled == nil || *c.Warmup.Enabled }

// HealthSweepSpec returns the cron spec of the periodic health sweep, "" when disabled.
func (c *Config) HealthSweepSpec() string {
	if c.Scheduler.HealthSweep == nil {
		return "@every 1m"
	}
	return *c.Scheduler.HealthSweep
}

func defaultBackends() []BackendConfig {
	return []BackendConfig{
		{URL: "http://ollama_gpu0:11434", Style: StyleGenerate, Models: []string{"llama3:7b", "qwen2.5vl:7b"}},
		{URL: "http://ollama_gpu1:11434", Style: StyleGenerate, Models: []string{"gpt-oss:20b"}},
	}
}

// LoadConfig reads and parses the configuration file. It returns the config and a potential warning message.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warnings []string

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// A missing file leaves an empty config; defaults and environment variables fill it in.

	if err := applyEnv(&config); err != nil {
		return nil, "", err
	}

	if len(config.Backends) == 0 {
		config.Backends = defaultBackends()
		warnings = append(warnings, "no backends configured, using the built-in ollama_gpu0/ollama_gpu1 table")
	}
	if config.Port == 0 {
		config.Port = 8000
	}
	if config.Database.Type == "" {
		config.Database.Type = "sqlite"
	}
	if config.Database.DSN == "" && config.Database.Type == "sqlite" {
		config.Database.DSN = "gpugate.db"
		warnings = append(warnings, "database.dsn not set, using sqlite file gpugate.db")
	}
	for i := range config.Backends {
		config.Backends[i].URL = strings.TrimRight(strings.TrimSpace(config.Backends[i].URL), "/")
		config.Backends[i].Style = strings.ToLower(strings.TrimSpace(config.Backends[i].Style))
		if config.Backends[i].Style == "" {
			config.Backends[i].Style = StyleGenerate
		}
	}
	if config.OCR.DefaultModel == "" {
		config.OCR.DefaultModel = "qwen2.5vl:7b"
	}
	config.OCR.DefaultModel = strings.ToLower(strings.TrimSpace(config.OCR.DefaultModel))
	if config.OCR.DefaultPrompt == "" {
		config.OCR.DefaultPrompt = defaultOCRPrompt
	}
	if config.OCR.Temperature == nil {
		t := 0.1
		config.OCR.Temperature = &t
	}
	if config.OCR.TopP == nil {
		p := 0.9
		config.OCR.TopP = &p
	}
	if config.Paddle.URL == "" {
		config.Paddle.URL = "http://paddleocr_service:8001"
	}
	config.Paddle.URL = strings.TrimRight(config.Paddle.URL, "/")
	if config.RequestLog.QueueSize <= 0 {
		config.RequestLog.QueueSize = 256
	}

	if config.generateTimeout, err = parseDuration("timeouts.generate", config.Timeouts.Generate, 300*time.Second); err != nil {
		return nil, "", err
	}
	if config.healthTimeout, err = parseDuration("timeouts.health", config.Timeouts.Health, 5*time.Second); err != nil {
		return nil, "", err
	}
	if config.paddleTimeout, err = parseDuration("timeouts.paddle", config.Timeouts.Paddle, 300*time.Second); err != nil {
		return nil, "", err
	}
	if config.warmupTimeout, err = parseDuration("timeouts.warmup", config.Timeouts.Warmup, 60*time.Second); err != nil {
		return nil, "", err
	}

	if err := config.validate(); err != nil {
		return nil, "", err
	}

	return &config, strings.Join(warnings, "; "), nil
}

func applyEnv(config *Config) error {
	if dsn := os.Getenv("GPUGATE_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if dbType := os.Getenv("GPUGATE_DATABASE_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if port := os.Getenv("GPUGATE_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid GPUGATE_PORT %q: %w", port, err)
		}
		config.Port = p
	}
	if debug := os.Getenv("GPUGATE_DEBUG"); debug != "" {
		config.Debug = debug == "true"
	}
	if backends := os.Getenv("GPUGATE_BACKENDS"); backends != "" {
		parsed, err := parseBackends(backends)
		if err != nil {
			return err
		}
		config.Backends = parsed
	}
	if v := os.Getenv("GPUGATE_GENERATE_TIMEOUT"); v != "" {
		config.Timeouts.Generate = v
	}
	if v := os.Getenv("GPUGATE_HEALTH_TIMEOUT"); v != "" {
		config.Timeouts.Health = v
	}
	if v := os.Getenv("GPUGATE_PADDLE_TIMEOUT"); v != "" {
		config.Timeouts.Paddle = v
	}
	if v := os.Getenv("GPUGATE_OCR_MODEL"); v != "" {
		config.OCR.DefaultModel = v
	}
	if v := os.Getenv("GPUGATE_OCR_ALLOW_OVERRIDE"); v != "" {
		config.OCR.AllowModelOverride = v == "true"
	}
	if v := os.Getenv("GPUGATE_PADDLE_URL"); v != "" {
		config.Paddle.URL = v
	}
	if v := os.Getenv("GPUGATE_WARMUP"); v != "" {
		enabled := v == "true"
		config.Warmup.Enabled = &enabled
	}
	if v := os.Getenv("GPUGATE_RATE_LIMIT_RPM"); v != "" {
		rpm, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GPUGATE_RATE_LIMIT_RPM %q: %w", v, err)
		}
		config.RateLimit.RequestsPerMinute = rpm
	}
	if v := os.Getenv("GPUGATE_REDIS_URL"); v != "" {
		config.RateLimit.RedisURL = v
	}
	if password := os.Getenv("GPUGATE_ADMIN_PASSWORD"); password != "" {
		config.Admin.Password = password
	}
	return nil
}

// parseBackends reads the compact env form "style@url=m1,m2;url=m3".
func parseBackends(raw string) ([]BackendConfig, error) {
	var backends []BackendConfig
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		target, models, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid GPUGATE_BACKENDS entry %q: expected url=model[,model]", entry)
		}
		backend := BackendConfig{Style: StyleGenerate, URL: target}
		if style, u, found := strings.Cut(target, "@"); found {
			backend.Style = style
			backend.URL = u
		}
		for _, m := range strings.Split(models, ",") {
			if m = strings.TrimSpace(m); m != "" {
				backend.Models = append(backend.Models, m)
			}
		}
		backends = append(backends, backend)
	}
	return backends, nil
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", field, value)
	}
	return d, nil
}

func (c *Config) validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured in config.yaml or via environment variables")
	}

	seen := make(map[string]string)
	for _, b := range c.Backends {
		u, err := url.Parse(b.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid backend url %q", b.URL)
		}
		if b.Style != StyleGenerate && b.Style != StyleChat {
			return fmt.Errorf("backend %s: unknown style %q", b.URL, b.Style)
		}
		if len(b.Models) == 0 {
			return fmt.Errorf("backend %s: no models configured", b.URL)
		}
		for _, m := range b.Models {
			name := strings.ToLower(strings.TrimSpace(m))
			if name == "" {
				return fmt.Errorf("backend %s: empty model name", b.URL)
			}
			if prev, dup := seen[name]; dup {
				return fmt.Errorf("model %q is registered on both %s and %s", name, prev, b.URL)
			}
			seen[name] = b.URL
		}
	}
	if _, ok := seen[c.OCR.DefaultModel]; !ok {
		return fmt.Errorf("ocr.default_model %q is not served by any backend", c.OCR.DefaultModel)
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	return nil
}
