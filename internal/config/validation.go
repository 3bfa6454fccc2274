package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/heightsync/internal/accumulate"
)

// FieldError is one invalid setting.
type FieldError struct {
	Key     string
	Message string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

func (e *ValidationErrors) add(key, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Key: key, Message: fmt.Sprintf(format, args...)})
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Message))
	}
	return sb.String()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.Endpoint.URL != "" {
		validateURL(errs, "endpoint.url", c.Endpoint.URL)
	}
	if _, err := accumulate.ParseSentinel(c.Endpoint.RemovalSentinel); err != nil {
		errs.add("endpoint.removal_sentinel", "%v", err)
	}

	if c.Retry.Budget < 0 {
		errs.add("retry.budget", "must be >= 0, got %d", c.Retry.Budget)
	}
	switch c.Retry.Strategy {
	case "linear", "exponential":
	default:
		errs.add("retry.strategy", "must be 'linear' or 'exponential', got %q", c.Retry.Strategy)
	}
	if c.Retry.DelayMS < 0 {
		errs.add("retry.delay_ms", "must be >= 0, got %d", c.Retry.DelayMS)
	}

	if c.Pull.RequestTimeoutSec < 0 {
		errs.add("pull.request_timeout_sec", "must be >= 0, got %d", c.Pull.RequestTimeoutSec)
	}

	if c.Fetch.Workers < 1 {
		errs.add("fetch.workers", "must be >= 1, got %d", c.Fetch.Workers)
	}
	seen := make(map[string]bool)
	for i, ep := range c.Fetch.Endpoints {
		key := fmt.Sprintf("fetch.endpoints[%d]", i)
		if ep.Name == "" {
			errs.add(key+".name", "is required")
		} else if seen[ep.Name] {
			errs.add(key+".name", "duplicate name %q", ep.Name)
		}
		seen[ep.Name] = true
		validateURL(errs, key+".url", ep.URL)
	}

	switch c.Output.Format {
	case "json", "jsonl":
	default:
		errs.add("output.format", "must be 'json' or 'jsonl', got %q", c.Output.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs.add("metrics.addr", "is required when metrics are enabled")
	}

	if err := c.Notify.Validate(); err != nil {
		errs.add("notify", "%v", err)
	}

	if c.Replay.PageSize < 1 {
		errs.add("replay.page_size", "must be >= 1, got %d", c.Replay.PageSize)
	}
	if c.Replay.TickInterval < 0 {
		errs.add("replay.tick_interval", "must be >= 0, got %s", c.Replay.TickInterval)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs.add("logging.level", "%v", err)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// RequireEndpoint fails unless an endpoint URL is configured.
func (c *Config) RequireEndpoint() error {
	if c.Endpoint.URL == "" {
		return fmt.Errorf("endpoint.url is required (set HEIGHTSYNC_ENDPOINT_URL or pass --url)")
	}
	return nil
}

func validateURL(errs *ValidationErrors, key, raw string) {
	u, err := url.Parse(raw)
	if err != nil {
		errs.add(key, "%v", err)
		return
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		errs.add(key, "unsupported scheme %q", u.Scheme)
		return
	}
	if u.Host == "" {
		errs.add(key, "missing host")
	}
}
