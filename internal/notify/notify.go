package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/fetcher"
)

// Notifier sends outcome notifications for fetch batches and subscriptions.
type Notifier interface {
	SendSuccess(ctx context.Context, subject string, result *fetcher.BatchResult, duration time.Duration) error
	SendFailure(ctx context.Context, subject string, result *fetcher.BatchResult, duration time.Duration, err error) error
}

// Client implements the ntfy notification client.
type Client struct {
	http   *resty.Client
	config *Config
	logger *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		http:   resty.New().SetTimeout(30 * time.Second),
		config: cfg,
		logger: logger,
	}
}

// SendSuccess sends a batch summary.
func (c *Client) SendSuccess(ctx context.Context, subject string, result *fetcher.BatchResult, duration time.Duration) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Fetch Complete: %s", subject)
	message := FormatSuccessMessage(result, duration)
	tags := c.config.Tags + ",white_check_mark"

	return c.send(ctx, title, message, tags, c.config.Priority)
}

// SendFailure sends a failure notification at high priority.
func (c *Client) SendFailure(ctx context.Context, subject string, result *fetcher.BatchResult, duration time.Duration, err error) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Failed: %s", subject)
	message := FormatFailureMessage(result, duration, err)
	tags := c.config.Tags + ",x"

	return c.send(ctx, title, message, tags, "high")
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Title", title).
		SetHeader("Priority", priority).
		SetHeader("Tags", tags).
		SetBody(message)
	if c.config.Token != "" {
		req.SetAuthToken(c.config.Token)
	}

	resp, err := req.Post(url)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}

	if resp.IsError() {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode()),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode())
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is used when notifications are disabled.
type NoopNotifier struct{}

func (n *NoopNotifier) SendSuccess(_ context.Context, _ string, _ *fetcher.BatchResult, _ time.Duration) error {
	return nil
}

func (n *NoopNotifier) SendFailure(_ context.Context, _ string, _ *fetcher.BatchResult, _ time.Duration, _ error) error {
	return nil
}

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
