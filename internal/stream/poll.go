package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/heightsync/internal/telemetry"
)

const maxErrorBody = 512

// pollSource pages through the endpoint, then long-polls from the latest known height
// until the ceiling is reached.
type pollSource[T any] struct {
	endpoint *url.URL
	client   *resty.Client
	limiter  *rate.Limiter
	decode   Decoder[T]
	opts     Options
	logger   *zap.Logger
}

func newPollSource[T any](endpoint *url.URL, decode Decoder[T], opts Options) *pollSource[T] {
	limit, burst := rate.Inf, 1
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		burst = max(1, int(opts.RatePerSecond*2))
	}

	return &pollSource[T]{
		endpoint: httpURL(endpoint),
		client:   opts.Client,
		limiter:  rate.NewLimiter(limit, burst),
		decode:   decode,
		opts:     opts,
		logger:   opts.Logger,
	}
}

func (s *pollSource[T]) Name() string { return "poll" }

// capped reports whether the endpoint is bounded by a snapshot-time horizon, in which case
// a single outer pass converges.
func (s *pollSource[T]) capped() bool {
	return s.endpoint.Query().Has(ParamBefore)
}

func (s *pollSource[T]) Run(ctx context.Context, out *sink[T]) error {
	capped := s.capped()
	out.active(s.Name())
	warned := false

	for {
		from, hasFrom := out.Height()
		key := ""

		for {
			page, err := s.fetch(ctx, s.pageURL(key, from, hasFrom))
			if err != nil {
				return err
			}

			data := page.Data
			if len(data) == 0 {
				data = json.RawMessage("null")
			}
			batch, err := s.decode(data)
			if err != nil {
				return fmt.Errorf("%w: page data: %v", ErrMalformedPayload, err)
			}

			var height uint64
			if page.BlockRange != nil {
				height = page.BlockRange.ToHeight
			}
			out.deliver(s.Name(), batch, height, page.BlockRange != nil)
			if page.BlockRange == nil && !capped && !warned {
				if _, ok := out.Height(); !ok {
					// Without a height every outer pass restarts from the first page.
					s.logger.Warn("pull page carries no block_range, tail will re-read from the start",
						zap.String("url", s.endpoint.String()))
					warned = true
				}
			}

			key = page.NextKey()
			if key == "" {
				break
			}
		}

		if capped {
			return nil
		}
		if out.reached() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *pollSource[T]) pageURL(key string, from uint64, hasFrom bool) string {
	u := *s.endpoint
	q := u.Query()
	if key != "" {
		q.Set(ParamKey, key)
	}
	if hasFrom {
		q.Set(ParamFromHeight, strconv.FormatUint(from, 10))
	}
	if s.opts.ToHeight > 0 && !q.Has(ParamBefore) {
		q.Set(ParamToHeight, strconv.FormatUint(s.opts.ToHeight, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// fetch issues one page request, retrying failures within the retry budget.
func (s *pollSource[T]) fetch(ctx context.Context, pageURL string) (*Page, error) {
	var (
		page      *Page
		retryable bool
		attempt   int
	)

	backoff := retry.WithMaxRetries(uint64(s.opts.RetryBudget), retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		delay := s.opts.Backoff(attempt)
		telemetry.RetriesTotal.Inc()
		s.logger.Debug("retrying pull request",
			zap.String("url", pageURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		return delay, false
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		retryable = false
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The next token falls past the context deadline.
			return fmt.Errorf("pacing pull request: %w: %v", context.DeadlineExceeded, err)
		}

		var err error
		page, err = s.fetchOnce(ctx, pageURL)
		retryable = err != nil && !errors.Is(err, ErrMalformedPayload) && ctx.Err() == nil
		if retryable {
			s.logger.Warn("pull request failed", zap.String("url", pageURL), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if retryable {
			return nil, fmt.Errorf("%w after %d retries: %v", ErrRetryBudgetExhausted, s.opts.RetryBudget, err)
		}
		return nil, err
	}
	return page, nil
}

func (s *pollSource[T]) fetchOnce(ctx context.Context, pageURL string) (*Page, error) {
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	outcome := "error"
	defer func() {
		telemetry.PullDurationSeconds.With(outcome).Observe(time.Since(start).Seconds())
	}()

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeader("Accept-Encoding", "zstd, gzip").
		SetDoNotParseResponse(true).
		Get(pageURL)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	raw := resp.RawBody()
	defer func() { _ = raw.Close() }()

	body, err := decodeBody(raw, resp.Header().Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		outcome = strconv.Itoa(resp.StatusCode())
		return nil, &statusError{status: resp.StatusCode(), body: strings.TrimSpace(string(snippet))}
	}

	var page Page
	if err := json.NewDecoder(body).Decode(&page); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return nil, fmt.Errorf("%w: decoding page: %v", ErrMalformedPayload, err)
	}

	outcome = "ok"
	return &page, nil
}

// decodeBody unwraps a zstd or gzip encoded body. Identity bodies pass through.
func decodeBody(r io.Reader, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd body: %w", err)
		}
		return dec.IOReadCloser(), nil
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		return gz, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
