package stream

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultRetryBudget   = 5
	DefaultRatePerSecond = 10.0
)

// BackoffFunc returns the delay before retry number retry (1-based).
type BackoffFunc func(retry int) time.Duration

// LinearBackoff waits retry*unit. LinearBackoff(time.Second) is the default.
func LinearBackoff(unit time.Duration) BackoffFunc {
	return func(retry int) time.Duration {
		return time.Duration(retry) * unit
	}
}

// ExponentialBackoff doubles base on every retry, capped at max when max > 0.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(retry int) time.Duration {
		if retry < 1 {
			retry = 1
		}
		delay := base * time.Duration(1<<(retry-1))
		if max > 0 && (delay > max || delay <= 0) {
			return max
		}
		return delay
	}
}

// Options configures a Controller. The zero value is usable.
type Options struct {
	// DisableLive skips the push transport and polls from the start.
	DisableLive bool

	// RetryBudget is how many times a failed pull request is retried before the
	// subscription fails. Values <= 0 select DefaultRetryBudget.
	RetryBudget int

	// Backoff computes the delay before each retry. Defaults to LinearBackoff(time.Second).
	Backoff BackoffFunc

	// ToHeight is the inclusive height ceiling. The subscription completes once the known
	// height reaches it, on any transport. Zero means unbounded: the subscription runs until
	// cancelled. Ignored when the URL carries pagination.before.
	ToHeight uint64

	// RatePerSecond paces pull requests. Zero selects DefaultRatePerSecond, negative
	// disables pacing.
	RatePerSecond float64

	// RequestTimeout bounds a single pull request, long-polls included. Zero means none.
	RequestTimeout time.Duration

	// Client is shared by the live and pull transports. A client without a timeout is
	// required for live streams.
	Client *resty.Client

	// Dialer opens websocket endpoints (ws:// and wss:// URLs).
	Dialer *websocket.Dialer

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.RetryBudget <= 0 {
		o.RetryBudget = DefaultRetryBudget
	}
	if o.Backoff == nil {
		o.Backoff = LinearBackoff(time.Second)
	}
	if o.RatePerSecond == 0 {
		o.RatePerSecond = DefaultRatePerSecond
	}
	if o.Client == nil {
		o.Client = resty.New()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
