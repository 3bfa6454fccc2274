// Package stream keeps one logical subscription to a height-tagged update feed alive.
//
// A Controller negotiates a live push transport (server-sent events, or a websocket for
// ws:// URLs) and falls back to paged pull requests with long-polling when live delivery
// is unavailable or drops. Batches reach the Handler in transport order with
// non-decreasing heights.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/telemetry"
)

// State is a controller lifecycle state.
type State int32

const (
	StateNew State = iota
	StateNegotiating
	StateLive
	StatePolling
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateLive:
		return "live"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Controller owns one subscription to endpoint.
type Controller[T any] struct {
	id       string
	endpoint *url.URL
	decode   Decoder[T]
	opts     Options
	logger   *zap.Logger

	state atomic.Int32

	mu        sync.Mutex
	started   bool
	cancelled bool
	cancel    context.CancelFunc
	sink      *sink[T]
	err       error

	done      chan struct{}
	closeDone sync.Once
}

// New validates endpoint and prepares a controller. Nothing is dialed until Start.
func New[T any](endpoint string, decode Decoder[T], opts Options) (*Controller[T], error) {
	if decode == nil {
		return nil, errors.New("stream: nil decoder")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}

	opts = opts.withDefaults()
	id := uuid.NewString()

	return &Controller[T]{
		id:       id,
		endpoint: u,
		decode:   decode,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("subscription", id), zap.String("url", endpoint)),
		done:     make(chan struct{}),
	}, nil
}

// ID identifies the subscription in logs.
func (c *Controller[T]) ID() string { return c.id }

func (c *Controller[T]) State() State { return State(c.state.Load()) }

// Height returns the last height delivered, if any.
func (c *Controller[T]) Height() (uint64, bool) {
	c.mu.Lock()
	s := c.sink
	c.mu.Unlock()
	if s == nil {
		return 0, false
	}
	return s.Height()
}

// Start begins the subscription in the background. Cancelling ctx cancels the
// subscription, so one parent context can be shared by several controllers. Starting a
// controller that was already cancelled is a no-op.
func (c *Controller[T]) Start(ctx context.Context, handler Handler[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	if c.cancelled || ctx.Err() != nil {
		c.state.Store(int32(StateCancelled))
		c.markDone()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.sink = newSink(runCtx, handler, c.endpoint.Path)
	c.sink.established = c.established
	if !c.endpoint.Query().Has(ParamBefore) {
		c.sink.ceiling = c.opts.ToHeight
	}
	c.state.Store(int32(StateNegotiating))

	go c.run(runCtx)
	return nil
}

// Cancel aborts any in-flight request and stops further callbacks. Safe to call more than
// once and before Start.
func (c *Controller[T]) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelled {
		return
	}
	c.cancelled = true

	if c.cancel != nil {
		c.cancel()
		return
	}
	if !c.started {
		c.state.Store(int32(StateCancelled))
		c.markDone()
	}
}

// Done is closed once the subscription reaches a terminal state.
func (c *Controller[T]) Done() <-chan struct{} { return c.done }

// Wait blocks until the subscription ends and returns its fatal error, or nil after a
// completion or cancellation.
func (c *Controller[T]) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller[T]) markDone() {
	c.closeDone.Do(func() { close(c.done) })
}

func (c *Controller[T]) established(transport string) {
	if transport == "poll" {
		c.state.Store(int32(StatePolling))
	} else {
		c.state.Store(int32(StateLive))
	}
	c.logger.Debug("transport active", zap.String("transport", transport))
}

func (c *Controller[T]) run(ctx context.Context) {
	defer c.markDone()

	telemetry.ActiveSubscriptions.Inc()
	defer telemetry.ActiveSubscriptions.Dec()

	err := c.negotiate(ctx)
	c.finish(ctx, err)
}

// negotiate runs the live source first unless disabled, then polling. Setup failures fall
// back silently; a dropped live connection is surfaced and then falls back.
func (c *Controller[T]) negotiate(ctx context.Context) error {
	if !c.opts.DisableLive {
		live := c.liveSource()
		err := live.Run(ctx, c.sink)

		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrNegotiation):
			c.logger.Debug("live transport unavailable, polling", zap.Error(err))
			telemetry.FallbacksTotal.With("negotiation").Inc()
		case errors.Is(err, ErrConnection):
			c.logger.Warn("live transport dropped, polling", zap.Error(err))
			telemetry.FallbacksTotal.With("connection").Inc()
			c.sink.fail(err)
		default:
			return err
		}
	}

	opts := c.opts
	opts.Logger = c.logger
	return newPollSource(c.endpoint, c.decode, opts).Run(ctx, c.sink)
}

func (c *Controller[T]) liveSource() Source[T] {
	if isSocketURL(c.endpoint) {
		return &socketSource[T]{
			endpoint: c.endpoint.String(),
			dialer:   c.opts.Dialer,
			decode:   c.decode,
			logger:   c.logger,
		}
	}
	return &liveSource[T]{
		endpoint: c.endpoint.String(),
		client:   c.opts.Client,
		decode:   c.decode,
		logger:   c.logger,
	}
}

func (c *Controller[T]) finish(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		c.state.Store(int32(StateCancelled))
		c.logger.Debug("subscription cancelled")

	case err == nil:
		c.state.Store(int32(StateCompleted))
		height, _ := c.sink.Height()
		c.logger.Info("subscription completed", zap.Uint64("height", height))
		c.sink.completed()

	default:
		c.state.Store(int32(StateFailed))
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.logger.Error("subscription failed", zap.Error(err))
		telemetry.FatalErrorsTotal.With(errorKind(err)).Inc()
		c.sink.fail(err)
	}

	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
}
