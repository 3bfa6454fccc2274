package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Source is one update transport. Run blocks until the transport completes (nil), fails,
// or ctx is done. A Source that cannot be set up returns an error wrapping ErrNegotiation
// before delivering anything.
type Source[T any] interface {
	Run(ctx context.Context, out *sink[T]) error
	Name() string
}

// liveSource reads update, end and error events from a text/event-stream endpoint.
type liveSource[T any] struct {
	endpoint string
	client   *resty.Client
	decode   Decoder[T]
	logger   *zap.Logger
}

func (s *liveSource[T]) Name() string { return "live" }

func (s *liveSource[T]) Run(ctx context.Context, out *sink[T]) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache").
		SetDoNotParseResponse(true).
		Get(s.endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	body := resp.RawBody()
	defer func() { _ = body.Close() }()

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrNegotiation, resp.StatusCode())
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header().Get("Content-Type"))
	if mediaType != "text/event-stream" {
		return fmt.Errorf("%w: content type %q", ErrNegotiation, mediaType)
	}

	out.active(s.Name())

	events := newEventReader(body)
	for {
		ev, err := events.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: stream closed before end", ErrConnection)
			}
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}

		if err := dispatch(ev.Name, ev.ID, json.RawMessage(ev.Data), s.decode, s.Name(), out, s.logger); err != nil {
			if errors.Is(err, errEnd) {
				return nil
			}
			return err
		}
	}
}

var errEnd = errors.New("end of stream")

// dispatch applies one live event to the sink. It returns errEnd on an end event and a
// fatal error for malformed updates. Error events are surfaced without ending the stream.
func dispatch[T any](name, id string, data json.RawMessage, decode Decoder[T], transport string, out *sink[T], logger *zap.Logger) error {
	switch name {
	case EventUpdate:
		height, hasHeight, err := ParseEventID(id)
		if err != nil {
			return err
		}
		batch, err := decode(data)
		if err != nil {
			return fmt.Errorf("%w: update %q: %v", ErrMalformedPayload, id, err)
		}
		out.deliver(transport, batch, height, hasHeight)
		if out.reached() {
			return errEnd
		}
		return nil

	case EventEnd:
		return errEnd

	case EventError:
		logger.Warn("live transport reported an error", zap.String("data", string(data)))
		out.fail(fmt.Errorf("%w: %s", ErrConnection, string(data)))
		return nil

	default:
		logger.Debug("ignoring live event", zap.String("event", name))
		return nil
	}
}
