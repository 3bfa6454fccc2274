package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Envelope is one websocket message. The fields mirror a server-sent event.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const maxSocketMessage = 4 << 20

// socketSource is the live transport for ws:// and wss:// endpoints.
type socketSource[T any] struct {
	endpoint string
	dialer   *websocket.Dialer
	decode   Decoder[T]
	logger   *zap.Logger
}

func (s *socketSource[T]) Name() string { return "socket" }

func (s *socketSource[T]) Run(ctx context.Context, out *sink[T]) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	defer conn.Close()

	conn.SetReadLimit(maxSocketMessage)

	// Unblock ReadMessage on cancel.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	out.active(s.Name())

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return fmt.Errorf("%w: socket closed before end", ErrConnection)
			}
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			return fmt.Errorf("%w: socket message: %v", ErrMalformedPayload, err)
		}

		if err := dispatch(env.Event, env.ID, env.Data, s.decode, s.Name(), out, s.logger); err != nil {
			if errors.Is(err, errEnd) {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			return err
		}
	}
}
