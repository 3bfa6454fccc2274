package replay

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/stream"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer. Must exceed the
	// keepalive interval.
	pongWait = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// emitter writes one push event. Implementations exist for SSE and websockets.
type emitter interface {
	event(name, id string, data []byte) error
	keepalive() error
}

// startIndex resolves where a push client resumes: Last-Event-ID wins over from_height.
func (s *Server) startIndex(r *http.Request) (int, error) {
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		height, ok, err := stream.ParseEventID(last)
		if err != nil {
			return 0, err
		}
		if ok {
			return s.log.After(height), nil
		}
	}
	if v := r.URL.Query().Get(stream.ParamFromHeight); v != "" {
		height, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", stream.ParamFromHeight, err)
		}
		return s.log.After(height), nil
	}
	return 0, nil
}

// push sends every revealed entry from next onward, then waits for the chain to grow.
// Capped clients get an end event once they are caught up.
func (s *Server) push(ctx context.Context, out emitter, next int, capped bool) error {
	keepalive := time.NewTicker(s.config.Keepalive)
	defer keepalive.Stop()

	for {
		revealed, changed := s.chain.Revealed()

		for ; next < revealed; next++ {
			entry, err := s.log.Entry(next)
			if err != nil {
				return err
			}
			id := fmt.Sprintf("%d:0", entry.Height)
			if err := out.event(stream.EventUpdate, id, entry.Data); err != nil {
				return err
			}
		}

		if capped {
			return out.event(stream.EventEnd, "", nil)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-keepalive.C:
			if err := out.keepalive(); err != nil {
				return err
			}
		}
	}
}

type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *sseEmitter) event(name, id string, data []byte) error {
	var err error
	if id != "" {
		_, err = fmt.Fprintf(e.w, "event: %s\nid: %s\ndata: %s\n\n", name, id, data)
	} else {
		_, err = fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data)
	}
	if err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *sseEmitter) keepalive() error {
	if _, err := fmt.Fprint(e.w, ": ping\n\n"); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// handleSSE streams update events as text/event-stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	next, err := s.startIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	info := ClientInfo{
		ID:         uuid.NewString(),
		Transport:  "sse",
		RemoteAddr: r.RemoteAddr,
		Connected:  time.Now(),
	}
	s.addClient(info)
	defer s.removeClient(info)

	capped := r.URL.Query().Has(stream.ParamBefore)
	if err := s.push(r.Context(), &sseEmitter{w: w, flusher: flusher}, next, capped); err != nil {
		s.logger.Debug("sse client write failed", zap.String("id", info.ID), zap.Error(err))
	}
}

type socketEmitter struct {
	conn *websocket.Conn
}

func (e *socketEmitter) event(name, id string, data []byte) error {
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return e.conn.WriteJSON(stream.Envelope{Event: name, ID: id, Data: data})
}

func (e *socketEmitter) keepalive() error {
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return e.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleSocket streams update envelopes over a websocket.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	next, err := s.startIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	info := ClientInfo{
		ID:         uuid.NewString(),
		Transport:  "ws",
		RemoteAddr: r.RemoteAddr,
		Connected:  time.Now(),
	}
	s.addClient(info)
	defer s.removeClient(info)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read pump: only control frames are expected. A read error means the peer left.
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", zap.String("id", info.ID), zap.Error(err))
				}
				return
			}
		}
	}()

	capped := r.URL.Query().Has(stream.ParamBefore)
	out := &socketEmitter{conn: conn}
	if err := s.push(ctx, out, next, capped); err != nil {
		s.logger.Debug("websocket write failed", zap.String("id", info.ID), zap.Error(err))
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
