// Package replay serves a height log over the same wire contract the stream package
// consumes: paged pull requests with long-polling, server-sent events and websockets.
package replay

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/telemetry"
)

// Config tunes the endpoint.
type Config struct {
	// PageSize is the maximum number of log entries folded into one pull page.
	PageSize int
	// LongPoll bounds how long a pull request waits for a new height.
	LongPoll time.Duration
	// Dual marks logs whose entries carry [[rows0],[rows1]] pairs.
	Dual bool
	// Keepalive is the SSE comment interval.
	Keepalive time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.LongPoll <= 0 {
		c.LongPoll = 25 * time.Second
	}
	if c.Keepalive <= 0 {
		c.Keepalive = 15 * time.Second
	}
	return c
}

// Server answers /v1/stream and /v1/ws from a Chain.
type Server struct {
	log     *Log
	chain   *Chain
	config  Config
	clients *xsync.MapOf[string, ClientInfo]
	logger  *zap.Logger

	pull http.Handler
}

// ClientInfo describes one connected push client.
type ClientInfo struct {
	ID         string    `json:"id"`
	Transport  string    `json:"transport"`
	RemoteAddr string    `json:"remote_addr"`
	Connected  time.Time `json:"connected"`
}

func NewServer(log *Log, chain *Chain, cfg Config, logger *zap.Logger) *Server {
	s := &Server{
		log:     log,
		chain:   chain,
		config:  cfg.withDefaults(),
		clients: xsync.NewMapOf[string, ClientInfo](),
		logger:  logger,
	}
	s.pull = newCompressor().Handler(http.HandlerFunc(s.handlePull))
	return s
}

// newCompressor compresses pull pages with zstd or gzip. Push responses are never
// compressed so events flush immediately.
func newCompressor() *middleware.Compressor {
	c := middleware.NewCompressor(5, "application/json")
	c.SetEncoder("gzip", func(w io.Writer, level int) io.Writer {
		gw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil
		}
		return gw
	})
	c.SetEncoder("zstd", func(w io.Writer, level int) io.Writer {
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil
		}
		return enc
	})
	return c
}

// Router wires the endpoint. metrics may be nil.
func (s *Server) Router(metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(s.logger))

	r.Get("/v1/stream", s.handleStream)
	r.Get("/v1/ws", s.handleSocket)
	r.Get("/v1/status", s.handleStatus)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return r
}

// handleStream picks the push or pull rendition from the Accept header.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.handleSSE(w, r)
		return
	}
	s.pull.ServeHTTP(w, r)
}

type status struct {
	Entries  int          `json:"entries"`
	Revealed int          `json:"revealed"`
	Tip      *uint64      `json:"tip,omitempty"`
	Clients  []ClientInfo `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	revealed, _ := s.chain.Revealed()
	st := status{
		Entries:  s.log.Len(),
		Revealed: revealed,
		Clients:  s.Clients(),
	}
	if tip, ok := s.chain.Tip(); ok {
		st.Tip = &tip
	}
	writeJSON(w, http.StatusOK, st)
}

// Clients returns the connected push clients.
func (s *Server) Clients() []ClientInfo {
	out := make([]ClientInfo, 0, s.clients.Size())
	s.clients.Range(func(_ string, info ClientInfo) bool {
		out = append(out, info)
		return true
	})
	return out
}

func (s *Server) addClient(info ClientInfo) {
	s.clients.Store(info.ID, info)
	telemetry.ReplayClients.With(info.Transport).Inc()
	s.logger.Info("push client connected",
		zap.String("id", info.ID),
		zap.String("transport", info.Transport),
		zap.String("remote_addr", info.RemoteAddr),
	)
}

func (s *Server) removeClient(info ClientInfo) {
	s.clients.Delete(info.ID)
	telemetry.ReplayClients.With(info.Transport).Dec()
	s.logger.Info("push client disconnected",
		zap.String("id", info.ID),
		zap.String("transport", info.Transport),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}
