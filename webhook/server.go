// Package webhook is the HTTP intake for account activity webhooks. It
// answers challenge-response checks, verifies body signatures and appends
// every valid event to the durable queue for background consumers.
package webhook

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/health"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
)

// DefaultMaxBodyBytes caps accepted request bodies
const DefaultMaxBodyBytes = 1 << 20

// RequestIDHeader is echoed back and attached to request logs
const RequestIDHeader = "X-Request-ID"

// HealthComponent names the intake path in health reports
const HealthComponent = "webhook"

// Adder appends events to the queue. queue.Queue satisfies it.
type Adder interface {
	Add(ctx context.Context, payload message.Message) (string, error)
}

// Server serves the webhook endpoint
type Server struct {
	addr     string
	path     string
	secret   []byte
	queue    Adder
	limiter  *rate.Limiter
	maxBody  int64
	tls      *tls.Config
	logger   *slog.Logger
	metrics  *metric.RelayMetrics
	health   *health.Monitor
	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// Option configures a Server
type Option func(*Server)

// WithPath sets the webhook path, "/webhook" by default
func WithPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.path = path
		}
	}
}

// WithRateLimit enables a token bucket shared by all clients. A zero rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMaxBodyBytes caps request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithTLS serves HTTPS with cfg. A nil cfg serves plain HTTP.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tls = cfg
	}
}

// WithLogger sets the server logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealth serves m on /health and reports queue append failures to it
func WithHealth(m *health.Monitor) Option {
	return func(s *Server) {
		s.health = m
	}
}

// WithMetrics records request counts
func WithMetrics(m *metric.RelayMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a webhook server. secret is the consumer secret that
// keys both CRC responses and body signatures.
func NewServer(addr, secret string, queue Adder, opts ...Option) (*Server, error) {
	if secret == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "consumer secret")
	}
	if queue == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "queue")
	}
	s := &Server{
		addr:    addr,
		path:    "/webhook",
		secret:  []byte(secret),
		queue:   queue,
		maxBody: DefaultMaxBodyBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "webhook")
	return s, nil
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.Get(s.path, s.handleCRC)
	r.Post(s.path, s.handleEvent)
	if s.health != nil {
		r.Method(http.MethodGet, "/health", s.health.Handler("eventrelay-webhook"))
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}
	return r
}

// requestMiddleware assigns a request id, logs the request and counts it
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordWebhookRequest(r.Method, status)
		s.logger.Debug("Webhook request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn("Webhook request rejected", "remote", r.RemoteAddr, "error", errors.ErrRateLimited)
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCRC answers the challenge-response check
func (s *Server) handleCRC(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("crc_token")
	if token == "" {
		http.Error(w, "missing crc_token", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"response_token": CRCResponse(s.secret, token),
	})
}

// handleEvent verifies and enqueues one webhook delivery
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		s.logger.Warn("Webhook request without signature", "remote", r.RemoteAddr)
		http.Error(w, "missing signature", http.StatusBadRequest)
		return
	}
	if !Verify(s.secret, body, sig) {
		s.logger.Warn("Webhook signature mismatch", "remote", r.RemoteAddr,
			"error", errors.ErrInvalidSignature)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	msg, err := message.Decode(body)
	if err != nil {
		// The sender retries non-2xx responses; a body that is not a JSON
		// object never gets better, so it is acknowledged and dropped.
		s.logger.Warn("Ignoring webhook body that is not a JSON object", "error", err, "bytes", len(body))
		writeOK(w)
		return
	}

	id, err := s.queue.Add(r.Context(), msg)
	if err != nil {
		s.logger.Error("Failed to enqueue webhook event", "error", err)
		s.health.UpdateUnhealthy(HealthComponent, health.Sanitize(err.Error()))
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	s.health.UpdateHealthy(HealthComponent, "accepting events")
	s.logger.Debug("Webhook event queued", "id", id, "for_user_id", msg.Str("for_user_id"))
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("server already running"), "Server", "Run", "start webhook server")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Run", fmt.Sprintf("listen on %s", s.addr))
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Webhook server listening", "addr", ln.Addr().String(), "path", s.path, "tls", s.tls != nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.reset()
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapTransient(err, "Server", "Run", "serve webhook")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	s.reset()
	if err != nil {
		return errors.WrapTransient(err, "Server", "Run", "shutdown webhook server")
	}
	return nil
}

func (s *Server) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.server = nil
	s.listener = nil
}

// Address returns the bound address once running, else the configured one
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
