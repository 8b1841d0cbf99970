// Package api provides the HTTP and gRPC servers for the signal relay: the
// webhook endpoint, operator endpoints, metrics, an event websocket and
// the gRPC health service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"signalrelay/internal/bracket"
	"signalrelay/internal/domain"
	"signalrelay/internal/engine"
	"signalrelay/internal/metrics"
	"signalrelay/internal/store"
)

// Relay is the engine surface the server drives. *engine.Engine satisfies
// it.
type Relay interface {
	HandleSignal(ctx context.Context, sig domain.Signal) engine.Outcome
	Flatten(ctx context.Context, trigger string) engine.FlattenReport
	ForceClose(ctx context.Context, symbol string) engine.Outcome
	Session(ctx context.Context) (domain.MarketSession, error)
	Positions(ctx context.Context) ([]domain.PositionState, error)
	OpenOrders(ctx context.Context) ([]domain.OrderRef, error)
	Brackets() []bracket.Record
	TradingWindow() (inWindow, inFlatten bool)
	Config() engine.Config
	DryRun() bool
	BrokerName() string
}

// DailyCapView exposes the daily trade log. *dailycap.Tracker satisfies it.
type DailyCapView interface {
	Today() string
	TradedToday(ctx context.Context) ([]string, error)
	ClearToday(ctx context.Context) (int, error)
	History(ctx context.Context) (map[string][]string, error)
}

// Compile-time interface check.
var _ Relay = (*engine.Engine)(nil)

// Options configures a Server. Relay is required.
type Options struct {
	Relay    Relay
	DailyCap DailyCapView
	Journal  store.JournalStore
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Passphrase, when set, must match the webhook payload's passphrase.
	Passphrase   string
	MaxBodyBytes int64
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	relay      Relay
	caps       DailyCapView
	journal    store.JournalStore
	metrics    *metrics.Metrics
	passphrase string
	maxBody    int64
	log        *slog.Logger
	hub        *Hub
	health     *HealthServer
	started    time.Time

	httpServer *http.Server
}

// NewServer creates a Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Relay == nil {
		return nil, errors.New("api: relay is required")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")
	return &Server{
		relay:      opts.Relay,
		caps:       opts.DailyCap,
		journal:    opts.Journal,
		metrics:    opts.Metrics,
		passphrase: opts.Passphrase,
		maxBody:    opts.MaxBodyBytes,
		log:        log,
		hub:        NewHub(log),
		health:     NewHealthServer(log),
		started:    time.Now(),
	}, nil
}

// Hub returns the event hub that receives every outcome.
func (s *Server) Hub() *Hub { return s.hub }

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /orders", s.handleOrders)
	mux.HandleFunc("GET /trades", s.handleTrades)
	mux.HandleFunc("POST /trades/clear", s.handleClearTrades)
	mux.HandleFunc("GET /journal", s.handleJournal)
	mux.HandleFunc("POST /flatten", s.handleFlatten)
	mux.HandleFunc("POST /force-close", s.handleForceClose)
	mux.HandleFunc("GET /events", s.hub.ServeWS)
	mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns an http.Handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for websockets.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

// ListenAndServe starts the HTTP listener on httpAddr and, when grpcAddr
// is non-empty, the gRPC health listener. It blocks until ctx is cancelled
// or a listener fails, then shuts both down within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, httpAddr, grpcAddr string, shutdownTimeout time.Duration) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		s.log.Info("HTTP server listening", "addr", httpAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			_ = s.httpServer.Close()
			return fmt.Errorf("listening on %s: %w", grpcAddr, err)
		}
		go func() {
			s.log.Info("gRPC health server listening", "addr", grpcAddr)
			if err := s.health.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.log.Error("shutdown error", "error", err)
	}
	return runErr
}

// Shutdown marks the service not serving and gracefully stops the HTTP
// and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
