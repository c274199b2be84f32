// ABOUTME: Gateway orchestrator wiring config, pipeline, push, and the HTTP server
// ABOUTME: Manages component construction, route registration, and lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/microaistudio/wa-llm-gateway/internal/auth"
	"github.com/microaistudio/wa-llm-gateway/internal/config"
	"github.com/microaistudio/wa-llm-gateway/internal/dedupe"
	"github.com/microaistudio/wa-llm-gateway/internal/llm"
	"github.com/microaistudio/wa-llm-gateway/internal/pipeline"
	"github.com/microaistudio/wa-llm-gateway/internal/push"
	"github.com/microaistudio/wa-llm-gateway/internal/retrieve"
	"github.com/microaistudio/wa-llm-gateway/internal/store"
)

// Dedupe window for push requests: identical (to, question) pairs inside
// the window are served once.
const (
	dedupeTTL     = 2 * time.Minute
	dedupeMaxSize = 10_000
)

// Gateway orchestrates the wa-llm-gateway server components.
// It owns the answer pipeline, the push dispatcher, and the HTTP server.
type Gateway struct {
	config     *config.Config
	pipeline   *pipeline.Service
	generator  llm.Generator
	dispatcher *push.Dispatcher
	store      store.Store
	httpServer *http.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance
	serverID string

	// dedupe suppresses duplicate push requests
	dedupe *dedupe.Window
}

// initStore creates the answer-log store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("WA_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGenerator builds the generation backend selected by llm.mode.
func createGenerator(cfg *config.Config, logger *slog.Logger) (llm.Generator, error) {
	switch cfg.LLM.Mode {
	case config.ModeHTTP:
		return llm.NewHTTPClient(cfg.LLM.APIURL, logger.With("component", "llm")), nil
	case config.ModeSubprocess:
		profile, err := llm.LoadProfile(cfg.LLM.RunnerProfile)
		if err != nil {
			return nil, fmt.Errorf("loading runner profile: %w", err)
		}
		return llm.NewSubprocessClient(profile, logger.With("component", "llm")), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.LLM.Mode)
	}
}

// retrieveParams maps the ask config section onto retrieval parameters.
func retrieveParams(cfg *config.Config) retrieve.Params {
	p := retrieve.DefaultParams()
	if cfg.Ask.LangHint != "" {
		p.Lang = cfg.Ask.LangHint
	}
	if cfg.Ask.TopK > 0 {
		p.TopK = cfg.Ask.TopK
	}
	if cfg.Ask.EvidenceK > 0 {
		p.EvidenceK = cfg.Ask.EvidenceK
	}
	if cfg.Ask.PercentCap > 0 {
		p.PercentCap = cfg.Ask.PercentCap
	}
	if cfg.Ask.ContextMaxTokens > 0 {
		p.MaxTokens = cfg.Ask.ContextMaxTokens
	}
	return p
}

// registerAPIRoutes registers /api routes on the mux, wrapped in auth
// middleware when a JWT secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) error {
	handlers := map[string]http.HandlerFunc{
		"/api/wa/answer":  g.handleAnswer,
		"/api/wa/push":    g.handlePush,
		"/api/wa/history": g.handleHistory,
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		middleware := auth.Middleware(verifier)
		for pattern, h := range handlers {
			mux.Handle(pattern, middleware(h))
		}
		logger.Info("HTTP auth middleware enabled")
		return nil
	}

	for pattern, h := range handlers {
		mux.HandleFunc(pattern, h)
	}
	logger.Warn("HTTP auth disabled - no jwt_secret configured")
	return nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	generator, err := createGenerator(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	retriever := retrieve.NewClient(cfg.Ask.BaseURL, retrieveParams(cfg), logger.With("component", "retrieve"))

	svc := pipeline.New(pipeline.Options{
		Retriever:        retriever,
		Generator:        generator,
		Retryer:          llm.NewRetryer(logger.With("component", "retry")),
		Store:            s,
		DefaultTimeoutMS: cfg.LLM.DefaultTimeoutMS,
		CeilingTimeoutMS: cfg.LLM.CeilingTimeoutMS,
		MaxTokens:        cfg.LLM.MaxTokens,
		Logger:           logger.With("component", "pipeline"),
	})

	gw := &Gateway{
		config:     cfg,
		pipeline:   svc,
		generator:  generator,
		dispatcher: push.New(cfg.Twilio, logger.With("component", "push")),
		store:      s,
		logger:     logger.With("component", "gateway"),
		serverID:   generateServerID(),
		dedupe:     dedupe.New(dedupeTTL, dedupeMaxSize),
	}

	mux := http.NewServeMux()

	// Diagnostic endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/twilio/health", gw.handleTwilioHealth)
	mux.HandleFunc("/api/llm/diag", gw.handleDiag)

	if err := gw.registerAPIRoutes(mux, cfg, logger); err != nil {
		_ = s.Close()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.dedupe.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("wa-llm-gateway-%d", time.Now().UnixNano()%1000000)
}
