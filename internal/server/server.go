// ABOUTME: Server composition root: config, registry, sessions, breaker, transports.
// ABOUTME: Startup validates config; shutdown is idempotent with a grace period.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/toolgate/internal/audit"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/breaker"
	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/tools"
	"github.com/2389/toolgate/internal/transport"
)

// ShutdownGracePeriod bounds how long Stop waits for in-flight work.
const ShutdownGracePeriod = 10 * time.Second

// Options configures a Server.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Hooks  Hooks

	ServerName    string
	ServerVersion string

	// Stdin/Stdout back the stream transport. Defaults to the process
	// streams; tests substitute pipes.
	Stdin  io.Reader
	Stdout io.Writer
}

// Server owns one tool registry, one session manager, one circuit breaker,
// and the configured transports for its process lifetime.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *tools.Registry
	sessions *session.Manager
	breaker  *breaker.Breaker
	handler  *Handler
	recorder audit.Recorder

	transports []transport.Transport

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{}
}

// New validates the configuration and constructs the server and its
// collaborators. No I/O starts until Start.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.ServerName
	if name == "" {
		name = "toolgate"
	}
	version := opts.ServerVersion
	if version == "" {
		version = "dev"
	}

	registry := tools.NewRegistry(logger)
	registry.SetEnabledCategories(cfg.Tools.EnabledCategories)

	sessions := session.NewManager(logger)

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		CallTimeout:      cfg.Breaker.CallTimeout,
	}, logger)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	var tokenStore *auth.TokenStore
	if len(cfg.Auth.StaticTokens) > 0 {
		tokenStore = auth.NewTokenStore()
		for token, caps := range cfg.Auth.StaticTokens {
			tokenStore.Add(token, caps)
		}
		// Admin-gated tools for minting and revoking tokens at runtime.
		if err := builtins.RegisterAdmin(registry, tokenStore); err != nil {
			return nil, fmt.Errorf("registering admin tools: %w", err)
		}
	}

	var recorder audit.Recorder = audit.NopRecorder{}
	if cfg.Audit.Enabled {
		sqlite, err := audit.NewSQLiteRecorder(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
		recorder = sqlite
	}

	handler, err := NewHandler(HandlerConfig{
		SupportedVersions: cfg.Protocol.SupportedVersions,
		ServerName:        name,
		ServerVersion:     version,
		Registry:          registry,
		Sessions:          sessions,
		Breaker:           brk,
		Verifier:          verifier,
		Tokens:            tokenStore,
		AuthRequired:      cfg.Auth.Required,
		DefaultCaps:       cfg.Auth.DefaultCapabilities,
		Audit:             recorder,
		Hooks:             opts.Hooks,
		CallTimeout:       cfg.Breaker.CallTimeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing handler: %w", err)
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	var transports []transport.Transport
	if cfg.Transports.Stdio.Enabled {
		transports = append(transports, transport.NewStdio(stdin, stdout, logger))
	}
	if cfg.Transports.HTTP.Enabled {
		transports = append(transports, transport.NewHTTP(transport.HTTPConfig{
			Addr:         cfg.Transports.HTTP.Addr,
			MaxBodyBytes: cfg.Transports.HTTP.MaxBodyBytes,
			Logger:       logger,
		}))
	}
	if cfg.Transports.WebSocket.Enabled {
		transports = append(transports, transport.NewWebSocket(transport.WebSocketConfig{
			Addr:   cfg.Transports.WebSocket.Addr,
			Logger: logger,
		}))
	}

	return &Server{
		cfg:        cfg,
		logger:     logger.With("component", "server"),
		registry:   registry,
		sessions:   sessions,
		breaker:    brk,
		handler:    handler,
		recorder:   recorder,
		transports: transports,
		stopped:    make(chan struct{}),
	}, nil
}

// Registry exposes the tool registry so callers can register tools before
// (or while) the server runs.
func (s *Server) Registry() *tools.Registry { return s.registry }

// Sessions exposes the session manager for inspection.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Handler exposes the protocol handler, mainly for embedding the server in
// an existing transport (tests, custom shells).
func (s *Server) Handler() *Handler { return s.handler }

// Metrics returns the circuit breaker's counter snapshot.
func (s *Server) Metrics() breaker.Snapshot { return s.breaker.Metrics() }

// Start runs every configured transport and the session reaper, blocking
// until ctx is cancelled, Stop is called, or a transport fails fatally.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.sessions.StartReaper(runCtx, s.cfg.Sessions.ReapInterval, s.cfg.Sessions.IdleTimeout)

	g, gctx := errgroup.WithContext(runCtx)
	for _, t := range s.transports {
		g.Go(func() error {
			s.logger.Info("transport starting", "transport", t.Name())
			if err := t.Start(gctx, s.handler); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s transport: %w", t.Name(), err)
			}
			return nil
		})
	}

	err := g.Wait()
	s.Stop()
	<-s.stopped
	return err
}

// Stop shuts the server down: stop accepting, wait out in-flight work up to
// the grace period, close sessions, release transports and the audit store.
// Safe to call multiple times and from signal handlers; only the first call
// does the work.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		defer close(s.stopped)
		s.logger.Info("shutting down")

		if s.cancel != nil {
			s.cancel()
		}

		graceCtx, cancel := context.WithTimeout(context.Background(), ShutdownGracePeriod)
		defer cancel()
		for _, t := range s.transports {
			if err := t.Shutdown(graceCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("transport shutdown", "transport", t.Name(), "err", err)
			}
		}

		s.sessions.CloseAll()
		if err := s.recorder.Close(); err != nil {
			s.logger.Warn("audit store close", "err", err)
		}
		s.logger.Info("shutdown complete")
	})
}
