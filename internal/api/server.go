// Package api exposes the agent runtime over HTTP.
//
// Endpoints (all JSON unless noted):
//
//	POST   /api/v1/chats                    create chat
//	GET    /api/v1/chats?limit&offset       list chats
//	GET    /api/v1/chats/{id}               chat detail with transcript
//	DELETE /api/v1/chats/{id}               delete chat (cancels active run)
//	POST   /api/v1/chats/{id}/messages      send message (SSE response)
//	POST   /api/v1/chats/{id}/cancel        cancel the active run
//	GET    /api/v1/chats/{id}/files         list output files
//	GET    /api/v1/chats/{id}/files/{name}  download an output file
//	GET    /api/v1/commands                 slash command catalog
//	GET    /health                          health check
//
// Downstream credentials travel in X-API-Token and X-API-Base-URL headers
// and are forwarded, never validated here.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/docbridge-ai/agent/internal/config"
	"github.com/docbridge-ai/agent/internal/llm"
	"github.com/docbridge-ai/agent/internal/platform"
	"github.com/docbridge-ai/agent/internal/registry"
	"github.com/docbridge-ai/agent/internal/store"
)

// Server timeouts. WriteTimeout is generous because SSE responses stream
// for the whole run.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 15 * time.Second

	maxRequestBody = 10 << 20 // 10 MB, leaves room for image uploads
)

// Rate limits per credential-derived key.
const (
	chatCreatePerMinute = 30
	messagesPerMinute   = 10
)

// ConnectFunc opens a tool-server connection for one run. Production uses
// platform.Connect; tests inject a fake.
type ConnectFunc func(ctx context.Context, creds Credentials, mode string) (platform.Client, error)

// Server is the HTTP server for the agent runtime.
type Server struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	provider llm.Provider
	connect  ConnectFunc
	logger   *slog.Logger

	mux *http.ServeMux

	createLimits  *limiterPool
	messageLimits *limiterPool

	// base is the process-lifetime context runs derive from; client
	// disconnects cancel through the registry instead.
	base context.Context //nolint:containedctx // app lifecycle, not a request context
}

// Options wires the server's collaborators.
type Options struct {
	Config   *config.Config
	Store    store.Store
	Registry *registry.Registry
	Provider llm.Provider
	Connect  ConnectFunc
	Logger   *slog.Logger

	// Base is the process-lifetime context. Defaults to
	// context.Background().
	Base context.Context //nolint:containedctx // app lifecycle, not a request context
}

// NewServer creates the server and registers all routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Base == nil {
		opts.Base = context.Background()
	}
	if opts.Connect == nil {
		opts.Connect = func(ctx context.Context, creds Credentials, mode string) (platform.Client, error) {
			return platform.Connect(ctx, platform.Config{
				Command:    opts.Config.ToolServerCommand,
				Args:       opts.Config.ToolServerArgs,
				APIToken:   creds.Token,
				APIBaseURL: creds.BaseURL,
				Mode:       mode,
				Logger:     opts.Logger,
			})
		}
	}

	s := &Server{
		cfg:           opts.Config,
		store:         opts.Store,
		registry:      opts.Registry,
		provider:      opts.Provider,
		connect:       opts.Connect,
		logger:        opts.Logger,
		mux:           http.NewServeMux(),
		createLimits:  newLimiterPool(chatCreatePerMinute),
		messageLimits: newLimiterPool(messagesPerMinute),
		base:          opts.Base,
	}

	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /api/v1/commands", s.listCommands)

	s.mux.HandleFunc("POST /api/v1/chats", s.createChat)
	s.mux.HandleFunc("GET /api/v1/chats", s.listChats)
	s.mux.HandleFunc("GET /api/v1/chats/{id}", s.getChat)
	s.mux.HandleFunc("DELETE /api/v1/chats/{id}", s.deleteChat)
	s.mux.HandleFunc("POST /api/v1/chats/{id}/messages", s.sendMessage)
	s.mux.HandleFunc("POST /api/v1/chats/{id}/cancel", s.cancelRun)
	s.mux.HandleFunc("GET /api/v1/chats/{id}/files", s.listFiles)
	s.mux.HandleFunc("GET /api/v1/chats/{id}/files/{name}", s.downloadFile)

	return s
}

// Handler returns the handler with middleware applied.
// Order: recovery → request size limit → logging → mux.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		sizeLimitMiddleware(maxRequestBody),
		loggingMiddleware(s.logger),
	)
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
