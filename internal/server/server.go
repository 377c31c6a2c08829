package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

const (
	// Host is the listen address used by both serving modes.
	Host = "0.0.0.0"
	// Port is the fixed HTTP port.
	Port = 5000

	readHeaderTimeout   = 5 * time.Second
	writeTimeout        = 30 * time.Second
	idleTimeout         = 60 * time.Second
	shutdownGracePeriod = 10 * time.Second
)

// ProductionOptions is the complete production server configuration.
type ProductionOptions struct {
	Bind    string
	Workers int
}

// DevelopmentOptions configures the single-process development server.
type DevelopmentOptions struct {
	Host  string
	Port  int
	Debug bool
}

// WorkerCount returns the production worker count for n available CPUs.
func WorkerCount(n int) int {
	if n < 1 {
		n = 1
	}
	return 2*n + 1
}

// Bind returns the production bind address.
func Bind() string {
	return net.JoinHostPort(Host, strconv.Itoa(Port))
}

// ServeProduction serves handler on opts.Bind with at most opts.Workers
// requests handled concurrently. Connections are closed after each response.
// It blocks until ctx is canceled or the listener fails.
func ServeProduction(ctx context.Context, handler http.Handler, opts ProductionOptions, logger *zap.Logger) error {
	if opts.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", opts.Workers)
	}

	ln, err := net.Listen("tcp", opts.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.Bind, err)
	}

	srv := newServer(handler)
	// Each worker slot is a connection, so it must be released after every response.
	srv.SetKeepAlivesEnabled(false)

	logger.Info("production server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", opts.Workers),
	)
	return serve(ctx, srv, netutil.LimitListener(ln, opts.Workers), logger)
}

// ServeDevelopment serves handler on a single listener. With Debug set,
// every request is logged and a panicking handler answers with its stack trace.
func ServeDevelopment(ctx context.Context, handler http.Handler, opts DevelopmentOptions, logger *zap.Logger) error {
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	if opts.Debug {
		handler = debugMiddleware(logger, handler)
	}

	logger.Info("development server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("debug", opts.Debug),
	)
	return serve(ctx, newServer(handler), ln, logger)
}

func newServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

func serve(ctx context.Context, server *http.Server, ln net.Listener, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdown(server, shutdownGracePeriod, logger)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}

func debugMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", stack),
				)
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = fmt.Fprintf(w, "panic: %v\n\n%s", rec, stack)
			}
		}()

		next.ServeHTTP(w, r)

		logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
