// Package server runs the HTTP API and the background loops that share its
// lifetime, and shuts them down in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ShutdownFunc is a function that shuts down a component gracefully.
type ShutdownFunc func(ctx context.Context) error

// LoopFunc is a background loop. It must return once ctx is cancelled.
type LoopFunc func(ctx context.Context) error

type loop struct {
	name string
	fn   LoopFunc
}

// Server wraps http.Server with background loops and graceful shutdown.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu            sync.Mutex
	loops         []loop
	shutdownFuncs []ShutdownFunc
	listener      net.Listener
}

// New creates a new Server instance.
func New(handler http.Handler, port int, readTimeout, writeTimeout, shutdownTimeout time.Duration, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readTimeout,
			WriteTimeout:      writeTimeout,
		},
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

// Go registers a background loop started by Run. Loops see a context that is
// cancelled after the HTTP server has stopped taking requests.
func (s *Server) Go(name string, fn LoopFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops = append(s.loops, loop{name: name, fn: fn})
}

// OnShutdown registers a function to be called during graceful shutdown.
// Shutdown functions run in reverse order (LIFO) after the HTTP server and
// all loops have stopped, so stores registered first are closed last.
func (s *Server) OnShutdown(name string, fn ShutdownFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownFuncs = append(s.shutdownFuncs, func(ctx context.Context) error {
		s.logger.Info("shutting down component", "name", name)
		if err := fn(ctx); err != nil {
			s.logger.Error("component shutdown error", "name", name, "error", err)
			return err
		}
		s.logger.Info("component stopped", "name", name)
		return nil
	})
}

// Listen binds the listening socket. Run calls it when it has not been
// called already; tests call it first to learn the port.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address once listening, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Run serves HTTP and runs the registered loops until ctx is cancelled,
// SIGINT/SIGTERM arrives, or a loop or the listener fails. It then shuts
// everything down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Loops get their own context so they outlive the HTTP drain.
	loopCtx, cancelLoops := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLoops()

	s.mu.Lock()
	loops := append([]loop(nil), s.loops...)
	ln := s.listener
	s.mu.Unlock()

	var loopGroup errgroup.Group
	loopErr := make(chan error, len(loops))
	for _, l := range loops {
		loopGroup.Go(func() error {
			s.logger.Info("loop starting", "name", l.name)
			err := l.fn(loopCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("loop failed", "name", l.name, "error", err)
				loopErr <- fmt.Errorf("%s: %w", l.name, err)
				return err
			}
			s.logger.Info("loop stopped", "name", l.name)
			return nil
		})
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-loopErr:
		runErr = fmt.Errorf("background loop error: %w", err)
	case <-sigCtx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(sigCtx))
	}

	if err := s.gracefulShutdown(cancelLoops, &loopGroup); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// gracefulShutdown stops the HTTP server, then the loops, then the
// registered components, all within shutdownTimeout.
func (s *Server) gracefulShutdown(cancelLoops context.CancelFunc, loops *errgroup.Group) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("phase 1: stopping HTTP server", "timeout", s.shutdownTimeout)
	s.httpServer.SetKeepAlivesEnabled(false)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	s.logger.Info("HTTP server stopped")

	s.logger.Info("phase 2: stopping background loops")
	cancelLoops()
	done := make(chan struct{})
	go func() {
		_ = loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("background loops did not stop in time")
	}

	s.mu.Lock()
	funcs := s.shutdownFuncs
	s.mu.Unlock()
	s.logger.Info("phase 3: stopping registered components", "count", len(funcs))

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		s.logger.Error("shutdown completed with errors", "error_count", len(errs))
		return errors.Join(errs...)
	}

	s.logger.Info("server stopped gracefully")
	return nil
}
