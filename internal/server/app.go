// Package server assembles the collector's components and runs the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/api"
	"github.com/JakeFAU/data-collector/internal/config"
	"github.com/JakeFAU/data-collector/internal/crawl"
	"github.com/JakeFAU/data-collector/internal/integrity"
	"github.com/JakeFAU/data-collector/internal/progress"
	"github.com/JakeFAU/data-collector/internal/recovery"
	"github.com/JakeFAU/data-collector/internal/workmanager"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registry   *workmanager.Registry
	hub        *progress.Hub
	scanner    *integrity.Scanner
	recoveries *recovery.Service
	crawls     *crawl.Service
	apiServer  *api.Server

	// closers run in reverse order on Close.
	closers []namedCloser
	ready   []func(ctx context.Context) error

	closeOnce sync.Once
	closeErr  error
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Registry returns the job registry.
func (a *App) Registry() *workmanager.Registry { return a.registry }

// Scanner returns the integrity scanner.
func (a *App) Scanner() *integrity.Scanner { return a.scanner }

// Recoveries returns the recovery service.
func (a *App) Recoveries() *recovery.Service { return a.recoveries }

// Crawls returns the crawl service.
func (a *App) Crawls() *crawl.Service { return a.crawls }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Ready checks every backend that can report reachability.
func (a *App) Ready(ctx context.Context) error {
	for _, check := range a.ready {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run serves the API until ctx ends or SIGINT/SIGTERM arrives, then shuts
// down: HTTP first, then running jobs, then the hub and stores.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	return a.Serve(ctx, lis)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			a.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close cancels every job, waits for them within ctx, and releases the
// infrastructure in reverse order of construction. Later calls return the
// first call's result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		a.registry.CancelAll()
		if err := a.registry.Wait(ctx); err != nil {
			a.logger.Warn("jobs still running at shutdown", zap.Error(err))
			errs = append(errs, fmt.Errorf("wait for jobs: %w", err))
		}
		a.registry.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
