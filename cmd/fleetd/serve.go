package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/fleetd/internal/app"
	"github.com/agentfleet/fleetd/internal/events"
	"github.com/agentfleet/fleetd/internal/logger"
	"github.com/agentfleet/fleetd/internal/registry"
)

var errStartupFailed = errors.New("startup failed")

// loadApp reads the configuration and installs the configured logger as the
// default. Config errors are reported on ev as a failed PreFlight phase.
func loadApp(path string, ev *events.Sender) (*app.App, error) {
	reg, err := registry.Load(path)
	if err != nil {
		ev.PhaseStarted(events.PhasePreFlight)
		ev.PhaseFailed(events.PhasePreFlight, err)
		ev.Error(err.Error(), true)
		return nil, err
	}
	cfg := reg.Config()
	log := logger.New(cfg.Log)
	slog.SetDefault(log)
	if logger.ParseLevel(cfg.Log.Level) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	return app.New(reg, app.Options{Version: version, Log: log}), nil
}

func runServe(ctx context.Context, w io.Writer, path string, gf *GlobalFlags, sf *ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tx, rx := events.New()
	done := renderEvents(rx, w, gf.JSON, colorEnabled(w, gf.NoColor))

	a, err := loadApp(path, tx)
	if err != nil {
		tx.Close()
		<-done
		return fmt.Errorf("%w: %v", errStartupFailed, err)
	}

	bootErr := a.Boot(ctx, tx)
	tx.Close()
	if bootErr != nil {
		rep := <-done
		_ = a.Shutdown(context.Background())
		if rep != nil && !rep.Fatal() {
			return bootErr
		}
		return fmt.Errorf("%w: %v", errStartupFailed, bootErr)
	}
	<-ctx.Done()
	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), sf.ShutdownTimeout)
	defer cancel()
	if sf.StopOnExit {
		if err := a.StopServices(sctx, nil); err != nil {
			slog.Warn("failed to stop services", "error", err)
		}
	}
	return a.Shutdown(sctx)
}

// runLocalReconcile runs one pass in this process, rendering events like serve.
func runLocalReconcile(ctx context.Context, w io.Writer, gf *GlobalFlags) (*events.Report, error) {
	tx, rx := events.New()
	done := renderEvents(rx, w, gf.JSON, colorEnabled(w, gf.NoColor))

	a, err := loadApp(gf.ConfigPath, tx)
	if err != nil {
		tx.Close()
		return <-done, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(sctx)
	}()

	if err := a.Open(ctx, tx); err != nil {
		tx.Close()
		return <-done, err
	}
	_, err = a.ReconcileOnce(ctx, tx)
	if err != nil {
		tx.Error(err.Error(), false)
	}
	tx.Close()
	return <-done, err
}
