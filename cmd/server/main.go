package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/pairpad/backend/internal/config"
	"github.com/pairpad/backend/internal/frontend"
	"github.com/pairpad/backend/internal/sandbox"
	"github.com/pairpad/backend/internal/session"
	"github.com/pairpad/backend/internal/ws"
)

type CLI struct {
	Config      string `help:"Path to yaml config file" type:"path"`
	Port        int    `help:"Override server port"`
	LogLevel    string `help:"Log level (debug|info|warn|error)" default:"info"`
	Dev         bool   `help:"Development mode (serve frontend from filesystem)"`
	FrontendDir string `help:"Frontend directory for --dev" default:""`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("pairpad-server"),
		kong.Description("Real-time collaborative code-editing session server"),
	)
	kctx.FatalIfErrorf(run(cli))
}

func run(cli CLI) error {
	logger, err := newLogger(cli.LogLevel)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if cli.Config != "" {
		cfg, err = config.Load(cli.Config)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if cli.Port > 0 {
		cfg.Server.Port = cli.Port
	}

	registry := session.NewRegistry(logger.With("component", "registry"))
	runner := sandbox.NewRunner(cfg.Sandbox, logger.With("component", "sandbox"))
	reaper := session.NewReaper(registry, cfg.Session.ReapInterval, cfg.Session.IdleTimeout, logger.With("component", "reaper"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	frontendDir := cli.FrontendDir
	if cli.Dev && frontendDir == "" {
		cwd, _ := os.Getwd()
		frontendDir = filepath.Join(cwd, "frontend")
	}

	var embeddedHandler http.Handler
	if !cli.Dev {
		embeddedHandler = frontend.Handler()
		if embeddedHandler == nil {
			logger.Debug("no embedded frontend in this build")
		}
	}

	server := ws.NewServer(cfg, registry, runner, logger.With("component", "ws"), frontendDir, cli.Dev, embeddedHandler)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		cancel()
		wg.Wait()
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}

	// Stop the reaper last and wait for any in-flight sweep.
	cancel()
	wg.Wait()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func newLogger(rawLevel string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger, nil
}
