// Command composedeck runs the compose-instance control plane: a web API
// on the primary port, one background task per in-flight operation, and
// the fallback-listener supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/composedeck/composedeck/internal/compose"
	"github.com/composedeck/composedeck/internal/config"
	"github.com/composedeck/composedeck/internal/instance"
	"github.com/composedeck/composedeck/internal/orchestrator"
	"github.com/composedeck/composedeck/internal/supervisor"
	"github.com/composedeck/composedeck/internal/web"
)

func main() {
	fs := flag.NewFlagSet("composedeck", flag.ExitOnError)
	baseDir := fs.String("base", defaultBaseDir(), "Base data directory")
	configPath := fs.String("config", "", "Path to config.toml (default <base>/config.toml)")
	listenAddr := fs.String("listen", "", "Primary listen address (overrides config)")

	fs.Usage = func() {
		fmt.Println("Usage: composedeck [options]")
		fmt.Println()
		fmt.Println("Start the compose-instance control plane.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *configPath == "" {
		*configPath = filepath.Join(*baseDir, "config.toml")
	}
	cfg, err := config.Load(*configPath, *baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	if cfg.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		}))
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := instance.NewRegistry(cfg.InstancesDir)
	if err != nil {
		return err
	}
	if err := reg.Watch(ctx); err != nil {
		log.Printf("[MAIN] registry watcher unavailable: %v", err)
	}

	sel := instance.NewSelection(cfg.SelectionFile, reg)
	templates := config.NewTemplateRegistry(cfg.TemplatesFile)
	runner := compose.ExecRunner{}
	probe := compose.NewProbe(reg, runner, cfg.StatusTimeout())
	orch := orchestrator.New(reg, sel, templates, probe, runner, cfg.CommandTimeout())

	server := web.NewServer(web.Config{
		ListenAddr: cfg.ListenAddr,
		AuthFile:   cfg.AuthFile,
		SessionTTL: cfg.SessionTTL(),
	}, web.Deps{
		Orch:      orch,
		Registry:  reg,
		Selection: sel,
		Probe:     probe,
		Templates: templates,
		Runner:    runner,
	})
	if err := server.Auth().EnsureCredentials(); err != nil {
		return err
	}

	sup := supervisor.New(cfg.FallbackAddr, server.Handler(), probe, cfg.PollInterval())
	go sup.Run(ctx)

	log.Printf("[MAIN] composedeck on http://%s", cfg.ListenAddr)
	log.Printf("[MAIN] instances directory: %s", cfg.InstancesDir)
	log.Printf("[MAIN] selected instance: %s", orEmpty(sel.Get(), "none"))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return fmt.Errorf("web server failed: %w", err)
	case <-sigCh:
	}

	log.Printf("[MAIN] shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] web server shutdown: %v", err)
	}
	return nil
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".composedeck"
	}
	return filepath.Join(home, ".composedeck")
}

func orEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
