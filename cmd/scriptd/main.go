package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scriptd/scriptd/internal/adminws"
	"github.com/scriptd/scriptd/internal/api"
	"github.com/scriptd/scriptd/internal/client"
	"github.com/scriptd/scriptd/internal/config"
	"github.com/scriptd/scriptd/internal/pool"
	"github.com/scriptd/scriptd/internal/supervisor"
	"github.com/scriptd/scriptd/internal/telemetry"
	"github.com/scriptd/scriptd/internal/watch"
)

var version = "0.1.0-dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scriptd",
		Short:         "scriptd multiplexes requests across a pool of persistent interpreter subprocesses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd(), evalCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scriptd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "scriptd v%s\n", version)
			return nil
		},
	}
}

func evalCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "eval <code>",
		Short: "Print the /eval request for a snippet and the control API address it targets (nothing is sent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			fmt.Printf("would POST /eval {\"code\": %q} to %s\n", args[0], cfg.Server.Address)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "scriptd.yaml", "path to scriptd.yaml")
	return cmd
}

func serveCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pool manager and its HTTP/WebSocket control surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "scriptd.yaml", "path to scriptd.yaml")
	return cmd
}

// loadInitSnippet resolves the single configured initialization snippet,
// either given inline or read from init_snippet_file; config.Validate
// already rejects setting both.
func loadInitSnippet(interp config.InterpConfig) (string, error) {
	if interp.InitSnippet != "" {
		return interp.InitSnippet, nil
	}
	if interp.InitSnippetFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(interp.InitSnippetFile)
	if err != nil {
		return "", fmt.Errorf("reading init snippet file %s: %w", interp.InitSnippetFile, err)
	}
	return string(data), nil
}

func serve(cfgPath string) error {
	startupLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	startupLogger.Info("scriptd starting", "version", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}

	tp, err := telemetry.NewTracerProvider("scriptd")
	if err != nil {
		return fmt.Errorf("configuring tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	sup := supervisor.NewLocalSupervisor(cfg.Interp.Binary, cfg.Interp.Args, cfg.Pool.NumWorkers)
	mgr := pool.New(cfg.Pool, cfg.Interp, sup, logger)
	go mgr.Run()

	initSnippet, err := loadInitSnippet(cfg.Interp)
	if err != nil {
		return fmt.Errorf("loading interpreter init snippet: %w", err)
	}
	if initSnippet != "" {
		if _, err := mgr.RequireCode(initSnippet); err != nil {
			return fmt.Errorf("registering interpreter init snippet: %w", err)
		}
	}

	cl := client.New(mgr)

	apiSrv := api.New(cl, logger, cfg.Pool.AllocateTimeout.Duration())
	httpSrv := &http.Server{Addr: cfg.Server.Address, Handler: apiSrv}

	var adminMgr *adminws.Manager
	if cfg.Admin.Enabled {
		adminMgr = adminws.NewManager(mgr, logger, time.Second)
		go adminMgr.Run()
		mux := http.NewServeMux()
		mux.Handle("/", apiSrv)
		mux.Handle(cfg.Admin.Path, adminMgr)
		httpSrv.Handler = mux
	}

	var watcher *watch.Watcher
	if cfg.Watch.Enabled && len(cfg.Watch.Paths) > 0 {
		watcher, err = watch.New(cfg.Watch.Paths, 200*time.Millisecond, logger, func() {
			logger.Info("watched path changed, restarting workers")
			if err := mgr.RestartAll(); err != nil {
				logger.Error("restart on file change failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("starting file watcher: %w", err)
		}
		watcher.Start()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGUSR1)
	go func() {
		for range reload {
			logger.Info("SIGUSR1 received, restarting workers")
			if err := mgr.RestartAll(); err != nil {
				logger.Error("restart failed", "error", err)
			}
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	logger.Info("scriptd ready", "address", cfg.Server.Address)

	<-quit
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if watcher != nil {
		watcher.Stop()
	}
	if adminMgr != nil {
		adminMgr.Stop()
	}
	mgr.Stop()

	logger.Info("scriptd stopped")
	return nil
}
