package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/api"
	"github.com/Sriram-PR/redirect-finder/pkg/maintenance"
)

const shutdownTimeout = 15 * time.Second

func runServe(args []string) {
	fs := newFlagSet("serve",
		"redirect-finder serve -config config.yaml",
		"redirect-finder serve -addr 127.0.0.1:9090 -loglevel debug",
	)
	configFile := fs.String("config", "config.yaml", "Path to config file (empty for built-in defaults)")
	addr := fs.String("addr", "", "Listen address; defaults to api.listen_addr")
	logLevel := fs.String("loglevel", "", "Log level (debug, info, warn, error); defaults to config log_level")
	parseFlags(fs, args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(doServe(ctx, *configFile, *addr, *logLevel, os.Stdout, os.Stderr))
}

// doServe runs the HTTP API and the maintenance scheduler until ctx ends
func doServe(ctx context.Context, configPath, addr, logLevel string, stdout, stderr io.Writer) int {
	log := setupLogger(logLevel, stderr)
	appCfg, err := loadAndValidateConfig(configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	applyConfigLogLevel(log, logLevel, appCfg)
	if addr == "" {
		addr = appCfg.API.ListenAddr
	}

	a, err := buildApp(ctx, appCfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	entry := logrus.NewEntry(log)
	scheduler := maintenance.NewScheduler(appCfg.StateDir, a.maintenanceTasks(), entry)
	go func() {
		if err := scheduler.Run(); err != nil {
			log.Errorf("Maintenance scheduler error: %v", err)
		}
	}()

	handler := api.NewHandler(a.stats, a.orchestrator, appCfg.ResolveOptions(), entry)
	srv := api.NewServer(addr, api.NewRouter(handler, entry))

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Statistics API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Warn("Shutdown requested, draining HTTP server...")
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintf(stderr, "HTTP server error: %v\n", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown: %v", err)
	}

	scheduler.Stop()
	select {
	case <-scheduler.Done():
	case <-shutdownCtx.Done():
		log.Warn("Maintenance task still running at shutdown")
	}

	fmt.Fprintln(stdout, "Server stopped.")
	return exitCode
}
