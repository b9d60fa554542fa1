package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/assetsync/internal/assets/simulator"
	"github.com/danmuck/assetsync/internal/config"
	"github.com/danmuck/assetsync/internal/observability"
)

func main() {
	configPath := flag.String("config", "cmd/assetsimd/config.toml", "simulator config path")
	flag.Parse()

	logger := observability.InitLogger("assetsimd")
	cfg := config.DefaultSimulatorConfig()
	if _, err := os.Stat(*configPath); !errors.Is(err, fs.ErrNotExist) {
		loaded, err := config.LoadSimulatorConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "assetsimd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	sim := simulator.New(simulator.Config{Delay: cfg.Delay})
	ids := sim.Seed(cfg.SeedImages)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           simulator.NewHandler(sim),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("addr", cfg.ListenAddr).
		Dur("delay", cfg.Delay).
		Int("images", len(ids)).
		Msg("simulator listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "assetsimd: %v\n", err)
		os.Exit(1)
	}
}
