package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/assetsync/internal/observability"
	"github.com/danmuck/assetsync/internal/service"
)

func main() {
	configPath := flag.String("config", "cmd/assetsyncd/config.toml", "service config path")
	flag.Parse()

	logger := observability.InitLogger("assetsyncd")
	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assetsyncd: %v\n", err)
		os.Exit(1)
	}
	svc, err := service.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assetsyncd: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Str("config", *configPath).Str("addr", cfg.ListenAddr).Msg("starting")
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "assetsyncd: %v\n", err)
		os.Exit(1)
	}
}
