package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/danmuck/assetsync/internal/config"
	"github.com/rs/zerolog/log"
)

// loadServiceConfig falls back to defaults when path does not exist so the
// daemon runs against the in-process simulator out of the box.
func loadServiceConfig(path string) (config.ServiceConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("config", path).Msg("config not found, using defaults")
		return config.DefaultServiceConfig(), nil
	}
	return config.LoadServiceConfig(path)
}
