package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindService   = "service"
	KindSimulator = "simulator"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindService:
		return serviceTemplate, nil
	case KindSimulator:
		return simulatorTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindService:
		_, err := LoadServiceConfig(path)
		return err
	case KindSimulator:
		_, err := LoadSimulatorConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const serviceTemplate = `addr = ":9400"
service_id = "assetsyncd"
cors_origins = ["http://localhost:3000"]

# simulator | http
backend = "simulator"
backend_url = "http://localhost:9410"
backend_timeout_ms = 5000
read_rate_per_sec = 20
read_burst = 10
simulator_delay_ms = 1500
simulator_seed_images = 25

max_cascade_depth = 8
history_limit = 256

# Per-operation polling overrides; unspecified keys keep the defaults
# (exponential, 500ms initial, x1.5, 8000ms cap, 12 attempts).
[policies."archived.set"]
strategy = "fixed"
initial_interval_ms = 1000
max_attempts = 10
`

const simulatorTemplate = `addr = ":9410"
delay_ms = 1500
seed_images = 25
`
