package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/assetsync/internal/poll"
)

var ErrInvalidConfig = errors.New("config: invalid")

type BackendKind string

const (
	BackendSimulator BackendKind = "simulator"
	BackendHTTP      BackendKind = "http"
)

// ServiceConfig is the resolved assetsyncd runtime configuration.
type ServiceConfig struct {
	ListenAddr          string
	ServiceID           string
	CorsOrigins         []string
	Backend             BackendKind
	BackendURL          string
	BackendTimeout      time.Duration
	ReadRatePerSec      float64
	ReadBurst           int
	SimulatorDelay      time.Duration
	SimulatorSeedImages int
	MaxCascadeDepth     int
	HistoryLimit        int
	// Policies overrides the polling policy of individual operations.
	Policies map[string]poll.Policy
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:          ":9400",
		ServiceID:           "assetsyncd",
		CorsOrigins:         []string{"http://localhost:3000"},
		Backend:             BackendSimulator,
		BackendTimeout:      5 * time.Second,
		ReadRatePerSec:      20,
		ReadBurst:           10,
		SimulatorDelay:      1500 * time.Millisecond,
		SimulatorSeedImages: 25,
		MaxCascadeDepth:     8,
		HistoryLimit:        256,
		Policies:            map[string]poll.Policy{},
	}
}

// assetsyncd config.toml key mapping.
type fileConfig struct {
	Addr             string                `toml:"addr"`
	ServiceID        string                `toml:"service_id"`
	CorsOrigins      []string              `toml:"cors_origins"`
	Backend          string                `toml:"backend"`
	BackendURL       string                `toml:"backend_url"`
	BackendTimeoutMS int                   `toml:"backend_timeout_ms"`
	ReadRatePerSec   float64               `toml:"read_rate_per_sec"`
	ReadBurst        int                   `toml:"read_burst"`
	SimulatorDelayMS int                   `toml:"simulator_delay_ms"`
	SimulatorSeeds   int                   `toml:"simulator_seed_images"`
	MaxCascadeDepth  int                   `toml:"max_cascade_depth"`
	HistoryLimit     int                   `toml:"history_limit"`
	Policies         map[string]policyFile `toml:"policies"`
}

type policyFile struct {
	Strategy          string  `toml:"strategy"`
	InitialIntervalMS int     `toml:"initial_interval_ms"`
	MaxAttempts       int     `toml:"max_attempts"`
	Multiplier        float64 `toml:"multiplier"`
	MaxIntervalMS     int     `toml:"max_interval_ms"`
}

// LoadServiceConfig decodes path and overlays the keys it defines on
// DefaultServiceConfig.
func LoadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("load service config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ServiceConfig{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("service_id") {
		cfg.ServiceID = strings.TrimSpace(raw.ServiceID)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("backend") {
		cfg.Backend = BackendKind(strings.ToLower(strings.TrimSpace(raw.Backend)))
	}
	if meta.IsDefined("backend_url") {
		cfg.BackendURL = strings.TrimSpace(raw.BackendURL)
	}
	if meta.IsDefined("backend_timeout_ms") {
		cfg.BackendTimeout = time.Duration(raw.BackendTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("read_rate_per_sec") {
		cfg.ReadRatePerSec = raw.ReadRatePerSec
	}
	if meta.IsDefined("read_burst") {
		cfg.ReadBurst = raw.ReadBurst
	}
	if meta.IsDefined("simulator_delay_ms") {
		cfg.SimulatorDelay = time.Duration(raw.SimulatorDelayMS) * time.Millisecond
	}
	if meta.IsDefined("simulator_seed_images") {
		cfg.SimulatorSeedImages = raw.SimulatorSeeds
	}
	if meta.IsDefined("max_cascade_depth") {
		cfg.MaxCascadeDepth = raw.MaxCascadeDepth
	}
	if meta.IsDefined("history_limit") {
		cfg.HistoryLimit = raw.HistoryLimit
	}
	for op, p := range raw.Policies {
		policy, err := overlayPolicy(meta, op, p)
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.Policies[strings.TrimSpace(op)] = policy
	}

	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

func overlayPolicy(meta toml.MetaData, op string, raw policyFile) (poll.Policy, error) {
	p := poll.DefaultPolicy()
	defined := func(key string) bool { return meta.IsDefined("policies", op, key) }
	if defined("strategy") {
		s, err := poll.ParseStrategy(raw.Strategy)
		if err != nil {
			return poll.Policy{}, fmt.Errorf("%w: policies.%s: %v", ErrInvalidConfig, op, err)
		}
		p.Strategy = s
	}
	if defined("initial_interval_ms") {
		p.InitialInterval = time.Duration(raw.InitialIntervalMS) * time.Millisecond
	}
	if defined("max_attempts") {
		p.MaxAttempts = raw.MaxAttempts
	}
	if defined("multiplier") {
		p.Multiplier = raw.Multiplier
	}
	if defined("max_interval_ms") {
		p.MaxInterval = time.Duration(raw.MaxIntervalMS) * time.Millisecond
	}
	if err := p.Validate(); err != nil {
		return poll.Policy{}, fmt.Errorf("%w: policies.%s: %v", ErrInvalidConfig, op, err)
	}
	return p, nil
}

func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%w: missing addr", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.ServiceID) == "" {
		return fmt.Errorf("%w: missing service_id", ErrInvalidConfig)
	}
	switch c.Backend {
	case BackendSimulator:
		if c.SimulatorDelay < 0 || c.SimulatorSeedImages < 0 {
			return fmt.Errorf("%w: simulator_delay_ms and simulator_seed_images must be >= 0", ErrInvalidConfig)
		}
	case BackendHTTP:
		u, err := url.Parse(c.BackendURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: backend_url %q must be an absolute URL when backend=http", ErrInvalidConfig, c.BackendURL)
		}
		if c.BackendTimeout <= 0 {
			return fmt.Errorf("%w: backend_timeout_ms must be > 0", ErrInvalidConfig)
		}
		if c.ReadRatePerSec <= 0 || c.ReadBurst < 1 {
			return fmt.Errorf("%w: read_rate_per_sec and read_burst must be positive", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: backend %q (expected simulator or http)", ErrInvalidConfig, c.Backend)
	}
	if c.MaxCascadeDepth < 1 {
		return fmt.Errorf("%w: max_cascade_depth must be >= 1", ErrInvalidConfig)
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("%w: history_limit must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// SimulatorConfig is the resolved assetsimd runtime configuration.
type SimulatorConfig struct {
	ListenAddr string
	Delay      time.Duration
	// SeedImages preloads image-0001..image-N so clients have targets.
	SeedImages int
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		ListenAddr: ":9410",
		Delay:      1500 * time.Millisecond,
		SeedImages: 25,
	}
}

type simulatorFileConfig struct {
	Addr       string `toml:"addr"`
	DelayMS    int    `toml:"delay_ms"`
	SeedImages int    `toml:"seed_images"`
}

func LoadSimulatorConfig(path string) (SimulatorConfig, error) {
	cfg := DefaultSimulatorConfig()

	var raw simulatorFileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return SimulatorConfig{}, fmt.Errorf("load simulator config (%s): %w", path, err)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("delay_ms") {
		cfg.Delay = time.Duration(raw.DelayMS) * time.Millisecond
	}
	if meta.IsDefined("seed_images") {
		cfg.SeedImages = raw.SeedImages
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return SimulatorConfig{}, fmt.Errorf("%w: missing addr", ErrInvalidConfig)
	}
	if cfg.Delay < 0 || cfg.SeedImages < 0 {
		return SimulatorConfig{}, fmt.Errorf("%w: delay_ms and seed_images must be >= 0", ErrInvalidConfig)
	}
	return cfg, nil
}
