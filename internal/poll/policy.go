package poll

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var ErrInvalidPolicy = errors.New("poll: invalid policy")

// Strategy selects how the wait between attempts evolves.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

func (s Strategy) IsValid() bool {
	switch s {
	case StrategyFixed, StrategyExponential:
		return true
	}
	return false
}

// Policy bounds one poll loop.
type Policy struct {
	Strategy        Strategy
	InitialInterval time.Duration
	MaxAttempts     int
	Multiplier      float64
	MaxInterval     time.Duration
}

// DefaultPolicy is tuned for the catalog read path, which typically reflects
// a write within a few seconds.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:        StrategyExponential,
		InitialInterval: 500 * time.Millisecond,
		MaxAttempts:     12,
		Multiplier:      1.5,
		MaxInterval:     8 * time.Second,
	}
}

// FixedPolicy waits interval before each of attempts checks.
func FixedPolicy(interval time.Duration, attempts int) Policy {
	return Policy{
		Strategy:        StrategyFixed,
		InitialInterval: interval,
		MaxAttempts:     attempts,
		Multiplier:      1,
		MaxInterval:     interval,
	}
}

// Validate enforces the fields Poll depends on.
func (p Policy) Validate() error {
	if !p.Strategy.IsValid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, p.Strategy)
	}
	if p.InitialInterval <= 0 {
		return fmt.Errorf("%w: initial interval must be positive", ErrInvalidPolicy)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidPolicy)
	}
	if p.Strategy == StrategyExponential {
		if p.Multiplier < 1.0 {
			return fmt.Errorf("%w: multiplier must be >= 1", ErrInvalidPolicy)
		}
		if p.MaxInterval < p.InitialInterval {
			return fmt.Errorf("%w: max interval must be set and not below initial interval", ErrInvalidPolicy)
		}
	}
	return nil
}

// Delay returns the wait before attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.Strategy != StrategyExponential {
		return p.InitialInterval
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(p.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	// Uncapped growth saturates instead of wrapping negative.
	if delay >= math.MaxInt64 || math.IsNaN(delay) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// ParseStrategy maps config text to a Strategy.
func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, raw)
	}
	return s, nil
}
