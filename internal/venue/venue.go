// Package venue provides the quote router used to pick and execute against a swap venue.
package venue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrVenueUnavailable is returned when a venue cannot quote.
	ErrVenueUnavailable = errors.New("venue unavailable")
	// ErrExecutionFailed is returned when a venue rejects or drops an execution.
	ErrExecutionFailed = errors.New("execution failed")
	// ErrNoVenues is returned when routing is attempted with an empty registry.
	ErrNoVenues = errors.New("no venues registered")
	// ErrUnknownVenue is returned for names that were never registered.
	ErrUnknownVenue = errors.New("unknown venue")
)

// Venue is an execution destination offering a quote and a settlement.
type Venue interface {
	Name() string
	// Quote returns the output amount the venue would give for amount of input.
	Quote(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
	// Execute performs the exchange and returns an opaque settlement identifier.
	Execute(ctx context.Context, amount decimal.Decimal) (string, error)
}

// SimulatedConfig parameterizes a SimulatedVenue.
type SimulatedConfig struct {
	Name           string        `mapstructure:"name" yaml:"name" json:"name"`
	BaseRate       float64       `mapstructure:"base_rate" yaml:"base_rate" json:"base_rate"`
	Spread         float64       `mapstructure:"spread" yaml:"spread" json:"spread"`
	MinLatency     time.Duration `mapstructure:"min_latency" yaml:"min_latency" json:"min_latency"`
	MaxLatency     time.Duration `mapstructure:"max_latency" yaml:"max_latency" json:"max_latency"`
	ExecuteLatency time.Duration `mapstructure:"execute_latency" yaml:"execute_latency" json:"execute_latency"`
	FailureRate    float64       `mapstructure:"failure_rate" yaml:"failure_rate" json:"failure_rate"`
}

// DefaultSimulatedConfig mirrors a SOL/USDC style pool: 150 base rate, +-1% variance,
// 200-400ms quotes and one second to settle.
func DefaultSimulatedConfig(name string) SimulatedConfig {
	return SimulatedConfig{
		Name:           name,
		BaseRate:       150,
		Spread:         0.01,
		MinLatency:     200 * time.Millisecond,
		MaxLatency:     400 * time.Millisecond,
		ExecuteLatency: time.Second,
	}
}

// SimulatedVenue returns synthetic quotes and settlement identifiers.
type SimulatedVenue struct {
	cfg SimulatedConfig

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Venue = (*SimulatedVenue)(nil)

// NewSimulatedVenue creates a venue seeded from the clock.
func NewSimulatedVenue(cfg SimulatedConfig) *SimulatedVenue {
	seed := uint64(time.Now().UnixNano())
	return NewSimulatedVenueWithSeed(cfg, seed)
}

// NewSimulatedVenueWithSeed creates a venue with a deterministic random source.
func NewSimulatedVenueWithSeed(cfg SimulatedConfig, seed uint64) *SimulatedVenue {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &SimulatedVenue{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Name returns the configured venue name.
func (v *SimulatedVenue) Name() string { return v.cfg.Name }

// Quote waits a random latency and returns amount * rate with symmetric variance.
func (v *SimulatedVenue) Quote(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	latency := v.cfg.MinLatency
	if span := v.cfg.MaxLatency - v.cfg.MinLatency; span > 0 {
		latency += time.Duration(v.rng.Int64N(int64(span)))
	}
	variance := (v.rng.Float64()*2 - 1) * v.cfg.Spread
	fail := v.cfg.FailureRate > 0 && v.rng.Float64() < v.cfg.FailureRate
	v.mu.Unlock()

	if err := sleep(ctx, latency); err != nil {
		return decimal.Zero, err
	}
	if fail {
		return decimal.Zero, fmt.Errorf("%w: %s did not answer", ErrVenueUnavailable, v.cfg.Name)
	}

	price := decimal.NewFromFloat(v.cfg.BaseRate * (1 + variance))
	return amount.Mul(price), nil
}

// Execute waits the settlement latency and returns a "5x" prefixed identifier.
func (v *SimulatedVenue) Execute(ctx context.Context, amount decimal.Decimal) (string, error) {
	v.mu.Lock()
	fail := v.cfg.FailureRate > 0 && v.rng.Float64() < v.cfg.FailureRate
	id := "5x" + strconv.FormatUint(v.rng.Uint64(), 36) + strconv.FormatUint(v.rng.Uint64(), 36)
	v.mu.Unlock()

	if err := sleep(ctx, v.cfg.ExecuteLatency); err != nil {
		return "", err
	}
	if fail {
		return "", fmt.Errorf("%w: %s rejected %s", ErrExecutionFailed, v.cfg.Name, amount)
	}
	return id, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
