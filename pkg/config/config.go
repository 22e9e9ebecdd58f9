// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects where transformed documents are written.
type Mode string

const (
	// ModeInSitu overwrites records in the source collection.
	ModeInSitu Mode = "in-situ"
	// ModeCrossDestination copies records into a separate destination
	// collection while masking.
	ModeCrossDestination Mode = "cross-destination"
)

// SizingPolicy bounds adaptive batch sizing. Exceeding the duration or
// memory target shrinks the next batch; comfortable headroom on both grows
// it.
type SizingPolicy struct {
	InitialSize         int
	MinSize             int
	MaxSize             int
	TargetBatchDuration time.Duration
	MemoryBudgetMB      int
	ShrinkFactor        float64
	GrowFactor          float64
}

// DefaultSizingPolicy returns the sizing defaults used when a run config
// leaves the policy unset.
func DefaultSizingPolicy() SizingPolicy {
	return SizingPolicy{
		InitialSize:         1000,
		MinSize:             50,
		MaxSize:             10000,
		TargetBatchDuration: 30 * time.Second,
		MemoryBudgetMB:      512,
		ShrinkFactor:        0.5,
		GrowFactor:          1.25,
	}
}

// Validate checks policy bounds.
func (p SizingPolicy) Validate() error {
	if p.MinSize <= 0 || p.MaxSize < p.MinSize {
		return fmt.Errorf("sizing bounds invalid: min=%d max=%d", p.MinSize, p.MaxSize)
	}
	if p.InitialSize < p.MinSize || p.InitialSize > p.MaxSize {
		return fmt.Errorf("initial batch size %d outside [%d,%d]", p.InitialSize, p.MinSize, p.MaxSize)
	}
	if p.TargetBatchDuration <= 0 {
		return errors.New("target batch duration must be positive")
	}
	if p.MemoryBudgetMB <= 0 {
		return errors.New("memory budget must be positive")
	}
	if p.ShrinkFactor <= 0 || p.ShrinkFactor >= 1 {
		return fmt.Errorf("shrink factor %v must be in (0,1)", p.ShrinkFactor)
	}
	if p.GrowFactor <= 1 {
		return fmt.Errorf("grow factor %v must be > 1", p.GrowFactor)
	}
	return nil
}

// ConcurrencyPolicy bounds the worker pool.
type ConcurrencyPolicy struct {
	MaxWorkers     int
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxInFlight    int
	WorkerMemoryMB int
}

// DefaultConcurrencyPolicy returns the worker pool defaults.
func DefaultConcurrencyPolicy() ConcurrencyPolicy {
	return ConcurrencyPolicy{
		MaxWorkers:     4,
		MaxRetries:     3,
		RetryBackoff:   time.Second,
		MaxInFlight:    8,
		WorkerMemoryMB: 256,
	}
}

// Validate checks policy bounds.
func (p ConcurrencyPolicy) Validate() error {
	if p.MaxWorkers <= 0 {
		return errors.New("worker count must be positive")
	}
	if p.MaxRetries < 0 {
		return errors.New("retry count cannot be negative")
	}
	if p.MaxInFlight < p.MaxWorkers {
		return fmt.Errorf("in-flight cap %d below worker count %d", p.MaxInFlight, p.MaxWorkers)
	}
	return nil
}

// RunConfig describes one masking run. It is immutable for the run's
// lifetime; run-scoped mutable state lives in the engine's RunContext.
type RunConfig struct {
	RuleFile   string
	SourceEnv  string
	DestEnv    string
	SourceDB   string
	DestDB     string
	Collection string
	Mode       Mode
	KeyField   string

	Sizing      SizingPolicy
	Concurrency ConcurrencyPolicy

	Resume           bool
	DryRun           bool
	VerifySampleSize int
}

// Validate ensures the run configuration is complete before any connection
// is opened.
func (c *RunConfig) Validate() error {
	if c.RuleFile == "" {
		return errors.New("rule file is required")
	}
	if c.Collection == "" {
		return errors.New("collection name is required")
	}
	if c.SourceEnv == "" {
		return errors.New("source environment is required")
	}
	switch c.Mode {
	case ModeInSitu:
		// Destination settings are ignored in-situ.
	case ModeCrossDestination:
		if c.DestEnv == "" {
			return errors.New("destination environment is required for cross-destination mode")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.KeyField == "" {
		return errors.New("primary key field is required")
	}
	if err := c.Sizing.Validate(); err != nil {
		return err
	}
	if err := c.Concurrency.Validate(); err != nil {
		return err
	}
	if c.VerifySampleSize < 0 {
		return errors.New("verification sample size cannot be negative")
	}
	return nil
}

// LoadEnvFile loads a .env file if present. Missing files are not an error;
// production deployments set real environment variables.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
