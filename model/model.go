// Package model defines the analysis configuration: tolerance windows for
// the fuzzy subtree comparison, the versioned comparison rules, and the
// reporting/export knobs. Values come from an optional yaml file merged over
// defaults, with command-line flags applied on top by the caller.
package model

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DBChildMatch selects how database-classified children are compared.
// The historical source carried both behaviors; they are kept as explicit
// variants instead of a silent guess.
type DBChildMatch string

const (
	// DBChildExact requires the database-child count to match exactly.
	DBChildExact DBChildMatch = "exact"
	// DBChildTolerant accepts a difference of one database child, with the
	// subtree size and child-count checks relaxed to match.
	DBChildTolerant DBChildMatch = "tolerant"
)

// Tolerances are the numeric slack windows of the equivalence predicate,
// all in microseconds unless stated otherwise.
type Tolerances struct {
	// StartWindowMicros bounds how far apart two cluster candidates may
	// start. Also used by the cluster merge pass.
	StartWindowMicros int64 `yaml:"start-window-us"`
	// GapMicros bounds the gap between non-overlapping candidate
	// intervals. A negative value switches to strict-overlap mode: the
	// intervals must overlap by at least its absolute value.
	GapMicros int64 `yaml:"gap-us"`
	// DurationSlackMicros is the absolute duration-difference budget.
	DurationSlackMicros int64 `yaml:"duration-slack-us"`
	// DurationSlackRatio additionally bounds the difference relative to
	// the larger duration, unless both durations are short.
	DurationSlackRatio float64 `yaml:"duration-slack-ratio"`
	// ShortDurationMicros is the cutoff below which the ratio bound is
	// not applied.
	ShortDurationMicros int64 `yaml:"short-duration-us"`
}

// Rules are the versioned variants of the comparison design.
type Rules struct {
	DBChildMatch DBChildMatch `yaml:"db-child-match"`
	// RequireSameProcess demands that both subtree roots belong to the
	// same process. Pointer so that an absent key keeps the default.
	RequireSameProcess *bool `yaml:"require-same-process"`
}

func (r Rules) SameProcess() bool {
	return r.RequireSameProcess == nil || *r.RequireSameProcess
}

// Report controls how much of each group is rendered.
type Report struct {
	MaxClusters int `yaml:"max-clusters"`
	MaxMembers  int `yaml:"max-members"`
}

// Export configures the optional synthetic-trace export.
type Export struct {
	// Dir receives one Jaeger UI JSON file per selected cluster.
	Dir string `yaml:"dir"`
	// OTLPDir receives the same traces converted to OTLP JSON lines.
	OTLPDir string `yaml:"otlp-dir"`
	// Endpoint, when set, replays the synthetic traces over OTLP
	// (http(s):// for OTLP/HTTP, anything else is treated as a gRPC
	// target).
	Endpoint string        `yaml:"endpoint"`
	Insecure bool          `yaml:"insecure"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Config struct {
	Tolerances Tolerances `yaml:"tolerances"`
	Rules      Rules      `yaml:"rules"`
	Report     Report     `yaml:"report"`
	Export     Export     `yaml:"export"`
}

// Default returns the canonical configuration: the recommended rule set
// (exact database-child match, same-process ownership required) and the
// default tolerance windows.
func Default() Config {
	return Config{
		Tolerances: Tolerances{
			StartWindowMicros:   500_000,
			GapMicros:           150_000,
			DurationSlackMicros: 100_000,
			DurationSlackRatio:  0.2,
			ShortDurationMicros: 20_000,
		},
		Rules: Rules{
			DBChildMatch: DBChildExact,
		},
		Report: Report{
			MaxClusters: 10,
			MaxMembers:  5,
		},
		Export: Export{
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads the yaml file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Rules.DBChildMatch {
	case DBChildExact, DBChildTolerant:
	default:
		return fmt.Errorf("rules.db-child-match must be %q or %q, got %q",
			DBChildExact, DBChildTolerant, c.Rules.DBChildMatch)
	}
	if c.Tolerances.StartWindowMicros < 0 {
		return fmt.Errorf("tolerances.start-window-us must not be negative")
	}
	if c.Tolerances.DurationSlackMicros < 0 {
		return fmt.Errorf("tolerances.duration-slack-us must not be negative")
	}
	if c.Tolerances.DurationSlackRatio < 0 || c.Tolerances.DurationSlackRatio > 1 {
		return fmt.Errorf("tolerances.duration-slack-ratio must be within [0, 1]")
	}
	if c.Report.MaxClusters <= 0 || c.Report.MaxMembers <= 0 {
		return fmt.Errorf("report limits must be positive")
	}
	return nil
}
