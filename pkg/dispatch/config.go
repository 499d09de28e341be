package dispatch

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy selects how a table of groups is evaluated against one buffer.
// All strategies return the same matches.
type Strategy int

const (
	// StrategyIndexed shares memcmp evaluations across groups and skips
	// groups whose data size cannot match. It is the zero value.
	StrategyIndexed Strategy = iota
	// StrategyNaive evaluates every group on its own.
	StrategyNaive
	// StrategyPrefilter marks memcmp hits with a single Aho-Corasick pass.
	StrategyPrefilter
)

func (s Strategy) String() string {
	switch s {
	case StrategyIndexed:
		return "indexed"
	case StrategyNaive:
		return "naive"
	case StrategyPrefilter:
		return "prefilter"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strategy) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "indexed", "":
		*s = StrategyIndexed
	case "naive", "dumb":
		*s = StrategyNaive
	case "prefilter", "aho", "ahocorasick":
		*s = StrategyPrefilter
	default:
		return fmt.Errorf("unknown strategy %q", string(b))
	}
	return nil
}

// Config controls how an Engine evaluates its table.
type Config struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`

	// Fan out across goroutines for a single buffer
	EnableParallel bool `json:"enable_parallel" yaml:"enable_parallel"`

	// Minimum number of candidate groups before fanning out
	ParallelThreshold int `json:"parallel_threshold" yaml:"parallel_threshold"`

	// Goroutines per buffer; 0 means GOMAXPROCS
	Workers int `json:"workers" yaml:"workers"`

	// Distinct patterns above which the prefilter falls back to indexed evaluation
	MaxPatterns int `json:"max_patterns" yaml:"max_patterns"`
}

func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyIndexed,
		EnableParallel:    true,
		ParallelThreshold: 4096,
		Workers:           0,
		MaxPatterns:       50_000,
	}
}

func ProductionConfig() Config {
	return Config{
		Strategy:          StrategyPrefilter,
		EnableParallel:    true,
		ParallelThreshold: 2048,
		Workers:           0,
		MaxPatterns:       100_000,
	}
}

// DevelopmentConfig is single-threaded and uses the naive loop, which is
// the easiest to reason about when debugging a group.
func DevelopmentConfig() Config {
	return Config{
		Strategy:          StrategyNaive,
		EnableParallel:    false,
		ParallelThreshold: 0,
		Workers:           1,
		MaxPatterns:       1000,
	}
}

func (c Config) WithStrategy(s Strategy) Config {
	c.Strategy = s
	return c
}

func (c Config) WithParallel(enable bool) Config {
	c.EnableParallel = enable
	return c
}

func (c Config) WithParallelThreshold(n int) Config {
	c.ParallelThreshold = n
	return c
}

func (c Config) WithWorkers(n int) Config {
	c.Workers = n
	return c
}

func (c Config) WithMaxPatterns(n int) Config {
	c.MaxPatterns = n
	return c
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// LoadConfigYAML reads a config file. Fields missing from the file keep
// their DefaultConfig values.
func LoadConfigYAML(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read engine config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse engine config %s: %w", path, err)
	}
	if cfg.ParallelThreshold < 0 || cfg.Workers < 0 || cfg.MaxPatterns < 0 {
		return cfg, fmt.Errorf("engine config %s: negative values are not allowed", path)
	}
	return cfg, nil
}
