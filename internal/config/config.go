package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fablecast/fablecast-backend/internal/platform/envutil"
)

// StagePolicy controls how one pipeline stage is executed and retried.
type StagePolicy struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	JitterFrac  float64       `yaml:"jitter_frac"`
	PollEvery   time.Duration `yaml:"poll_every"`
}

type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	ClaimInterval time.Duration `yaml:"claim_interval"`
	StaleRunning  time.Duration `yaml:"stale_running"`
}

type ResumeConfig struct {
	// MaxAttempts caps whole-job resume attempts; past it the job is
	// abandoned (can_resume cleared).
	MaxAttempts int `yaml:"max_attempts"`
}

type Pipeline struct {
	Worker   WorkerConfig           `yaml:"worker"`
	Resume   ResumeConfig           `yaml:"resume"`
	Defaults StagePolicy            `yaml:"defaults"`
	Stages   map[string]StagePolicy `yaml:"stages"`
}

func DefaultPipeline() Pipeline {
	return Pipeline{
		Worker: WorkerConfig{
			Concurrency:   4,
			ClaimInterval: 1 * time.Second,
			StaleRunning:  30 * time.Minute,
		},
		Resume: ResumeConfig{MaxAttempts: 3},
		Defaults: StagePolicy{
			Timeout:     5 * time.Minute,
			MaxAttempts: 3,
			MinBackoff:  2 * time.Second,
			MaxBackoff:  2 * time.Minute,
			JitterFrac:  0.20,
			PollEvery:   5 * time.Second,
		},
		Stages: map[string]StagePolicy{},
	}
}

// LoadPipeline reads the pipeline YAML at path, layered over defaults.
// A missing path is not an error; env overrides apply last.
func LoadPipeline(path string) (Pipeline, error) {
	cfg := DefaultPipeline()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read pipeline config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse pipeline config: %w", err)
		}
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Stage returns the effective policy for a stage name, filling zero fields
// from Defaults.
func (p Pipeline) Stage(name string) StagePolicy {
	sp, ok := p.Stages[name]
	if !ok {
		return p.Defaults
	}
	if sp.Timeout <= 0 {
		sp.Timeout = p.Defaults.Timeout
	}
	if sp.MaxAttempts <= 0 {
		sp.MaxAttempts = p.Defaults.MaxAttempts
	}
	if sp.MinBackoff <= 0 {
		sp.MinBackoff = p.Defaults.MinBackoff
	}
	if sp.MaxBackoff <= 0 {
		sp.MaxBackoff = p.Defaults.MaxBackoff
	}
	if sp.JitterFrac <= 0 {
		sp.JitterFrac = p.Defaults.JitterFrac
	}
	if sp.PollEvery <= 0 {
		sp.PollEvery = p.Defaults.PollEvery
	}
	return sp
}

func applyEnv(cfg *Pipeline) {
	cfg.Worker.Concurrency = envutil.Int("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.ClaimInterval = envutil.Duration("WORKER_CLAIM_INTERVAL", cfg.Worker.ClaimInterval)
	cfg.Worker.StaleRunning = envutil.Duration("WORKER_STALE_RUNNING", cfg.Worker.StaleRunning)
	cfg.Resume.MaxAttempts = envutil.Int("JOB_RESUME_MAX_ATTEMPTS", cfg.Resume.MaxAttempts)
}

func normalize(cfg *Pipeline) {
	if cfg.Worker.Concurrency < 1 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.ClaimInterval <= 0 {
		cfg.Worker.ClaimInterval = 1 * time.Second
	}
	if cfg.Worker.StaleRunning <= 0 {
		cfg.Worker.StaleRunning = 30 * time.Minute
	}
	if cfg.Resume.MaxAttempts < 1 {
		cfg.Resume.MaxAttempts = 1
	}
	if cfg.Stages == nil {
		cfg.Stages = map[string]StagePolicy{}
	}
	def := DefaultPipeline().Defaults
	if cfg.Defaults.Timeout <= 0 {
		cfg.Defaults.Timeout = def.Timeout
	}
	if cfg.Defaults.MaxAttempts <= 0 {
		cfg.Defaults.MaxAttempts = def.MaxAttempts
	}
	if cfg.Defaults.MinBackoff <= 0 {
		cfg.Defaults.MinBackoff = def.MinBackoff
	}
	if cfg.Defaults.MaxBackoff <= 0 {
		cfg.Defaults.MaxBackoff = def.MaxBackoff
	}
	if cfg.Defaults.JitterFrac <= 0 {
		cfg.Defaults.JitterFrac = def.JitterFrac
	}
	if cfg.Defaults.PollEvery <= 0 {
		cfg.Defaults.PollEvery = def.PollEvery
	}
}
