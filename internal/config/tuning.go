package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Tuning carries the operational knobs that operators adjust without
// redeploying: worker pool sizes, poll cadence, per-call deadlines.
type Tuning struct {
	TxWorkers        int
	GitWorkers       int
	PollInterval     time.Duration
	ChainCallTimeout time.Duration
	TaskTimeout      time.Duration
	GitCallTimeout   time.Duration
}

// tuningFile is the YAML shape; intervals are whole seconds.
type tuningFile struct {
	TxWorkers           *int `yaml:"tx_workers"`
	GitWorkers          *int `yaml:"git_workers"`
	PollIntervalSec     *int `yaml:"poll_interval_seconds"`
	ChainCallTimeoutSec *int `yaml:"chain_call_timeout_seconds"`
	TaskTimeoutSec      *int `yaml:"task_timeout_seconds"`
	GitCallTimeoutSec   *int `yaml:"git_call_timeout_seconds"`
}

func defaultTuning() Tuning {
	return Tuning{
		TxWorkers:        2,
		GitWorkers:       2,
		PollInterval:     5 * time.Second,
		ChainCallTimeout: 15 * time.Second,
		TaskTimeout:      240 * time.Second,
		GitCallTimeout:   60 * time.Second,
	}
}

// LoadTuning reads a YAML tuning file. Missing fields keep their defaults.
func LoadTuning(path string) (*Tuning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var file tuningFile
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return nil, err
	}

	t := defaultTuning()
	if file.TxWorkers != nil {
		t.TxWorkers = *file.TxWorkers
	}
	if file.GitWorkers != nil {
		t.GitWorkers = *file.GitWorkers
	}
	if file.PollIntervalSec != nil {
		t.PollInterval = time.Duration(*file.PollIntervalSec) * time.Second
	}
	if file.ChainCallTimeoutSec != nil {
		t.ChainCallTimeout = time.Duration(*file.ChainCallTimeoutSec) * time.Second
	}
	if file.TaskTimeoutSec != nil {
		t.TaskTimeout = time.Duration(*file.TaskTimeoutSec) * time.Second
	}
	if file.GitCallTimeoutSec != nil {
		t.GitCallTimeout = time.Duration(*file.GitCallTimeoutSec) * time.Second
	}
	if t.TxWorkers <= 0 {
		t.TxWorkers = 1
	}
	if t.GitWorkers <= 0 {
		t.GitWorkers = 1
	}
	return &t, nil
}
