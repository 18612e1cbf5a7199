// Package config holds nanobatch's process-wide Configuration (spec §6):
// block_size, max_batch_tokens, max_seqs_per_batch, preemption_mode,
// priority_aging_threshold, admission_queue_capacity. The in-process
// constructor is the teacher's own functional-options idiom
// (nanovllm/config.go generalized); Load layers a spf13/viper env/file
// reader over the same struct, grounded on
// Meesho-BharatMLStack/interaction-store/internal/config's
// InitConfig/bindEnvVars pattern.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// PreemptionMode selects how the Scheduler reclaims Blocks from a
// preempted running Sequence (spec §4.6).
type PreemptionMode int

const (
	PreemptRecompute PreemptionMode = iota
	PreemptSwap
)

func (m PreemptionMode) String() string {
	if m == PreemptSwap {
		return "swap"
	}
	return "recompute"
}

// Config is nanobatch's process-wide configuration.
type Config struct {
	BlockSize              int
	NumKVCacheBlocks       int
	MaxBatchTokens         int
	MaxSeqsPerBatch        int
	PreemptionMode         PreemptionMode
	PriorityAgingThreshold time.Duration
	AdmissionQueueCapacity int
	EOSTokenID             int
}

// Option is a functional option, the teacher's own Config idiom.
type Option func(*Config)

// New builds a Config from defaults plus Options, then validates it.
// Mirrors the teacher's NewConfig/validate shape; panics on an invalid
// Config just as the teacher does, since this runs once at process init,
// not on the Request hot path (spec §7 reserves typed errors for
// per-Request admission failures, not startup misconfiguration).
func New(opts ...Option) *Config {
	c := &Config{
		BlockSize:              16,
		NumKVCacheBlocks:       1024,
		MaxBatchTokens:         8192,
		MaxSeqsPerBatch:        256,
		PreemptionMode:         PreemptRecompute,
		PriorityAgingThreshold: 30 * time.Second,
		AdmissionQueueCapacity: 1024,
		EOSTokenID:             -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		panic(err)
	}
	return c
}

func (c *Config) validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive")
	}
	if c.NumKVCacheBlocks <= 0 {
		return fmt.Errorf("num_kv_cache_blocks must be positive")
	}
	if c.MaxSeqsPerBatch <= 0 {
		return fmt.Errorf("max_seqs_per_batch must be positive")
	}
	if c.MaxBatchTokens < c.BlockSize {
		return fmt.Errorf("max_batch_tokens must be >= block_size")
	}
	if c.AdmissionQueueCapacity <= 0 {
		return fmt.Errorf("admission_queue_capacity must be positive")
	}
	if c.PriorityAgingThreshold <= 0 {
		return fmt.Errorf("priority_aging_threshold must be positive")
	}
	return nil
}

func WithBlockSize(n int) Option              { return func(c *Config) { c.BlockSize = n } }
func WithNumKVCacheBlocks(n int) Option       { return func(c *Config) { c.NumKVCacheBlocks = n } }
func WithMaxBatchTokens(n int) Option         { return func(c *Config) { c.MaxBatchTokens = n } }
func WithMaxSeqsPerBatch(n int) Option        { return func(c *Config) { c.MaxSeqsPerBatch = n } }
func WithPreemptionMode(m PreemptionMode) Option {
	return func(c *Config) { c.PreemptionMode = m }
}
func WithPriorityAgingThreshold(d time.Duration) Option {
	return func(c *Config) { c.PriorityAgingThreshold = d }
}
func WithAdmissionQueueCapacity(n int) Option {
	return func(c *Config) { c.AdmissionQueueCapacity = n }
}
func WithEOSTokenID(id int) Option { return func(c *Config) { c.EOSTokenID = id } }

// Load reads process-wide configuration from environment variables (and,
// if present, a config file) via viper, mirroring
// Meesho-BharatMLStack's InitConfig/bindEnvVars: every field is bound to
// an env var under the NANOBATCH_ prefix, then unmarshaled onto the
// default Config so unset fields keep sane defaults.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NANOBATCH")
	v.AutomaticEnv()

	defaults := New()
	v.SetDefault("block_size", defaults.BlockSize)
	v.SetDefault("num_kv_cache_blocks", defaults.NumKVCacheBlocks)
	v.SetDefault("max_batch_tokens", defaults.MaxBatchTokens)
	v.SetDefault("max_seqs_per_batch", defaults.MaxSeqsPerBatch)
	v.SetDefault("preemption_mode", defaults.PreemptionMode.String())
	v.SetDefault("priority_aging_threshold_ms", defaults.PriorityAgingThreshold.Milliseconds())
	v.SetDefault("admission_queue_capacity", defaults.AdmissionQueueCapacity)
	v.SetDefault("eos_token_id", defaults.EOSTokenID)

	for _, key := range []string{
		"block_size", "num_kv_cache_blocks", "max_batch_tokens", "max_seqs_per_batch",
		"preemption_mode", "priority_aging_threshold_ms", "admission_queue_capacity", "eos_token_id",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if len(configPaths) > 0 {
		v.SetConfigFile(configPaths[0])
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	mode := PreemptRecompute
	if v.GetString("preemption_mode") == "swap" {
		mode = PreemptSwap
	}

	c := &Config{
		BlockSize:              v.GetInt("block_size"),
		NumKVCacheBlocks:       v.GetInt("num_kv_cache_blocks"),
		MaxBatchTokens:         v.GetInt("max_batch_tokens"),
		MaxSeqsPerBatch:        v.GetInt("max_seqs_per_batch"),
		PreemptionMode:         mode,
		PriorityAgingThreshold: time.Duration(v.GetInt64("priority_aging_threshold_ms")) * time.Millisecond,
		AdmissionQueueCapacity: v.GetInt("admission_queue_capacity"),
		EOSTokenID:             v.GetInt("eos_token_id"),
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}
