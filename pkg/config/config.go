// Package config is the JIT core's one flat settings struct: code-cache
// segment sizing, block length, cycles per device tick, log level. It holds no
// file or flag parsing itself — that belongs to cmd/retrodream, the
// thin CLI harness built on top of this package and pkg/jit.
package config

import (
	"github.com/slaminger/retrodream/pkg/diag"
	"github.com/slaminger/retrodream/pkg/jit"
)

// Config mirrors the teacher's flat VMConfig shape: one struct, built
// through functional options rather than a builder type.
type Config struct {
	CodeSegmentSize int
	MaxCodeSegments int
	MaxBlockInsts   int
	CyclesPerTick   int
	LogLevel        diag.Level
}

// Default matches pkg/jit.DefaultConfig's sizing so a CLI invocation
// with no flags at all behaves the same as constructing a Core
// directly from a test or from embedding code.
func Default() Config {
	return Config{
		CodeSegmentSize: 1 << 20,
		MaxCodeSegments: 8,
		MaxBlockInsts:   64,
		CyclesPerTick:   1,
		LogLevel:        diag.LevelInfo,
	}
}

type Option func(*Config)

func WithCodeSegmentSize(n int) Option { return func(c *Config) { c.CodeSegmentSize = n } }
func WithMaxCodeSegments(n int) Option { return func(c *Config) { c.MaxCodeSegments = n } }
func WithMaxBlockInsts(n int) Option   { return func(c *Config) { c.MaxBlockInsts = n } }
func WithCyclesPerTick(n int) Option   { return func(c *Config) { c.CyclesPerTick = n } }
func WithLogLevel(l diag.Level) Option { return func(c *Config) { c.LogLevel = l } }

// New builds a Config starting from Default and applying opts in order.
func New(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// JITConfig projects the settings pkg/jit.Core actually cares about.
func (c Config) JITConfig() jit.Config {
	return jit.Config{
		CodeSegmentSize: c.CodeSegmentSize,
		MaxCodeSegments: c.MaxCodeSegments,
		MaxBlockInsts:   c.MaxBlockInsts,
		CyclesPerTick:   c.CyclesPerTick,
	}
}
