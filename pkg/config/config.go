// Package config holds the tunables of the kernel and loads them from JSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"strideos/pkg/mm"
)

const (
	// MinPriority is the smallest priority a task may hold.
	MinPriority = 2
	// DefaultBigStride is the stride numerator. Every power of two priority
	// up to 2^16 divides it exactly.
	DefaultBigStride = 1 << 16 * 15 * 7
	// DefaultPriority is the priority of tasks created without one.
	DefaultPriority = 16
	// MaxSyscallNum bounds syscall ids reported by task_info.
	MaxSyscallNum = 500
)

// Config errors.
var (
	ErrInvalidConfig = errors.New("invalid config")
)

// Config contains the kernel configuration.
type Config struct {
	// BigStride is the numerator of the per-selection stride increment.
	BigStride uint64 `json:"big_stride"`
	// DefaultPriority is assigned to spawned and initial tasks.
	DefaultPriority uint64 `json:"default_priority"`
	// MemoryFrames is the number of simulated physical frames.
	MemoryFrames int `json:"memory_frames"`
	// UserStackSize is the user stack size in bytes.
	UserStackSize uint64 `json:"user_stack_size"`
	// KernelStackSize is the kernel stack size in bytes.
	KernelStackSize uint64 `json:"kernel_stack_size"`
	// TrapHandlerAddr is the address of the kernel trap handler.
	TrapHandlerAddr uint64 `json:"trap_handler_addr"`
	// InitProc is the name of the first program.
	InitProc string `json:"init_proc"`
	// AppsDir is a directory of program images to register at boot.
	AppsDir string `json:"apps_dir"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`
	// LogFile is the log destination; empty means stderr.
	LogFile string `json:"log_file"`
	// PrettyLog selects the human readable log format.
	PrettyLog bool `json:"pretty_log"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BigStride:       DefaultBigStride,
		DefaultPriority: DefaultPriority,
		MemoryFrames:    4096,            // 16 MiB
		UserStackSize:   2 * mm.PageSize, // 8 KiB
		KernelStackSize: 2 * mm.PageSize, // 8 KiB
		TrapHandlerAddr: 0x8020_1000,
		InitProc:        "initproc",
		LogLevel:        "info",
	}
}

// LoadJSON decodes the JSON file at path into v, rejecting unknown fields.
func LoadJSON[T any](path string, v *T) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	return dec.Decode(v)
}

// Load reads path on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := LoadJSON(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the kernel cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.BigStride == 0:
		return fmt.Errorf("%w: big_stride must be positive", ErrInvalidConfig)
	case c.DefaultPriority < MinPriority:
		return fmt.Errorf("%w: default_priority must be at least %d", ErrInvalidConfig, MinPriority)
	case c.MemoryFrames < 16:
		return fmt.Errorf("%w: memory_frames must be at least 16", ErrInvalidConfig)
	case c.UserStackSize == 0 || c.UserStackSize%mm.PageSize != 0:
		return fmt.Errorf("%w: user_stack_size must be a positive multiple of %d", ErrInvalidConfig, mm.PageSize)
	case c.KernelStackSize == 0 || c.KernelStackSize%mm.PageSize != 0:
		return fmt.Errorf("%w: kernel_stack_size must be a positive multiple of %d", ErrInvalidConfig, mm.PageSize)
	case c.InitProc == "":
		return fmt.Errorf("%w: init_proc must be set", ErrInvalidConfig)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
}
