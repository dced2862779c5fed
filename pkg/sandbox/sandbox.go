// Package sandbox executes runner jobs under WASI confinement, grounded on
// teacher pkg/runtime/sandbox/sandbox.go's WasiSandbox (wazero runtime,
// memory-page limits, context-deadline CPU limits, deny-by-default
// filesystem/network, deterministic SandboxError codes).
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Config mirrors spec §4.10's advisory sandbox parameters.
type Config struct {
	TimeoutSecs       int64
	MaxMemoryBytes    int64
	MaxCPU            float64
	NetworkIsolated   bool
	FilesystemIsolated bool
}

// DefaultConfig reproduces ubl-runner-core's SandboxConfig defaults.
func DefaultConfig() Config {
	return Config{
		TimeoutSecs:        300,
		MaxMemoryBytes:     1 << 30, // 1GiB
		MaxCPU:             1.0,
		NetworkIsolated:    true,
		FilesystemIsolated: true,
	}
}

// OutputMaxBytes bounds combined stdout+stderr capture.
const OutputMaxBytes = 1024 * 1024

// Error codes mirror teacher's deterministic sandbox-violation taxonomy.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Result is what a sandboxed run hands back to the runner for receipt
// assembly: raw stdout/stderr bytes, whose content hashes the runner
// computes and records as artifacts.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Sandbox runs one WASI module to completion under Config's limits.
type Sandbox struct {
	runtime wazero.Runtime
	config  Config
}

func New(ctx context.Context, config Config) (*Sandbox, error) {
	rConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if config.MaxMemoryBytes > 0 {
		pages := uint32(config.MaxMemoryBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &Sandbox{runtime: r, config: config}, nil
}

// Run executes wasmBytes with input on stdin, enforcing the configured time
// limit via context deadline and a deny-by-default WASI module config (no
// filesystem preopens, no network imports beyond wasi_snapshot_preview1).
func (s *Sandbox) Run(ctx context.Context, wasmBytes, input []byte) (*Result, error) {
	execCtx := ctx
	if s.config.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(s.config.TimeoutSecs)*time.Second)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("ubl-runner")

	compiled, err := s.runtime.CompileModule(execCtx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile: %w", err)
	}
	defer func() { _ = compiled.Close(execCtx) }()

	mod, err := s.runtime.InstantiateModule(execCtx, compiled, moduleConfig)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, &Error{Code: ErrComputeTimeExhausted, Message: fmt.Sprintf("execution exceeded %ds", s.config.TimeoutSecs)}
		}
		if isMemoryError(err) {
			return nil, &Error{Code: ErrComputeMemoryExhausted, Message: fmt.Sprintf("execution exceeded %d bytes", s.config.MaxMemoryBytes)}
		}
		return nil, fmt.Errorf("sandbox: run: %w", err)
	}
	defer func() { _ = mod.Close(execCtx) }()

	if stdout.Len()+stderr.Len() > OutputMaxBytes {
		return nil, &Error{Code: ErrComputeOutputExhausted, Message: fmt.Sprintf("output exceeds %d bytes", OutputMaxBytes)}
	}

	return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") && (strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
