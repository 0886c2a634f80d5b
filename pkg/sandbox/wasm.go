// Package sandbox runs WebAssembly modules as wheel executors.
//
// Modules get WASI with stdin, stdout, stderr and argv only: no
// filesystem, no environment, no clock beyond the default and no
// network. Execution stops when the executor's context ends, so an
// aborted spoke also stops its module.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/murray-ux/wheel/pkg/wheel"
)

const wasmPageSize = 64 * 1024

// Config bounds the runtime.
type Config struct {
	// MemoryLimitBytes caps each module's linear memory. Zero keeps the
	// wazero default of 4 GiB.
	MemoryLimitBytes int64
}

// Runtime compiles and runs modules.
type Runtime struct {
	runtime wazero.Runtime
	limits  Config
}

// New creates a runtime with WASI instantiated.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / wasmPageSize)
		if pages == 0 {
			pages = 1
		}
		rc = rc.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &Runtime{runtime: r, limits: cfg}, nil
}

// Close releases the runtime and every module compiled by it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Module is a compiled module. It can back any number of executors.
type Module struct {
	rt       *Runtime
	compiled wazero.CompiledModule
}

// Compile validates and compiles wasm.
func (r *Runtime) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile: %w", err)
	}
	return &Module{rt: r, compiled: compiled}, nil
}

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Output is what a successful run returns.
type Output struct {
	ExitCode uint32 `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	Elapsed  string `json:"elapsed"`
}

// Executor returns an executor that runs the module's _start with input
// on stdin and args as argv. A non-zero exit or a trap is an error.
func (m *Module) Executor(input []byte, args ...string) wheel.Executor {
	return func(ctx context.Context) (any, error) {
		var stdout, stderr bytes.Buffer
		cfg := wazero.NewModuleConfig().
			WithName("").
			WithStdin(bytes.NewReader(input)).
			WithStdout(&stdout).
			WithStderr(&stderr).
			WithArgs(args...)

		start := time.Now()
		mod, err := m.rt.runtime.InstantiateModule(ctx, m.compiled, cfg)
		if mod != nil {
			defer func() { _ = mod.Close(context.WithoutCancel(ctx)) }()
		}
		if err != nil {
			var exit *sys.ExitError
			switch {
			case ctx.Err() != nil:
				return nil, fmt.Errorf("sandbox: interrupted: %w", context.Cause(ctx))
			case errors.As(err, &exit):
				return nil, fmt.Errorf("sandbox: module exited with code %d: %s", exit.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
			default:
				return nil, fmt.Errorf("sandbox: run: %w", err)
			}
		}
		return Output{
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
			Elapsed: time.Since(start).String(),
		}, nil
	}
}
