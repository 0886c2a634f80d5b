package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/murray-ux/wheel/pkg/archive"
	"github.com/murray-ux/wheel/pkg/sandbox"
	"github.com/murray-ux/wheel/pkg/wheel"
)

const wasmMemoryLimit = 64 << 20

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// requestFlags are shared by spin and eval.
type requestFlags struct {
	principal string
	action    string
	resource  string
	context   string
	tags      stringList
}

func (r *requestFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.principal, "principal", "", "Identity requesting the action (REQUIRED)")
	fs.StringVar(&r.action, "action", "", "Action being requested (REQUIRED)")
	fs.StringVar(&r.resource, "resource", "", "Resource acted upon (REQUIRED)")
	fs.StringVar(&r.context, "context", "", "JSON object passed to the policy")
	fs.Var(&r.tags, "tag", "Tag passed to the policy (repeatable)")
}

func (r *requestFlags) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"principal", r.principal},
		{"action", r.action},
		{"resource", r.resource},
	} {
		if f.value == "" {
			missing = append(missing, "--"+f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required", strings.Join(missing, ", "))
	}
	return nil
}

func (r *requestFlags) contextMap() (map[string]any, error) {
	if r.context == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(r.context), &m); err != nil {
		return nil, fmt.Errorf("--context must be a JSON object: %w", err)
	}
	return m, nil
}

// commandOutput is the executor output of a sealed command spoke.
type commandOutput struct {
	Argv     []string `json:"argv"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr,omitempty"`
}

// commandExecutor runs argv. A non-zero exit is an execution failure.
func commandExecutor(argv []string) wheel.Executor {
	return func(ctx context.Context) (any, error) {
		//nolint:gosec // G204: running the operator's command is the point
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.WaitDelay = time.Second
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return nil, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
			}
			return nil, fmt.Errorf("%s: %w", argv[0], err)
		}
		return commandOutput{
			Argv:     argv,
			ExitCode: cmd.ProcessState.ExitCode(),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}, nil
	}
}

// runSpinCmd implements `wheel spin [flags] -- command [args...]`.
func runSpinCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("spin", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		req       requestFlags
		deadline  time.Duration
		doArchive bool
		wasmPath  string
		stdinPath string
	)
	req.register(cmd)
	cmd.DurationVar(&deadline, "deadline", 0, "Wall-clock budget for the spoke (default from WHEEL_DEFAULT_DEADLINE)")
	cmd.BoolVar(&doArchive, "archive", false, "Store the result bundle in the archive (WHEEL_ARCHIVE_*)")
	cmd.StringVar(&wasmPath, "wasm", "", "Run this WASI module in the sandbox instead of a host command")
	cmd.StringVar(&stdinPath, "stdin", "", "File fed to the WASI module on stdin")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if err := req.validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	argv := cmd.Args()
	if len(argv) == 0 && wasmPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: a command to run (or --wasm) is required")
		return 2
	}
	spokeCtx, err := req.contextMap()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := loadStack(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			st.logger.Error("shutdown failed", "error", err)
		}
	}()

	if deadline == 0 {
		deadline = st.cfg.DefaultDeadline
	}
	var execute wheel.Executor
	if wasmPath == "" {
		execute = commandExecutor(argv)
	} else {
		var release func()
		execute, release, err = wasmExecutor(ctx, wasmPath, stdinPath, argv)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer release()
	}
	res := st.wheel().Spin(ctx, wheel.SpokeSpec{
		Principal: req.principal,
		Action:    req.action,
		Resource:  req.resource,
		Context:   spokeCtx,
		Tags:      req.tags,
		Deadline:  deadline,
		Execute:   execute,
	})

	if doArchive {
		if err := archiveResult(ctx, res, stderr); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode result: %v\n", err)
		return 2
	}
	if !res.Sealed() {
		return 1
	}
	return 0
}

// wasmExecutor compiles the module at path. argv becomes the module's
// arguments after its name.
func wasmExecutor(ctx context.Context, path, stdinPath string, argv []string) (wheel.Executor, func(), error) {
	wasm, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, nil, err
	}
	var input []byte
	if stdinPath != "" {
		if input, err = os.ReadFile(stdinPath); err != nil { //nolint:gosec // operator-supplied path
			return nil, nil, err
		}
	}
	rt, err := sandbox.New(ctx, sandbox.Config{MemoryLimitBytes: wasmMemoryLimit})
	if err != nil {
		return nil, nil, err
	}
	release := func() { _ = rt.Close(context.Background()) }
	mod, err := rt.Compile(ctx, wasm)
	if err != nil {
		release()
		return nil, nil, err
	}
	args := append([]string{filepath.Base(path)}, argv...)
	return mod.Executor(input, args...), release, nil
}

func archiveResult(ctx context.Context, res wheel.Result, stderr io.Writer) error {
	store, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		return err
	}
	// The spin itself may have been interrupted; the bundle is still kept.
	hash, err := archive.PutResult(context.WithoutCancel(ctx), store, res)
	if err != nil {
		return errors.Join(errors.New("archive failed"), err)
	}
	_, _ = fmt.Fprintf(stderr, "archived %s as %s\n", res.ID, hash)
	return nil
}
