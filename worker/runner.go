package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/tomyedwab/tangram/types"
)

// Runner executes one process and reports its outcome. It must return
// promptly once ctx is canceled.
type Runner interface {
	Run(ctx context.Context, p *types.Process, streams Streams) types.FinishArg
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, p *types.Process, streams Streams) types.FinishArg

func (f RunnerFunc) Run(ctx context.Context, p *types.Process, streams Streams) types.FinishArg {
	return f(ctx, p, streams)
}

// runtimeError is the outcome of a process the runner could not execute.
func runtimeError(format string, args ...any) types.FinishArg {
	return types.FinishArg{Error: types.NewError(types.CodeRuntime, format, args...)}
}

// WasmConfig holds configuration options for the WasmRunner.
type WasmConfig struct {
	// ModulesDir holds one <command>.wasm file per runnable command.
	ModulesDir string
	Logger     *slog.Logger // Optional, defaults to slog.Default()
}

// WasmRunner runs commands as WASI modules.
type WasmRunner struct {
	runtime    wazero.Runtime
	modulesDir string
	logger     *slog.Logger

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

func NewWasmRunner(ctx context.Context, config WasmConfig) (*WasmRunner, error) {
	if config.ModulesDir == "" {
		return nil, fmt.Errorf("ModulesDir is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}
	return &WasmRunner{
		runtime:    r,
		modulesDir: config.ModulesDir,
		logger:     logger,
		compiled:   make(map[string]wazero.CompiledModule),
	}, nil
}

func (w *WasmRunner) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// compile loads and caches the module for a command.
func (w *WasmRunner) compile(ctx context.Context, command string) (wazero.CompiledModule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if compiled, ok := w.compiled[command]; ok {
		return compiled, nil
	}

	wasmPath := filepath.Join(w.modulesDir, filepath.Base(command)+".wasm")
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM file %s: %w", wasmPath, err)
	}
	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", wasmPath, err)
	}
	w.compiled[command] = compiled
	return compiled, nil
}

func (w *WasmRunner) Run(ctx context.Context, p *types.Process, streams Streams) types.FinishArg {
	compiled, err := w.compile(ctx, p.Command)
	if err != nil {
		return runtimeError("%v", err)
	}

	fsConfig := wazero.NewFSConfig()
	for _, mount := range p.Mounts {
		if mount.ReadOnly {
			fsConfig = fsConfig.WithReadOnlyDirMount(mount.Source, mount.Target)
		} else {
			fsConfig = fsConfig.WithDirMount(mount.Source, mount.Target)
		}
	}

	config := wazero.NewModuleConfig().
		WithName(p.ID).
		WithArgs(p.Command).
		WithStdin(orEmpty(streams.Stdin)).
		WithStdout(orDiscard(streams.Stdout)).
		WithStderr(orDiscard(streams.Stderr)).
		WithFSConfig(fsConfig)

	w.logger.Info("Running module", "id", p.ID, "command", p.Command)
	mod, err := w.runtime.InstantiateModule(ctx, compiled, config)
	if mod != nil {
		defer mod.Close(context.WithoutCancel(ctx))
	}

	exit := 0
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return runtimeError("%v", err)
		}
		if ctx.Err() != nil {
			return types.FinishArg{Error: types.NewError(types.CodeCanceled, "%v", ctx.Err())}
		}
		exit = int(exitErr.ExitCode())
	}
	return types.FinishArg{Exit: &exit}
}

func orEmpty(r io.Reader) io.Reader {
	if r == nil {
		return eofReader{}
	}
	return r
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
