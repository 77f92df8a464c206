package worker

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/tangram/federation"
	"github.com/tomyedwab/tangram/node"
	"github.com/tomyedwab/tangram/registry"
	"github.com/tomyedwab/tangram/stdio"
	"github.com/tomyedwab/tangram/types"
)

func setupNode(t *testing.T) (*node.Node, *federation.Resolver) {
	dbPath := path.Join(t.TempDir(), "test_worker.db")
	db := sqlx.MustConnect("sqlite3", dbPath+"?_busy_timeout=5000&_txlock=immediate")
	t.Cleanup(func() {
		db.Close()
	})
	store := registry.NewSQLStore(db)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	n, err := node.New(node.Config{
		Store:            store,
		DispatchInterval: 10 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("node.New returned error: %v", err)
	}
	t.Cleanup(n.Close)
	resolver, err := federation.New(federation.Config{Node: n})
	if err != nil {
		t.Fatalf("federation.New returned error: %v", err)
	}
	return n, resolver
}

func setupWorker(t *testing.T, svc federation.Service, runner Runner, concurrency int) *Worker {
	w, err := New(Config{
		Service:           svc,
		Runner:            runner,
		Concurrency:       concurrency,
		HeartbeatInterval: 10 * time.Millisecond,
		DequeueWait:       100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return w
}

func TestNewRequirements(t *testing.T) {
	if _, err := New(Config{Runner: RunnerFunc(nil)}); err == nil {
		t.Error("Expected error without Service")
	}
	_, svc := setupNode(t)
	if _, err := New(Config{Service: svc}); err == nil {
		t.Error("Expected error without Runner")
	}
}

// catRunner copies stdin to stdout and exits 0.
var catRunner = RunnerFunc(func(ctx context.Context, p *types.Process, streams Streams) types.FinishArg {
	if _, err := io.Copy(streams.Stdout, streams.Stdin); err != nil {
		return runtimeError("%v", err)
	}
	exit := 0
	return types.FinishArg{Exit: &exit}
})

func TestExecuteWithPipes(t *testing.T) {
	n, svc := setupNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stdin, _ := n.Stdio().CreatePipe(ctx)
	stdout, _ := n.Stdio().CreatePipe(ctx)
	out, err := n.Spawn(ctx, types.SpawnArg{
		Host:    "wasm32",
		Command: "cat",
		Stdin:   &types.Stdio{Kind: types.StdioPipe, ID: stdin},
		Stdout:  &types.Stdio{Kind: types.StdioPipe, ID: stdout},
	})
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}

	input := strings.Repeat("abcd", 250)
	if err := n.Stdio().WritePipe(ctx, stdin, stdio.ReaderEvents(ctx, strings.NewReader(input))); err != nil {
		t.Fatalf("WritePipe returned error: %v", err)
	}

	claimed, _ := n.TryDequeue(ctx)
	setupWorker(t, svc, catRunner, 1).Execute(ctx, claimed.ID)

	p, _ := n.Get(ctx, out.ID)
	if !p.Succeeded() {
		t.Fatalf("Expected success, got %s %+v", p.Status, p.Error)
	}

	events, _ := n.Stdio().ReadPipe(ctx, stdout)
	var got bytes.Buffer
	if err := stdio.CopyEvents(&got, events, nil); err != nil {
		t.Fatalf("CopyEvents returned error: %v", err)
	}
	if got.String() != input {
		t.Errorf("Expected %d bytes echoed, got %d", len(input), got.Len())
	}
}

func TestExecuteMissingStdio(t *testing.T) {
	n, svc := setupNode(t)
	ctx := context.Background()

	out, _ := n.Spawn(ctx, types.SpawnArg{
		Host:    "wasm32",
		Command: "cat",
		Stdin:   &types.Stdio{Kind: types.StdioPipe, ID: "pip_missing"},
	})
	n.TryDequeue(ctx)
	setupWorker(t, svc, catRunner, 1).Execute(ctx, out.ID)

	p, _ := n.Get(ctx, out.ID)
	if p.Status != types.StatusFinished || p.Error == nil || p.Error.Code != types.CodeRuntime {
		t.Errorf("Expected runtime error, got %s %+v", p.Status, p.Error)
	}
}

func TestRunPool(t *testing.T) {
	n, svc := setupNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ran atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, p *types.Process, streams Streams) types.FinishArg {
		ran.Add(1)
		exit := 0
		return types.FinishArg{Exit: &exit}
	})

	var ids []string
	for _, command := range []string{"a", "b", "c"} {
		out, _ := n.Spawn(ctx, types.SpawnArg{Host: "wasm32", Command: command})
		ids = append(ids, out.ID)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- setupWorker(t, svc, runner, 2).Run(runCtx)
	}()

	for _, id := range ids {
		p, err := n.Wait(ctx, id)
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
		if !p.Succeeded() {
			t.Errorf("Expected %s to succeed, got %+v", id, p.Error)
		}
	}
	stop()
	<-done
	if ran.Load() != 3 {
		t.Errorf("Expected each process to run once, ran %d", ran.Load())
	}
}

func TestServerStopsRunner(t *testing.T) {
	n, svc := setupNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go n.Run(ctx)

	running := make(chan struct{})
	stopped := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, p *types.Process, streams Streams) types.FinishArg {
		close(running)
		<-ctx.Done()
		close(stopped)
		exit := 1
		return types.FinishArg{Exit: &exit}
	})

	out, _ := n.Spawn(ctx, types.SpawnArg{Host: "wasm32", Command: "sleep"})
	n.TryDequeue(ctx)
	executed := make(chan struct{})
	go func() {
		setupWorker(t, svc, runner, 1).Execute(ctx, out.ID)
		close(executed)
	}()

	<-running
	if err := n.Cancel(ctx, out.ID, out.Token); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	select {
	case <-stopped:
	case <-ctx.Done():
		t.Fatal("Runner was never stopped")
	}
	<-executed

	p, _ := n.Get(ctx, out.ID)
	if p.Error == nil || p.Error.Code != types.CodeCanceled {
		t.Errorf("Expected the canceled outcome to stand, got %+v exit %v", p.Error, p.Exit)
	}
}

func TestExecuteLostStart(t *testing.T) {
	n, svc := setupNode(t)
	ctx := context.Background()
	out, _ := n.Spawn(ctx, types.SpawnArg{Host: "wasm32", Command: "a"})
	n.Start(ctx, out.ID)

	var ran atomic.Bool
	runner := RunnerFunc(func(ctx context.Context, p *types.Process, streams Streams) types.FinishArg {
		ran.Store(true)
		return types.FinishArg{}
	})
	setupWorker(t, svc, runner, 1).Execute(ctx, out.ID)
	if ran.Load() {
		t.Error("Expected runner not to run a process started elsewhere")
	}
}
