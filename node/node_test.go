package node

import (
	"context"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/tangram/registry"
	"github.com/tomyedwab/tangram/types"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) *sqlx.DB {
	dbPath := path.Join(t.TempDir(), "test_node.db")
	db := sqlx.MustConnect("sqlite3", dbPath+"?_busy_timeout=5000&_txlock=immediate")
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func setupNode(t *testing.T) (*Node, *testClock) {
	store := registry.NewSQLStore(setupTestDB(t))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	clock := &testClock{now: testEpoch}
	n, err := New(Config{
		Store:            store,
		Lease:            10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		DispatchInterval: 10 * time.Millisecond,
		Now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(n.Close)
	return n, clock
}

func spawn(t *testing.T, n *Node, command string) *types.SpawnOutput {
	out, err := n.Spawn(context.Background(), types.SpawnArg{Host: "wasm32", Command: command})
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}
	return out
}

func TestLeaseTimeoutScenario(t *testing.T) {
	n, clock := setupNode(t)
	ctx := context.Background()

	out := spawn(t, n, "cmd_a")
	claimed, err := n.TryDequeue(ctx)
	if err != nil || claimed == nil || claimed.ID != out.ID {
		t.Fatalf("TryDequeue = %+v, %v", claimed, err)
	}

	// The first worker vanishes without heartbeating.
	clock.Advance(5 * time.Second)
	if again, _ := n.TryDequeue(ctx); again != nil {
		t.Fatalf("Expected lease to hold, got %+v", again)
	}
	clock.Advance(6 * time.Second)
	again, err := n.TryDequeue(ctx)
	if err != nil || again == nil || again.ID != out.ID {
		t.Fatalf("Expected reclaim of %s, got %+v, %v", out.ID, again, err)
	}

	// A heartbeat on the dequeued process renews the lease.
	if hb, err := n.Heartbeat(ctx, out.ID); err != nil || hb.Stop {
		t.Fatalf("Heartbeat = %+v, %v", hb, err)
	}
	clock.Advance(9 * time.Second)
	n.Heartbeat(ctx, out.ID)
	clock.Advance(9 * time.Second)
	if stolen, _ := n.TryDequeue(ctx); stolen != nil {
		t.Errorf("Expected renewed lease to hold, got %+v", stolen)
	}
}

func TestDequeueBlocksUntilSpawn(t *testing.T) {
	n, _ := setupNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := make(chan *types.DequeueOutput, 1)
	go func() {
		out, err := n.Dequeue(ctx)
		if err != nil {
			t.Errorf("Dequeue returned error: %v", err)
		}
		result <- out
	}()

	time.Sleep(20 * time.Millisecond)
	spawned := spawn(t, n, "cmd_a")
	select {
	case out := <-result:
		if out == nil || out.ID != spawned.ID {
			t.Errorf("Expected %s, got %+v", spawned.ID, out)
		}
	case <-ctx.Done():
		t.Fatal("Dequeue never returned")
	}
}

func TestHeartbeatExpiredScenario(t *testing.T) {
	n, clock := setupNode(t)
	ctx := context.Background()

	out := spawn(t, n, "cmd_a")
	n.TryDequeue(ctx)
	if err := n.Start(ctx, out.ID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	clock.Advance(20 * time.Second)
	n.Heartbeat(ctx, out.ID)
	clock.Advance(20 * time.Second)
	if swept, _ := n.monitor.Sweep(ctx); swept != 0 {
		t.Fatalf("Expected no sweep within the timeout, swept %d", swept)
	}

	clock.Advance(20 * time.Second)
	if swept, _ := n.monitor.Sweep(ctx); swept != 1 {
		t.Fatalf("Expected one abandoned process, swept %d", swept)
	}
	p, _ := n.Get(ctx, out.ID)
	if p.Status != types.StatusFinished || p.Error == nil || p.Error.Code != types.CodeHeartbeatExpired {
		t.Errorf("Expected heartbeat_expired finish, got %s %+v", p.Status, p.Error)
	}

	// The worker finds out on its next heartbeat.
	hb, err := n.Heartbeat(ctx, out.ID)
	if err != nil || !hb.Stop {
		t.Errorf("Expected stop, got %+v, %v", hb, err)
	}
	exit := 0
	if err := n.Finish(ctx, out.ID, types.FinishArg{Exit: &exit}); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("Expected late Finish to fail with ErrInvalidTransition, got %v", err)
	}
}

func TestCancelScenario(t *testing.T) {
	n, _ := setupNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- n.Run(ctx)
	}()

	out := spawn(t, n, "cmd_a")
	n.TryDequeue(ctx)
	n.Start(ctx, out.ID)

	for {
		if err := n.Cancel(ctx, out.ID, out.Token); err != nil {
			t.Fatalf("Cancel returned error: %v", err)
		}
		hb, err := n.Heartbeat(ctx, out.ID)
		if err != nil {
			t.Fatalf("Heartbeat returned error: %v", err)
		}
		if hb.Stop {
			break
		}
		if ctx.Err() != nil {
			t.Fatal("Process was never canceled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p, _ := n.Get(ctx, out.ID)
	if p.Error == nil || p.Error.Code != types.CodeCanceled {
		t.Errorf("Expected canceled, got %+v", p.Error)
	}
	cancel()
	if err := <-runDone; err != nil {
		t.Errorf("Run returned error: %v", err)
	}
}

func TestWatchStatus(t *testing.T) {
	n, _ := setupNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := spawn(t, n, "cmd_a")
	updates, err := n.WatchStatus(ctx, out.ID)
	if err != nil {
		t.Fatalf("WatchStatus returned error: %v", err)
	}
	first := <-updates
	if first.Status != types.StatusEnqueued {
		t.Errorf("Expected enqueued first, got %s", first.Status)
	}

	n.Start(ctx, out.ID)
	n.Finish(ctx, out.ID, types.FinishArg{})

	var seen []types.ProcessStatus
	for update := range updates {
		seen = append(seen, update.Status)
	}
	if len(seen) != 2 || seen[0] != types.StatusStarted || seen[1] != types.StatusFinished {
		t.Errorf("Expected started then finished, got %v", seen)
	}
}
