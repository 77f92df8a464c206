package cancellation

import (
	"context"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/tangram/bus"
	"github.com/tomyedwab/tangram/registry"
	"github.com/tomyedwab/tangram/types"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) *sqlx.DB {
	dbPath := path.Join(t.TempDir(), "test_cancellation.db")
	db := sqlx.MustConnect("sqlite3", dbPath+"?_busy_timeout=5000&_txlock=immediate")
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func setupCoordinator(t *testing.T) (*Coordinator, *registry.Registry, *bus.Memory) {
	store := registry.NewSQLStore(setupTestDB(t))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	b := bus.NewMemory(nil)
	t.Cleanup(b.Close)
	reg, err := registry.New(registry.Config{Store: store, Bus: b})
	if err != nil {
		t.Fatalf("registry.New returned error: %v", err)
	}
	c, err := New(Config{Registry: reg, Bus: b})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c, reg, b
}

func spawn(t *testing.T, reg *registry.Registry) *types.SpawnOutput {
	out, err := reg.Create(context.Background(), types.SpawnArg{Host: "wasm32", Command: "cmd"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return out
}

func TestCancelWithTwoTokens(t *testing.T) {
	c, reg, _ := setupCoordinator(t)
	ctx := context.Background()

	out := spawn(t, reg)
	second, err := reg.IssueToken(ctx, out.ID)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}

	if err := c.Cancel(ctx, out.ID, out.Token); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if err := c.Reconcile(ctx, out.ID); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	p, _ := reg.Get(ctx, out.ID)
	if p.Status.IsFinished() || p.TokenCount != 1 {
		t.Fatalf("Expected process alive with one token, got %s with %d", p.Status, p.TokenCount)
	}

	c.Cancel(ctx, out.ID, second)
	if err := c.Reconcile(ctx, out.ID); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	p, _ = reg.Get(ctx, out.ID)
	if p.Status != types.StatusFinished || p.Error == nil || p.Error.Code != types.CodeCanceled {
		t.Errorf("Expected canceled finish, got %s %+v", p.Status, p.Error)
	}
	if p.StartedAt == nil {
		t.Error("Expected the never-started process to pass through started")
	}
}

func TestCancelUnknownToken(t *testing.T) {
	c, reg, b := setupCoordinator(t)
	ctx := context.Background()

	sub, _ := b.Subscribe(bus.TopicWatchdog)
	defer sub.Close()

	out := spawn(t, reg)
	if err := c.Cancel(ctx, out.ID, "bogus"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	p, _ := reg.Get(ctx, out.ID)
	if p.TokenCount != 1 {
		t.Errorf("Expected token count unchanged, got %d", p.TokenCount)
	}

	select {
	case msg := <-sub.C:
		var watchdog bus.ProcessMessage
		bus.Decode(msg.Payload, &watchdog)
		if watchdog.ID != out.ID {
			t.Errorf("Expected watchdog for %s, got %s", out.ID, watchdog.ID)
		}
	case <-time.After(time.Second):
		t.Error("Expected a watchdog notification even for an unknown token")
	}

	if err := c.Cancel(ctx, "pcs_missing", "bogus"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAbandonStartedProcess(t *testing.T) {
	c, reg, _ := setupCoordinator(t)
	ctx := context.Background()

	out := spawn(t, reg)
	reg.Start(ctx, out.ID)
	if err := c.Abandon(ctx, out.ID, types.CodeHeartbeatExpired); err != nil {
		t.Fatalf("Abandon returned error: %v", err)
	}
	p, _ := reg.Get(ctx, out.ID)
	if p.Error == nil || p.Error.Code != types.CodeHeartbeatExpired {
		t.Errorf("Expected heartbeat_expired, got %+v", p.Error)
	}
	if err := c.Abandon(ctx, out.ID, types.CodeHeartbeatExpired); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestRunReconcilesWatchdog(t *testing.T) {
	c, reg, _ := setupCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	out := spawn(t, reg)
	// Keep canceling until the reconciler is subscribed. Later attempts use
	// an unknown token and only re-notify.
	token := out.Token
	for {
		if err := c.Cancel(ctx, out.ID, token); err != nil {
			t.Fatalf("Cancel returned error: %v", err)
		}
		token = "spent"
		p, _ := reg.Get(ctx, out.ID)
		if p.Status.IsFinished() {
			break
		}
		if ctx.Err() != nil {
			t.Fatal("Reconciler never finished the process")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSweepCancelsUnwanted(t *testing.T) {
	c, reg, _ := setupCoordinator(t)
	ctx := context.Background()

	orphan := spawn(t, reg)
	kept := spawn(t, reg)
	// Revoking through the registry sends no watchdog notification.
	if ok, err := reg.RevokeToken(ctx, orphan.ID, orphan.Token); err != nil || !ok {
		t.Fatalf("RevokeToken = %v, %v", ok, err)
	}

	canceled, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if canceled != 1 {
		t.Errorf("Expected 1 canceled process, got %d", canceled)
	}
	p, _ := reg.Get(ctx, orphan.ID)
	if p.Status != types.StatusFinished || p.Error == nil || p.Error.Code != types.CodeCanceled {
		t.Errorf("Expected canceled finish, got %s %+v", p.Status, p.Error)
	}
	p, _ = reg.Get(ctx, kept.ID)
	if p.Status.IsFinished() {
		t.Errorf("Expected the process holding a token to stay unfinished")
	}

	if canceled, _ := c.Sweep(ctx); canceled != 0 {
		t.Errorf("Expected a second sweep to cancel nothing, got %d", canceled)
	}
}

func TestRunFinishesBulkCancels(t *testing.T) {
	c, reg, _ := setupCoordinator(t)
	c.interval = 20 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	const count = 200
	spawned := make([]*types.SpawnOutput, count)
	for i := range spawned {
		spawned[i] = spawn(t, reg)
	}

	// Each process gets its real token and two unknown ones at once, which
	// floods the watchdog topic past the subscriber's buffer.
	var wg sync.WaitGroup
	for _, out := range spawned {
		for _, token := range []string{out.Token, "unknown-1", "unknown-2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Cancel(ctx, out.ID, token); err != nil {
					t.Errorf("Cancel returned error: %v", err)
				}
			}()
		}
	}
	wg.Wait()

	for _, out := range spawned {
		for {
			p, err := reg.Get(ctx, out.ID)
			if err != nil {
				t.Fatalf("Get returned error: %v", err)
			}
			if p.Status.IsFinished() {
				if p.Error == nil || p.Error.Code != types.CodeCanceled {
					t.Errorf("Expected %s canceled, got %+v", out.ID, p.Error)
				}
				break
			}
			if ctx.Err() != nil {
				t.Fatalf("Process %s never finished", out.ID)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
