package registry

import (
	"context"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/tangram/types"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) *sqlx.DB {
	dbPath := path.Join(t.TempDir(), "test_processes.db")
	db := sqlx.MustConnect("sqlite3", dbPath+"?_busy_timeout=5000&_txlock=immediate")
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func setupSQLStore(t *testing.T) Store {
	store := NewSQLStore(setupTestDB(t))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	return store
}

func setupLiteStore(t *testing.T) Store {
	store, err := OpenLiteStore(LiteConfig{Path: path.Join(t.TempDir(), "test_processes.db")})
	if err != nil {
		t.Fatalf("OpenLiteStore returned error: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	return store
}

// forEachStore runs fn against every Store backend.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	backends := []struct {
		name  string
		setup func(t *testing.T) Store
	}{
		{"sqlx", setupSQLStore},
		{"zombiezen", setupLiteStore},
	}
	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			fn(t, backend.setup(t))
		})
	}
}

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testProcess(id string, status types.ProcessStatus, enqueuedAt time.Time) *types.Process {
	return &types.Process{
		ID:         id,
		Status:     status,
		Host:       "wasm32",
		Command:    "cmd_" + id,
		CreatedAt:  enqueuedAt,
		EnqueuedAt: &enqueuedAt,
	}
}

func TestDBInit(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLStore(db)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	// Init is idempotent
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("second Init returned error: %v", err)
	}

	for _, table := range []string{"processes", "process_tokens"} {
		var name string
		err := db.Get(&name, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		if err != nil {
			t.Fatalf("Table %q does not exist: %v", table, err)
		}
	}

	var count int
	err := db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND tbl_name='processes'")
	if err != nil {
		t.Fatalf("Failed to query indexes: %v", err)
	}
	if count < 3 {
		t.Errorf("Expected at least 3 indexes, got %d", count)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		exit := 3
		p := testProcess("pcs_a", types.StatusEnqueued, testEpoch)
		p.Checksum = "sum"
		p.Network = true
		p.Cacheable = true
		p.Mounts = []types.Mount{{Source: "/src", Target: "/dst", ReadOnly: true}}
		p.Stdin = &types.Stdio{Kind: types.StdioBlob, Blob: "blb_1"}
		p.Stdout = &types.Stdio{Kind: types.StdioPipe, ID: "pip_1"}
		p.Exit = &exit
		p.TokenCount = 1

		if err := store.Insert(ctx, p, HashToken("tok")); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
		got, err := store.Get(ctx, "pcs_a")
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if got.Command != p.Command || got.Checksum != "sum" || !got.Network || !got.Cacheable {
			t.Errorf("Unexpected scalar fields: %+v", got)
		}
		if len(got.Mounts) != 1 || got.Mounts[0] != p.Mounts[0] {
			t.Errorf("Expected mounts %v, got %v", p.Mounts, got.Mounts)
		}
		if got.Stdin == nil || *got.Stdin != *p.Stdin {
			t.Errorf("Expected stdin %v, got %v", p.Stdin, got.Stdin)
		}
		if got.Stdout == nil || *got.Stdout != *p.Stdout {
			t.Errorf("Expected stdout %v, got %v", p.Stdout, got.Stdout)
		}
		if got.Stderr != nil {
			t.Errorf("Expected no stderr, got %v", got.Stderr)
		}
		if got.Exit == nil || *got.Exit != 3 {
			t.Errorf("Expected exit 3, got %v", got.Exit)
		}
		if !got.CreatedAt.Equal(testEpoch) || got.EnqueuedAt == nil || !got.EnqueuedAt.Equal(testEpoch) {
			t.Errorf("Unexpected timestamps: created %v enqueued %v", got.CreatedAt, got.EnqueuedAt)
		}
		if got.StartedAt != nil || got.FinishedAt != nil {
			t.Errorf("Expected unset timestamps to stay nil")
		}
		if got.TokenCount != 1 {
			t.Errorf("Expected token count 1, got %d", got.TokenCount)
		}

		if _, err := store.Get(ctx, "pcs_missing"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreDequeueOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		// Inserted out of order on purpose.
		for i, id := range []string{"pcs_c", "pcs_a", "pcs_b"} {
			at := testEpoch.Add(time.Duration([]int{3, 1, 2}[i]) * time.Second)
			if err := store.Insert(ctx, testProcess(id, types.StatusEnqueued, at), ""); err != nil {
				t.Fatalf("Insert returned error: %v", err)
			}
		}

		now := testEpoch.Add(time.Minute)
		for _, want := range []string{"pcs_a", "pcs_b", "pcs_c", ""} {
			got, err := store.Dequeue(ctx, now, time.Minute)
			if err != nil {
				t.Fatalf("Dequeue returned error: %v", err)
			}
			if got != want {
				t.Errorf("Expected %q, got %q", want, got)
			}
		}
	})
}

func TestStoreDequeueLeaseReclaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		lease := 10 * time.Second
		store.Insert(ctx, testProcess("pcs_a", types.StatusEnqueued, testEpoch), "")
		store.Insert(ctx, testProcess("pcs_b", types.StatusEnqueued, testEpoch.Add(time.Second)), "")

		first, _ := store.Dequeue(ctx, testEpoch, lease)
		if first != "pcs_a" {
			t.Fatalf("Expected pcs_a, got %q", first)
		}

		// Lease expired: pcs_a competes again under its original enqueue time.
		later := testEpoch.Add(lease + time.Second)
		reclaimed, _ := store.Dequeue(ctx, later, lease)
		if reclaimed != "pcs_a" {
			t.Fatalf("Expected reclaimed pcs_a, got %q", reclaimed)
		}
		p, _ := store.Get(ctx, "pcs_a")
		if p.Status != types.StatusDequeued || !p.DequeuedAt.Equal(later) {
			t.Errorf("Expected dequeued at %v, got %s at %v", later, p.Status, p.DequeuedAt)
		}

		next, _ := store.Dequeue(ctx, later, lease)
		if next != "pcs_b" {
			t.Errorf("Expected pcs_b, got %q", next)
		}
		none, _ := store.Dequeue(ctx, later, lease)
		if none != "" {
			t.Errorf("Expected nothing claimable, got %q", none)
		}
	})
}

func TestStoreDequeueExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		store.Insert(ctx, testProcess("pcs_a", types.StatusEnqueued, testEpoch), "")

		const workers = 8
		var wg sync.WaitGroup
		claims := make(chan string, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := store.Dequeue(ctx, testEpoch.Add(time.Second), time.Minute)
				if err != nil {
					t.Errorf("Dequeue returned error: %v", err)
					return
				}
				if id != "" {
					claims <- id
				}
			}()
		}
		wg.Wait()
		close(claims)

		count := 0
		for range claims {
			count++
		}
		if count != 1 {
			t.Errorf("Expected exactly one claim, got %d", count)
		}
	})
}

func TestStoreTokens(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		p := testProcess("pcs_a", types.StatusEnqueued, testEpoch)
		p.TokenCount = 1
		store.Insert(ctx, p, HashToken("t1"))

		if ok, err := store.AddToken(ctx, "pcs_a", HashToken("t2")); err != nil || !ok {
			t.Fatalf("AddToken = %v, %v", ok, err)
		}
		if ok, _ := store.DeleteToken(ctx, "pcs_a", HashToken("unknown")); ok {
			t.Errorf("Expected unknown token delete to be a no-op")
		}
		if ok, _ := store.DeleteToken(ctx, "pcs_a", HashToken("t1")); !ok {
			t.Errorf("Expected t1 to be deleted")
		}
		if ok, _ := store.DeleteToken(ctx, "pcs_a", HashToken("t1")); ok {
			t.Errorf("Expected second delete of t1 to be a no-op")
		}

		got, _ := store.Get(ctx, "pcs_a")
		if got.TokenCount != 1 {
			t.Errorf("Expected token count 1, got %d", got.TokenCount)
		}

		// Finished processes accept no new tokens.
		store.Start(ctx, "pcs_a", testEpoch)
		store.Finish(ctx, "pcs_a", types.FinishArg{}, testEpoch)
		if ok, _ := store.AddToken(ctx, "pcs_a", HashToken("t3")); ok {
			t.Errorf("Expected AddToken on a finished process to fail")
		}
	})
}

func TestStoreUnwanted(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		wanted := testProcess("pcs_wanted", types.StatusEnqueued, testEpoch)
		wanted.TokenCount = 1
		store.Insert(ctx, wanted, HashToken("t1"))
		store.Insert(ctx, testProcess("pcs_b", types.StatusStarted, testEpoch.Add(2*time.Second)), "")
		store.Insert(ctx, testProcess("pcs_a", types.StatusEnqueued, testEpoch.Add(time.Second)), "")
		done := testProcess("pcs_done", types.StatusStarted, testEpoch)
		store.Insert(ctx, done, "")
		store.Finish(ctx, "pcs_done", types.FinishArg{}, testEpoch)
		remote := testProcess("pcs_remote", types.StatusStarted, testEpoch)
		remote.Remote = "west"
		store.Replicate(ctx, remote)

		ids, err := store.Unwanted(ctx, 10)
		if err != nil {
			t.Fatalf("Unwanted returned error: %v", err)
		}
		if len(ids) != 2 || ids[0] != "pcs_a" || ids[1] != "pcs_b" {
			t.Errorf("Expected [pcs_a pcs_b], got %v", ids)
		}
		if ids, _ := store.Unwanted(ctx, 1); len(ids) != 1 {
			t.Errorf("Expected the limit to apply, got %v", ids)
		}

		store.DeleteToken(ctx, "pcs_wanted", HashToken("t1"))
		if ids, _ := store.Unwanted(ctx, 10); len(ids) != 3 {
			t.Errorf("Expected pcs_wanted once its token is gone, got %v", ids)
		}
	})
}

func TestStoreHeartbeat(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		store.Insert(ctx, testProcess("pcs_a", types.StatusEnqueued, testEpoch), "")

		status, err := store.Heartbeat(ctx, "pcs_a", testEpoch)
		if err != nil || status != types.StatusEnqueued {
			t.Fatalf("Heartbeat on enqueued = %s, %v", status, err)
		}

		store.Dequeue(ctx, testEpoch, time.Minute)
		renewed := testEpoch.Add(30 * time.Second)
		if status, _ := store.Heartbeat(ctx, "pcs_a", renewed); status != types.StatusDequeued {
			t.Fatalf("Expected dequeued, got %s", status)
		}
		p, _ := store.Get(ctx, "pcs_a")
		if !p.DequeuedAt.Equal(renewed) {
			t.Errorf("Expected lease renewed to %v, got %v", renewed, p.DequeuedAt)
		}

		started := testEpoch.Add(time.Minute)
		store.Start(ctx, "pcs_a", started)
		beat := started.Add(5 * time.Second)
		store.Heartbeat(ctx, "pcs_a", beat)
		// An older heartbeat never moves the timestamp back.
		store.Heartbeat(ctx, "pcs_a", started)
		p, _ = store.Get(ctx, "pcs_a")
		if !p.HeartbeatAt.Equal(beat) {
			t.Errorf("Expected heartbeat_at %v, got %v", beat, p.HeartbeatAt)
		}

		stale, _ := store.Stale(ctx, beat, 10)
		if len(stale) != 0 {
			t.Errorf("Expected no stale processes, got %v", stale)
		}
		stale, _ = store.Stale(ctx, beat.Add(time.Second), 10)
		if len(stale) != 1 || stale[0] != "pcs_a" {
			t.Errorf("Expected pcs_a to be stale, got %v", stale)
		}

		if _, err := store.Heartbeat(ctx, "pcs_missing", beat); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreChildren(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		store.Insert(ctx, testProcess("pcs_p", types.StatusEnqueued, testEpoch), "")
		for _, child := range []string{"pcs_c1", "pcs_c2"} {
			if ok, err := store.AddChild(ctx, "pcs_p", child); err != nil || !ok {
				t.Fatalf("AddChild = %v, %v", ok, err)
			}
		}
		p, _ := store.Get(ctx, "pcs_p")
		if len(p.Children) != 2 || p.Children[0] != "pcs_c1" || p.Children[1] != "pcs_c2" {
			t.Errorf("Expected ordered children, got %v", p.Children)
		}

		store.Start(ctx, "pcs_p", testEpoch)
		store.Finish(ctx, "pcs_p", types.FinishArg{}, testEpoch)
		if ok, _ := store.AddChild(ctx, "pcs_p", "pcs_c3"); ok {
			t.Errorf("Expected children to be frozen once finished")
		}
	})
}

func TestStoreReplicateKeepsLocal(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		store.Insert(ctx, testProcess("pcs_a", types.StatusEnqueued, testEpoch), "")

		replica := testProcess("pcs_a", types.StatusFinished, testEpoch)
		replica.Remote = "peer"
		if err := store.Replicate(ctx, replica); err != nil {
			t.Fatalf("Replicate returned error: %v", err)
		}
		p, _ := store.Get(ctx, "pcs_a")
		if p.Status != types.StatusEnqueued || p.Remote != "" {
			t.Errorf("Expected local record untouched, got %s from %q", p.Status, p.Remote)
		}
	})
}
