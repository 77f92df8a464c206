package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomyedwab/tangram/bus"
)

// fakeQueue is a FIFO Claimer that records the lease it was asked for.
type fakeQueue struct {
	mu    sync.Mutex
	ids   []string
	lease time.Duration
	calls int
	err   error
}

func (q *fakeQueue) Dequeue(ctx context.Context, lease time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	q.lease = lease
	if q.err != nil {
		return "", q.err
	}
	if len(q.ids) == 0 {
		return "", nil
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, nil
}

func (q *fakeQueue) push(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
}

func setupDispatcher(t *testing.T, q *fakeQueue, interval time.Duration) (*Dispatcher, *bus.Memory) {
	b := bus.NewMemory(nil)
	t.Cleanup(b.Close)
	d, err := New(Config{Claimer: q, Bus: b, Lease: 30 * time.Second, Interval: interval})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return d, b
}

func TestNewDefaults(t *testing.T) {
	d, err := New(Config{Claimer: &fakeQueue{}, Bus: bus.NewMemory(nil)})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if d.Lease() != defaultLease || d.interval != defaultInterval {
		t.Errorf("Unexpected defaults: lease %v interval %v", d.Lease(), d.interval)
	}
	if _, err := New(Config{Bus: bus.NewMemory(nil)}); err == nil {
		t.Error("Expected error without a claimer")
	}
}

func TestTryDequeue(t *testing.T) {
	q := &fakeQueue{ids: []string{"pcs_a"}}
	d, _ := setupDispatcher(t, q, time.Hour)

	id, err := d.TryDequeue(context.Background())
	if err != nil || id != "pcs_a" {
		t.Fatalf("TryDequeue = %q, %v", id, err)
	}
	if q.lease != 30*time.Second {
		t.Errorf("Expected configured lease, got %v", q.lease)
	}
	id, err = d.TryDequeue(context.Background())
	if err != nil || id != "" {
		t.Errorf("Expected empty claim, got %q, %v", id, err)
	}
}

func TestDequeueWakesOnCreated(t *testing.T) {
	q := &fakeQueue{}
	d, b := setupDispatcher(t, q, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := make(chan string, 1)
	go func() {
		id, err := d.Dequeue(ctx)
		if err != nil {
			t.Errorf("Dequeue returned error: %v", err)
		}
		result <- id
	}()

	// Keep announcing until the waiter has subscribed and claimed.
	q.push("pcs_a")
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case id := <-result:
			if id != "pcs_a" {
				t.Errorf("Expected pcs_a, got %q", id)
			}
			return
		case <-ticker.C:
			bus.PublishProcess(ctx, b, bus.TopicCreated, "pcs_a")
		case <-ctx.Done():
			t.Fatal("Dequeue did not wake up")
		}
	}
}

func TestDequeueFallsBackToTick(t *testing.T) {
	q := &fakeQueue{}
	d, _ := setupDispatcher(t, q, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.push("pcs_a")
	}()
	id, err := d.Dequeue(ctx)
	if err != nil || id != "pcs_a" {
		t.Errorf("Dequeue = %q, %v", id, err)
	}
}

func TestDequeueContextDone(t *testing.T) {
	d, _ := setupDispatcher(t, &fakeQueue{}, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := d.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestDequeueReturnsClaimErrors(t *testing.T) {
	boom := errors.New("database is locked")
	d, _ := setupDispatcher(t, &fakeQueue{err: boom}, time.Hour)
	if _, err := d.Dequeue(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Expected claim error, got %v", err)
	}
}
