package deadletter

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ledger-opqueue/internal/models"
	"ledger-opqueue/internal/opqueue"
)

func newMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mirror := NewRedisMirror(client, "test:dlq", nil, 16)
	t.Cleanup(func() { _ = mirror.Close(context.Background()) })
	return mirror, mr
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within 2s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// silentRedis accepts connections and never answers.
func silentRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestRedisMirror_TracksDeadLetters(t *testing.T) {
	ctx := context.Background()
	mirror, mr := newMirror(t)

	q := opqueue.New(opqueue.Config{MaxAttempts: 1})
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
	q.Subscribe(mirror)

	id, err := q.Enqueue(models.KindMint, map[string]any{"batchId": "B1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Drain(ctx, opqueue.ProcessorFunc(func(context.Context, models.Job) (opqueue.Result, error) {
		return opqueue.Result{}, errors.New("gas too low")
	}))

	var jobs []models.Job
	eventually(t, func() bool {
		jobs, err = mirror.Peek(ctx, 10)
		return err == nil && len(jobs) > 0
	})
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].Status != models.StatusDead || jobs[0].Error != "gas too low" {
		t.Fatalf("unexpected mirrored jobs %+v", jobs)
	}
	if !mr.Exists("test:dlq:jobs") {
		t.Fatalf("expected snapshot hash")
	}

	if !q.RetryDeadLetter(id) {
		t.Fatalf("retry dead letter failed")
	}
	eventually(t, func() bool {
		depth, err := mirror.Depth(ctx)
		return err == nil && depth == 0
	})
}

func TestRedisMirror_PushIsIdempotentAndPeekBounded(t *testing.T) {
	ctx := context.Background()
	mirror, _ := newMirror(t)

	for _, id := range []string{"a", "b", "a"} {
		if err := mirror.Push(ctx, models.Job{ID: id, Kind: models.KindUpdateBatch, Status: models.StatusDead}); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	depth, _ := mirror.Depth(ctx)
	if depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}
	jobs, err := mirror.Peek(ctx, 1)
	if err != nil || len(jobs) != 1 || jobs[0].ID != "b" {
		t.Fatalf("peek(1) = %+v err=%v", jobs, err)
	}

	if err := mirror.Remove(ctx, "b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	jobs, _ = mirror.Peek(ctx, 10)
	if len(jobs) != 1 || jobs[0].ID != "a" {
		t.Fatalf("after remove = %+v", jobs)
	}
	if jobs, _ := mirror.Peek(ctx, 0); jobs != nil {
		t.Fatalf("peek(0) should be empty")
	}
}

func TestRedisMirror_LogsWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mirror := NewRedisMirror(client, "", nil, 0)
	mr.Close()

	mirror.OnEvent(opqueue.Event{Type: opqueue.EventJobDead, Job: models.Job{ID: "x"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mirror.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	// closed mirrors ignore further events
	mirror.OnEvent(opqueue.Event{Type: opqueue.EventJobDead, Job: models.Job{ID: "y"}})
}

func TestRedisMirror_OnEventDoesNotWaitForRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: silentRedis(t)})
	t.Cleanup(func() { _ = client.Close() })
	mirror := NewRedisMirror(client, "test:dlq", nil, 1)

	q := opqueue.New(opqueue.Config{MaxAttempts: 1})
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
	q.Subscribe(mirror)

	for _, batch := range []string{"B1", "B2", "B3"} {
		if _, err := q.Enqueue(models.KindMint, map[string]any{"batchId": batch}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	start := time.Now()
	n := q.Drain(context.Background(), opqueue.ProcessorFunc(func(context.Context, models.Job) (opqueue.Result, error) {
		return opqueue.Result{}, errors.New("execution reverted")
	}))
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("drain took %s with an unresponsive redis", elapsed)
	}
	if n != 3 || q.Stats().Dead != 3 {
		t.Fatalf("attempts = %d, stats = %+v", n, q.Stats())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := mirror.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("close with a stuck write = %v, want deadline exceeded", err)
	}
}
