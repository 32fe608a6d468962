package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryFIFO(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d", q.Len())
	}

	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if msg.TaskID() != want {
			t.Fatalf("got %s, want %s", msg.TaskID(), want)
		}
	}
}

func TestMemoryDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory()
	got := make(chan string, 1)
	go func() {
		msg, err := q.Dequeue(context.Background())
		if err == nil {
			got <- msg.TaskID()
		}
	}()

	select {
	case id := <-got:
		t.Fatalf("Dequeue returned %s before Enqueue", id)
	case <-time.After(20 * time.Millisecond):
	}

	_ = q.Enqueue(context.Background(), "late")
	select {
	case id := <-got:
		if id != "late" {
			t.Fatalf("got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("Dequeue did not wake up")
	}
}

func TestMemoryWakesAllIdleConsumers(t *testing.T) {
	q := NewMemory()
	const n = 4

	var wg sync.WaitGroup
	release := make(chan struct{})
	received := make(chan string, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := q.Dequeue(context.Background())
			if err != nil {
				return
			}
			received <- msg.TaskID()
			<-release
		}()
	}

	time.Sleep(10 * time.Millisecond)
	for _, id := range []string{"1", "2", "3", "4"} {
		_ = q.Enqueue(context.Background(), id)
	}

	for range n {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("not every idle consumer received a message")
		}
	}
	close(release)
	wg.Wait()
}

func TestMemoryNakRequeues(t *testing.T) {
	q := NewMemory()
	_ = q.Enqueue(context.Background(), "x")
	msg, _ := q.Dequeue(context.Background())
	if err := msg.Nak(); err != nil {
		t.Fatalf("Nak: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len after Nak = %d", q.Len())
	}
}

func TestMemoryCloseAndCancel(t *testing.T) {
	q := NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Dequeue(cancelled) = %v", err)
	}

	_ = q.Close()
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Dequeue(closed) = %v", err)
	}
	if err := q.Enqueue(context.Background(), "y"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue(closed) = %v", err)
	}
}
