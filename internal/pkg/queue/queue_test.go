package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"karmaguard/internal/pkg/models"
)

func TestCreateQueueRejectsBadCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		q, err := CreateQueue(capacity)
		if err == nil || q != nil {
			t.Errorf("Expected error and nil queue for capacity %d, got %v %v", capacity, q, err)
		}
	}

	q, err := CreateQueue(1 << 20)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if q.Capacity() != 1<<20 {
		t.Errorf("Expected capacity %d, got %d", 1<<20, q.Capacity())
	}
}

func TestFIFOAndSentinels(t *testing.T) {
	q, _ := CreateQueue(2)

	if _, err := q.Remove(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Expected ErrQueueEmpty, got %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := q.Insert(models.Post{ID: id}); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}
	if err := q.Insert(models.Post{ID: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	for _, want := range []string{"a", "b"} {
		got, err := q.Remove()
		if err != nil || got.ID != want {
			t.Errorf("Expected %s, got %q (%v)", want, got.ID, err)
		}
	}
	if !q.IsEmpty() {
		t.Errorf("Expected queue to be empty, got length %d", q.Length())
	}
}

// Ready is a one-slot signal: repeated inserts never block on it.
func TestReadyNeverBlocksInsert(t *testing.T) {
	q, _ := CreateQueue(100)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			q.Insert(models.Post{ID: fmt.Sprint(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected inserts to complete without a reader on Ready")
	}
	if q.Length() != 100 {
		t.Errorf("Expected 100 queued posts, got %d", q.Length())
	}
	select {
	case <-q.Ready():
	default:
		t.Error("Expected a pending ready signal")
	}
}

func TestConsumerWakesOnReady(t *testing.T) {
	q, _ := CreateQueue(10)
	got := make(chan string, 1)

	go func() {
		for {
			if post, err := q.Remove(); err == nil {
				got <- post.ID
				return
			}
			<-q.Ready()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Insert(models.Post{ID: "a"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	select {
	case id := <-got:
		if id != "a" {
			t.Errorf("Expected a, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected consumer to be woken by the insert")
	}
}

// Run with -race: Length and IsEmpty read under the same lock as Insert and Remove.
func TestConcurrentProducersAndConsumers(t *testing.T) {
	const producers, perProducer = 4, 50
	q, _ := CreateQueue(producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.Insert(models.Post{ID: fmt.Sprintf("%d-%d", p, i)}); err != nil {
					t.Errorf("Unexpected insert error: %v", err)
				}
				_ = q.Length()
				_ = q.IsEmpty()
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for !q.IsEmpty() {
		post, err := q.Remove()
		if err != nil {
			t.Fatalf("Unexpected remove error: %v", err)
		}
		seen[post.ID] = true
	}
	if len(seen) != producers*perProducer {
		t.Errorf("Expected %d distinct posts, got %d", producers*perProducer, len(seen))
	}
}
