package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"compass-pipeline/internal/model"
)

func TestRunDrainsAllRequests(t *testing.T) {
	q := New(16, zap.NewNop(), nil)

	var mu sync.Mutex
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id, err := q.Submit(context.Background(), model.Request{Name: "etl_v1"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if id == "" {
			t.Fatal("Submit returned empty id")
		}
	}
	q.Close()

	err := q.Run(context.Background(), 3, func(_ context.Context, req model.Request) error {
		mu.Lock()
		seen[req.ID] = true
		n := len(seen)
		mu.Unlock()
		if n%2 == 0 {
			return errors.New("handler failure is logged, not fatal")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 10 {
		t.Errorf("handled %d requests, want 10", len(seen))
	}
}

func TestSubmitKeepsGivenIDAndPersists(t *testing.T) {
	var saved []string
	q := New(1, zap.NewNop(), func(_ context.Context, req model.Request) error {
		saved = append(saved, req.ID)
		return nil
	})

	id, err := q.Submit(context.Background(), model.Request{ID: "fixed", Name: "etl_v1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "fixed" || len(saved) != 1 || saved[0] != "fixed" {
		t.Errorf("id = %q, saved = %v", id, saved)
	}

	if _, err := q.Submit(context.Background(), model.Request{Name: "etl_v1"}); !errors.Is(err, ErrFull) {
		t.Errorf("Submit on full queue error = %v, want ErrFull", err)
	}
	if len(saved) != 1 {
		t.Errorf("rejected request was persisted: %v", saved)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	q := New(4, zap.NewNop(), nil)
	q.Close()
	q.Close()
	if _, err := q.Submit(context.Background(), model.Request{Name: "etl_v1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit error = %v, want ErrClosed", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := New(4, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, 2, func(context.Context, model.Request) error { return nil })
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
