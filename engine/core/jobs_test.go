package core

import (
	"errors"
	"sync"
	"testing"
)

func TestJobSystemRunsCallbacks(t *testing.T) {
	js, err := NewJobSystem(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var results []int
	failures := 0
	for i := 0; i < 8; i++ {
		i := i
		err := js.Submit(Job{
			Name: "square",
			Run: func() (interface{}, error) {
				if i == 3 {
					return nil, errors.New("boom")
				}
				return i * i, nil
			},
			OnComplete: func(r interface{}) {
				mu.Lock()
				results = append(results, r.(int))
				mu.Unlock()
			},
			OnFailure: func(error) {
				mu.Lock()
				failures++
				mu.Unlock()
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	js.Shutdown()
	if len(results) != 7 || failures != 1 {
		t.Fatalf("results = %v, failures = %d", results, failures)
	}
}

func TestJobSystemRejectsAfterShutdown(t *testing.T) {
	js, err := NewJobSystem(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	js.Shutdown()
	js.Shutdown()
	err = js.Submit(Job{Name: "late", Run: func() (interface{}, error) { return nil, nil }})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Submit after shutdown = %v", err)
	}
	if _, err := NewJobSystem(0, 1); !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("zero workers = %v", err)
	}
}
