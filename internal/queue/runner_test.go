package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRunner(t *testing.T, cfg RunnerConfig) (*Runner, *BoltStorage) {
	t.Helper()
	s, err := NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(s, cfg, logger), s
}

func drain(t *testing.T, r *Runner) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for r.runOne(context.Background(), logger) {
	}
}

func TestRunnerExecutesTask(t *testing.T) {
	r, _ := newTestRunner(t, RunnerConfig{})

	var calls atomic.Int32
	r.Register("production", func(ctx context.Context, task *Task) error {
		calls.Add(1)
		if task.PackageID != 42 {
			t.Errorf("expected package 42, got %d", task.PackageID)
		}
		return nil
	})

	if _, err := r.Submit(context.Background(), "production", 42, "sess", 0); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	drain(t, r)

	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestRunnerMarksTaskDone(t *testing.T) {
	r, s := newTestRunner(t, RunnerConfig{})
	r.Register("production", func(ctx context.Context, task *Task) error { return nil })

	task, err := r.Submit(context.Background(), "production", 1, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	drain(t, r)

	got, err := s.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusDone {
		t.Errorf("expected done, got %s", got.Status)
	}
}

func TestRetryAfterDoesNotBurnRetries(t *testing.T) {
	r, s := newTestRunner(t, RunnerConfig{MaxRetries: 2})
	r.Register("storage", func(ctx context.Context, task *Task) error {
		return RetryAfter(time.Millisecond)
	})

	task, err := r.Submit(context.Background(), "storage", 1, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Far more reschedules than the retry budget allows for failures.
	for i := 0; i < 10; i++ {
		time.Sleep(5 * time.Millisecond)
		drain(t, r)
	}

	got, err := s.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status == StatusFailed {
		t.Fatal("deliberate reschedules must not exhaust the task")
	}
	if got.Failures != 0 {
		t.Errorf("reschedule counted as failure: %d", got.Failures)
	}
	if got.Attempt < 5 {
		t.Errorf("expected repeated attempts, got %d", got.Attempt)
	}
}

func TestFailureBackoffGrows(t *testing.T) {
	r, _ := newTestRunner(t, RunnerConfig{RetryDelay: time.Minute})

	prev := time.Duration(0)
	for failures := 1; failures <= 4; failures++ {
		backoff := r.calculateBackoff(failures)
		if backoff <= prev {
			t.Errorf("backoff for %d failures (%s) not greater than previous (%s)", failures, backoff, prev)
		}
		prev = backoff
	}

	if got := r.calculateBackoff(20); got > time.Hour {
		t.Errorf("backoff exceeds cap: %s", got)
	}
}

func TestExhaustionParksTask(t *testing.T) {
	r, s := newTestRunner(t, RunnerConfig{MaxRetries: 2, RetryDelay: time.Millisecond})

	handlerErr := errors.New("backend down")
	r.Register("deliver", func(ctx context.Context, task *Task) error {
		return handlerErr
	})

	var exhausted atomic.Int32
	r.OnExhausted(func(ctx context.Context, task *Task, err error) {
		exhausted.Add(1)
		if !errors.Is(err, handlerErr) {
			t.Errorf("unexpected exhaustion error: %v", err)
		}
	})

	task, err := r.Submit(context.Background(), "deliver", 1, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		drain(t, r)
		time.Sleep(5 * time.Millisecond)
	}

	if exhausted.Load() != 1 {
		t.Fatalf("expected one exhaustion callback, got %d", exhausted.Load())
	}

	got, err := s.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}

	parked, _ := s.ListDLQ(context.Background(), 10, 0)
	if len(parked) != 1 {
		t.Errorf("expected task in DLQ, got %d", len(parked))
	}
}

func TestUnknownTaskTypeGoesToDLQ(t *testing.T) {
	r, s := newTestRunner(t, RunnerConfig{})

	if _, err := r.Submit(context.Background(), "mystery", 1, "", 0); err != nil {
		t.Fatal(err)
	}
	drain(t, r)

	parked, err := s.ListDLQ(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(parked) != 1 {
		t.Fatalf("expected unhandled task in DLQ, got %d", len(parked))
	}
	if parked[0].LastError != "no handler registered" {
		t.Errorf("unexpected last error: %q", parked[0].LastError)
	}
}

func TestRunnerStartStop(t *testing.T) {
	r, _ := newTestRunner(t, RunnerConfig{Workers: 2, PollInterval: 5 * time.Millisecond})

	var calls atomic.Int32
	r.Register("production", func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	if _, err := r.Submit(ctx, "production", 1, "", 0); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()

	if calls.Load() == 0 {
		t.Error("expected the worker pool to execute the task")
	}
}
