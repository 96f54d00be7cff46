package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitForZeroDuration(t *testing.T) {
	if err := WaitFor(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitForCompletes(t *testing.T) {
	original := sleep
	var slept time.Duration
	sleep = func(d time.Duration) { slept = d }
	defer func() { sleep = original }()

	if err := WaitFor(context.Background(), 500*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if slept != 500*time.Millisecond {
		t.Fatalf("expected 500ms sleep, got %s", slept)
	}
}

func TestWaitForCancelled(t *testing.T) {
	original := sleep
	release := make(chan struct{})
	sleep = func(time.Duration) { <-release }
	defer func() {
		close(release)
		sleep = original
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := WaitFor(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHead(t *testing.T) {
	t.Parallel()

	if got := Head("привет мир", 6); got != "привет" {
		t.Fatalf("unexpected head: %q", got)
	}
	if got := Head("short", 10); got != "short" {
		t.Fatalf("unexpected head: %q", got)
	}
	if got := Head("x", 0); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
