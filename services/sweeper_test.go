package services

import (
	"testing"
	"time"
)

func TestSweeperStartStop(t *testing.T) {
	s := NewCompletionSweeper(nil, time.Hour)
	s.Start()

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop() // idempotent
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSweeperDefaultInterval(t *testing.T) {
	s := NewCompletionSweeper(nil, 0)
	if s.interval != 5*time.Minute {
		t.Errorf("default interval = %s, want 5m", s.interval)
	}
}
