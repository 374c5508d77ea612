package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddValidatesTasks(t *testing.T) {
	s := New()
	noop := func(context.Context) (string, error) { return "", nil }
	if err := s.Add("", "@every 1m", noop); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := s.Add("sweep", "not a schedule", noop); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
	if err := s.Add("sweep", "@every 1m", nil); err == nil {
		t.Fatalf("expected error for nil func")
	}
	if err := s.Add("sweep", "@every 1m", noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("sweep", "*/5 * * * *", noop); err == nil {
		t.Fatalf("expected duplicate name error")
	}
	tasks := s.List()
	if len(tasks) != 1 || tasks[0].Name != "sweep" || !tasks[0].Enabled {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if err := s.Remove("sweep"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := s.Get("sweep"); ok {
		t.Fatalf("task should be removed")
	}
}

func TestTriggerRecordsHistory(t *testing.T) {
	s := New()
	var calls atomic.Int32
	_ = s.Add("sweep", "@every 1h", func(context.Context) (string, error) {
		if calls.Add(1) == 2 {
			return "", errors.New("store unavailable")
		}
		return "purged 0 sessions", nil
	})
	ctx := context.Background()
	if out, err := s.Trigger(ctx, "sweep"); err != nil || out != "purged 0 sessions" {
		t.Fatalf("trigger: %q %v", out, err)
	}
	if _, err := s.Trigger(ctx, "sweep"); err == nil {
		t.Fatalf("expected failing run")
	}

	runs, err := s.History("sweep", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(runs) != 2 || runs[0].Status != "failed" || runs[1].Status != "completed" || runs[0].Trigger != "manual" {
		t.Fatalf("unexpected history: %+v", runs)
	}
	task, _ := s.Get("sweep")
	if task.RunCount != 2 || task.LastErr != "store unavailable" {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if _, err := s.Trigger(ctx, "missing"); err == nil {
		t.Fatalf("expected error for unknown task")
	}
}

func TestScheduledRunsRespectEnabled(t *testing.T) {
	s := New()
	var calls atomic.Int32
	_ = s.Add("tick", "@every 1s", func(context.Context) (string, error) {
		calls.Add(1)
		return "", nil
	})
	_ = s.Add("paused", "@every 1s", func(context.Context) (string, error) {
		t.Errorf("disabled task ran")
		return "", nil
	})
	if err := s.SetEnabled("paused", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if calls.Load() == 0 {
		t.Fatalf("scheduled task never ran")
	}
	runs, _ := s.History("tick", 1)
	if len(runs) != 1 || runs[0].Trigger != "schedule" {
		t.Fatalf("unexpected history: %+v", runs)
	}
}
