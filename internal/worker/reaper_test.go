package worker

import (
	"context"
	"testing"
	"time"

	"renderqueue/internal/models"
	"renderqueue/internal/store"
)

func TestReaperRunOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	enqueue(t, st, "stale-job")
	enqueue(t, st, "fresh-job")

	threshold := time.Minute
	if _, err := st.LeaseNext(ctx, "dead-worker", time.Now().Add(-2*threshold)); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := st.LeaseNext(ctx, "live-worker", time.Now()); err != nil {
		t.Fatalf("lease: %v", err)
	}

	r := NewReaper(st, time.Second, threshold, nil)
	n, err := r.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reap: n=%d err=%v", n, err)
	}

	stale, _ := st.GetJob(ctx, "stale-job")
	if stale.Status != models.StatusQueued {
		t.Fatalf("stale job not requeued: %s", stale.Status)
	}
	fresh, _ := st.GetJob(ctx, "fresh-job")
	if fresh.Status != models.StatusRunning {
		t.Fatalf("fresh lease reclaimed: %s", fresh.Status)
	}

	// Re-running the sweep reclaims nothing further.
	n, err = r.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}

func TestReaperPeriodicRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	enqueue(t, st, "stale-job")
	threshold := 50 * time.Millisecond
	if _, err := st.LeaseNext(ctx, "dead-worker", time.Now().Add(-2*threshold)); err != nil {
		t.Fatalf("lease: %v", err)
	}

	r := NewReaper(st, 10*time.Millisecond, threshold, nil)
	go func() { _ = r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		job, _ := st.GetJob(ctx, "stale-job")
		if job.Status == models.StatusQueued {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("reaper never reclaimed the stale job, status=%s", job.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
