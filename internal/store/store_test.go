package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"renderqueue/internal/models"
)

// runStoreSuite exercises the lease-transition contract against any Store
// implementation. newStore must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("enqueue duplicate", func(t *testing.T) {
		st := newStore(t)
		p := EnqueueParams{ID: "job-1", OwnerID: "owner-1", Payload: []byte(`{}`)}
		if err := st.Enqueue(ctx, p); err != nil {
			t.Fatalf("first enqueue: %v", err)
		}
		if err := st.Enqueue(ctx, p); err != ErrDuplicateJob {
			t.Fatalf("expected ErrDuplicateJob, got %v", err)
		}
	})

	t.Run("lease empty queue", func(t *testing.T) {
		st := newStore(t)
		job, err := st.LeaseNext(ctx, "w1", time.Now())
		if err != nil {
			t.Fatalf("lease next: %v", err)
		}
		if job != nil {
			t.Fatalf("expected no job, got %+v", job)
		}
	})

	t.Run("lease sets lock fields", func(t *testing.T) {
		st := newStore(t)
		mustEnqueue(t, st, "job-1")
		now := time.Now()
		job, err := st.LeaseNext(ctx, "w1", now)
		if err != nil || job == nil {
			t.Fatalf("lease next: job=%v err=%v", job, err)
		}
		if job.Status != models.StatusRunning {
			t.Fatalf("expected running, got %s", job.Status)
		}
		if job.LockToken == nil || *job.LockToken == "" {
			t.Fatalf("expected lock token to be set")
		}
		if job.WorkerID == nil || *job.WorkerID != "w1" {
			t.Fatalf("expected worker_id w1, got %v", job.WorkerID)
		}
		if job.HeartbeatAt == nil || job.StartedAt == nil {
			t.Fatalf("expected heartbeat_at and started_at to be set")
		}
		if job.Attempts != 1 {
			t.Fatalf("expected attempts 1, got %d", job.Attempts)
		}
	})

	t.Run("two jobs two workers fifo", func(t *testing.T) {
		st := newStore(t)
		mustEnqueue(t, st, "job-a")
		mustEnqueue(t, st, "job-b")

		first, err := st.LeaseNext(ctx, "w1", time.Now())
		if err != nil || first == nil {
			t.Fatalf("first lease: job=%v err=%v", first, err)
		}
		second, err := st.LeaseNext(ctx, "w2", time.Now())
		if err != nil || second == nil {
			t.Fatalf("second lease: job=%v err=%v", second, err)
		}
		if first.ID != "job-a" || second.ID != "job-b" {
			t.Fatalf("expected FIFO order job-a, job-b; got %s, %s", first.ID, second.ID)
		}
		third, err := st.LeaseNext(ctx, "w3", time.Now())
		if err != nil || third != nil {
			t.Fatalf("expected empty queue after two leases, got job=%v err=%v", third, err)
		}
	})

	t.Run("at most one claimant", func(t *testing.T) {
		st := newStore(t)
		mustEnqueue(t, st, "job-1")

		const claimants = 16
		var wg sync.WaitGroup
		wins := make(chan string, claimants)
		for i := 0; i < claimants; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				job, err := st.LeaseNext(ctx, "w", time.Now())
				if err != nil {
					t.Errorf("lease next: %v", err)
					return
				}
				if job != nil {
					wins <- job.ID
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		var got []string
		for id := range wins {
			got = append(got, id)
		}
		if len(got) != 1 {
			t.Fatalf("expected exactly one claimant to win, got %d", len(got))
		}
	})

	t.Run("ownership guard on terminal transitions", func(t *testing.T) {
		st := newStore(t)
		mustEnqueue(t, st, "job-1")
		if _, err := st.LeaseNext(ctx, "correct-worker", time.Now()); err != nil {
			t.Fatalf("lease next: %v", err)
		}

		res, err := st.MarkCompleted(ctx, "job-1", "wrong-worker")
		if err != nil {
			t.Fatalf("mark completed: %v", err)
		}
		if res != NotOwner {
			t.Fatalf("expected NotOwner for wrong worker, got %s", res)
		}
		job, err := st.GetJob(ctx, "job-1")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status != models.StatusRunning {
			t.Fatalf("wrong worker changed status to %s", job.Status)
		}

		res, err = st.MarkCompleted(ctx, "job-1", "correct-worker")
		if err != nil {
			t.Fatalf("mark completed: %v", err)
		}
		if res != Applied {
			t.Fatalf("expected Applied for owner, got %s", res)
		}
		job, _ = st.GetJob(ctx, "job-1")
		if job.Status != models.StatusCompleted {
			t.Fatalf("expected completed, got %s", job.Status)
		}
		if job.LockToken != nil || job.HeartbeatAt != nil {
			t.Fatalf("terminal job kept lease fields: token=%v heartbeat=%v", job.LockToken, job.HeartbeatAt)
		}
		if job.CompletedAt == nil {
			t.Fatalf("expected completed_at to be set")
		}

		// A second attempt by the same worker finds the row terminal.
		res, _ = st.MarkCompleted(ctx, "job-1", "correct-worker")
		if res != NotOwner {
			t.Fatalf("expected NotOwner on terminal row, got %s", res)
		}

		res, _ = st.MarkCompleted(ctx, "no-such-job", "correct-worker")
		if res != NotFound {
			t.Fatalf("expected NotFound for missing row, got %s", res)
		}
	})

	t.Run("mark failed records error", func(t *testing.T) {
		st := newStore(t)
		mustEnqueue(t, st, "job-1")
		if _, err := st.LeaseNext(ctx, "w1", time.Now()); err != nil {
			t.Fatalf("lease next: %v", err)
		}
		res, err := st.MarkFailed(ctx, "job-1", "w1", "FETCH_FAILED", "status 502")
		if err != nil || res != Applied {
			t.Fatalf("mark failed: res=%s err=%v", res, err)
		}
		job, _ := st.GetJob(ctx, "job-1")
		if job.Status != models.StatusFailed {
			t.Fatalf("expected failed, got %s", job.Status)
		}
		if job.ErrCode == nil || *job.ErrCode != "FETCH_FAILED" {
			t.Fatalf("expected err_code FETCH_FAILED, got %v", job.ErrCode)
		}
		if job.ErrMessage == nil || *job.ErrMessage != "status 502" {
			t.Fatalf("expected err_message, got %v", job.ErrMessage)
		}
	})

	t.Run("heartbeat advances for owner only", func(t *testing.T) {
		st := newStore(t)
		mustEnqueue(t, st, "job-1")
		leased, err := st.LeaseNext(ctx, "w1", time.Now().Add(-time.Minute))
		if err != nil || leased == nil {
			t.Fatalf("lease next: job=%v err=%v", leased, err)
		}
		before := *leased.HeartbeatAt

		res, err := st.RenewLease(ctx, "job-1", "intruder", time.Now())
		if err != nil {
			t.Fatalf("renew lease: %v", err)
		}
		if res != NotOwner {
			t.Fatalf("expected NotOwner for intruder, got %s", res)
		}
		job, _ := st.GetJob(ctx, "job-1")
		if !job.HeartbeatAt.Equal(before) {
			t.Fatalf("intruder moved heartbeat from %s to %s", before, job.HeartbeatAt)
		}

		res, err = st.RenewLease(ctx, "job-1", "w1", time.Now())
		if err != nil || res != Applied {
			t.Fatalf("renew lease by owner: res=%s err=%v", res, err)
		}
		job, _ = st.GetJob(ctx, "job-1")
		if !job.HeartbeatAt.After(before) {
			t.Fatalf("heartbeat did not advance: before=%s after=%s", before, job.HeartbeatAt)
		}

		res, _ = st.RenewLease(ctx, "no-such-job", "w1", time.Now())
		if res != NotFound {
			t.Fatalf("expected NotFound, got %s", res)
		}
	})

	t.Run("requeue stale reclaims expired leases only", func(t *testing.T) {
		st := newStore(t)
		mustEnqueue(t, st, "stale-job")
		mustEnqueue(t, st, "fresh-job")

		threshold := time.Minute
		// A lease whose heartbeat predates the cutoff simulates a dead worker.
		if _, err := st.LeaseNext(ctx, "dead-worker", time.Now().Add(-2*threshold)); err != nil {
			t.Fatalf("lease stale: %v", err)
		}
		if _, err := st.LeaseNext(ctx, "live-worker", time.Now()); err != nil {
			t.Fatalf("lease fresh: %v", err)
		}

		n, err := st.RequeueStale(ctx, time.Now(), threshold)
		if err != nil {
			t.Fatalf("requeue stale: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 reclaimed, got %d", n)
		}

		stale, _ := st.GetJob(ctx, "stale-job")
		if stale.Status != models.StatusQueued {
			t.Fatalf("expected stale job requeued, got %s", stale.Status)
		}
		if stale.LockToken != nil || stale.WorkerID != nil || stale.HeartbeatAt != nil || stale.StartedAt != nil {
			t.Fatalf("stale job kept lease fields: %+v", stale)
		}

		fresh, _ := st.GetJob(ctx, "fresh-job")
		if fresh.Status != models.StatusRunning {
			t.Fatalf("fresh lease was reclaimed: %s", fresh.Status)
		}
		if fresh.WorkerID == nil || *fresh.WorkerID != "live-worker" {
			t.Fatalf("fresh lease lost its worker: %v", fresh.WorkerID)
		}

		// A second sweep finds nothing: the transition is idempotent.
		n, err = st.RequeueStale(ctx, time.Now(), threshold)
		if err != nil || n != 0 {
			t.Fatalf("expected idempotent second sweep, got n=%d err=%v", n, err)
		}
	})

	t.Run("requeue stale fails exhausted jobs", func(t *testing.T) {
		st := newStore(t)
		if err := st.Enqueue(ctx, EnqueueParams{ID: "job-1", OwnerID: "o", Payload: []byte(`{}`), MaxAttempts: 1}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		threshold := time.Minute
		if _, err := st.LeaseNext(ctx, "dead-worker", time.Now().Add(-2*threshold)); err != nil {
			t.Fatalf("lease: %v", err)
		}
		n, err := st.RequeueStale(ctx, time.Now(), threshold)
		if err != nil || n != 1 {
			t.Fatalf("requeue stale: n=%d err=%v", n, err)
		}
		job, _ := st.GetJob(ctx, "job-1")
		if job.Status != models.StatusFailed {
			t.Fatalf("expected permanent failure after final attempt, got %s", job.Status)
		}
		if job.ErrCode == nil || *job.ErrCode != RetryExhaustedCode {
			t.Fatalf("expected err_code %s, got %v", RetryExhaustedCode, job.ErrCode)
		}
	})

	t.Run("reclaimed lease cannot clobber new owner", func(t *testing.T) {
		st := newStore(t)
		mustEnqueue(t, st, "job-1")
		threshold := time.Minute

		if _, err := st.LeaseNext(ctx, "old-worker", time.Now().Add(-2*threshold)); err != nil {
			t.Fatalf("lease: %v", err)
		}
		if _, err := st.RequeueStale(ctx, time.Now(), threshold); err != nil {
			t.Fatalf("requeue stale: %v", err)
		}
		if _, err := st.LeaseNext(ctx, "new-worker", time.Now()); err != nil {
			t.Fatalf("re-lease: %v", err)
		}

		res, err := st.MarkCompleted(ctx, "job-1", "old-worker")
		if err != nil {
			t.Fatalf("mark completed: %v", err)
		}
		if res != NotOwner {
			t.Fatalf("stale worker applied a terminal transition: %s", res)
		}
		job, _ := st.GetJob(ctx, "job-1")
		if job.Status != models.StatusRunning || *job.WorkerID != "new-worker" {
			t.Fatalf("new owner's lease corrupted: status=%s worker=%v", job.Status, job.WorkerID)
		}
	})

	t.Run("get job not found", func(t *testing.T) {
		st := newStore(t)
		if _, err := st.GetJob(ctx, "missing"); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("stats and queue depth", func(t *testing.T) {
		st := newStore(t)
		mustEnqueue(t, st, "job-a")
		mustEnqueue(t, st, "job-b")
		mustEnqueue(t, st, "job-c")
		if _, err := st.LeaseNext(ctx, "w1", time.Now()); err != nil {
			t.Fatalf("lease: %v", err)
		}
		if _, err := st.MarkCompleted(ctx, "job-a", "w1"); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if _, err := st.LeaseNext(ctx, "w1", time.Now()); err != nil {
			t.Fatalf("lease: %v", err)
		}

		depth, err := st.QueueDepth(ctx)
		if err != nil || depth != 1 {
			t.Fatalf("queue depth: got %d err=%v", depth, err)
		}
		stats, err := st.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		want := Stats{Queued: 1, Running: 1, Completed: 1}
		if stats != want {
			t.Fatalf("stats mismatch: got %+v want %+v", stats, want)
		}
	})
}

func mustEnqueue(t *testing.T, st Store, id string) {
	t.Helper()
	err := st.Enqueue(context.Background(), EnqueueParams{
		ID:      id,
		OwnerID: "owner-1",
		Payload: []byte(`{"source_url":"http://example.com/in.png"}`),
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}
