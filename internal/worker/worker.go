package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"renderqueue/internal/models"
	"renderqueue/internal/store"
	"renderqueue/internal/telemetry"
)

// maxErrMessageLen bounds what gets written into err_message.
const maxErrMessageLen = 1024

// exceptionCode tags failures the callback did not classify itself.
const exceptionCode = "EXCEPTION"

// RunFunc performs the actual rendering work for a leased job. It may run
// for an unbounded duration; the worker keeps the lease alive around it.
// It must be safe to invoke again for the same job after a stale
// reclamation.
type RunFunc func(ctx context.Context, job models.Job) error

// DoneFunc reports whether a job's output already exists, so a reclaimed
// job whose previous attempt finished the work but crashed before recording
// completion is not executed twice.
type DoneFunc func(ctx context.Context, job models.Job) (bool, error)

// JobError is a classified execution failure. Callbacks return it to attach
// their own error taxonomy to the job row; any other error is recorded with
// the EXCEPTION code.
type JobError struct {
	Code    string
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Options configures a Worker.
type Options struct {
	Store       store.Store
	Run         RunFunc
	AlreadyDone DoneFunc // optional idempotency hook
	WorkerID    string   // defaults to hostname-pid

	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration // defaults to StaleThreshold/3
	IdlePollInterval  time.Duration // zero means an immediate retry

	Logger *zap.Logger
}

// Worker is a single polling loop instance. Any number of Workers, in any
// number of processes, may run against the same store; they coordinate only
// through its conditional updates.
type Worker struct {
	store       store.Store
	run         RunFunc
	alreadyDone DoneFunc
	id          string

	heartbeatInterval time.Duration
	idlePoll          time.Duration

	log *zap.Logger
}

// New builds a Worker, filling defaults for the id and heartbeat interval.
func New(opts Options) *Worker {
	id := opts.WorkerID
	if id == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "worker"
		}
		id = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = opts.StaleThreshold / 3
	}
	if hb <= 0 {
		hb = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:             opts.Store,
		run:               opts.Run,
		alreadyDone:       opts.AlreadyDone,
		id:                id,
		heartbeatInterval: hb,
		idlePoll:          opts.IdlePollInterval,
		log:               logger.With(zap.String("worker_id", id)),
	}
}

// ID returns the worker identifier presented to the store.
func (w *Worker) ID() string { return w.id }

// Run polls the store until ctx is cancelled. Store outages back off
// exponentially and never crash the loop; an empty queue sleeps the idle
// interval.
func (w *Worker) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0 // keep retrying for as long as we run

	w.log.Info("worker started",
		zap.Duration("heartbeat_interval", w.heartbeatInterval),
		zap.Duration("idle_poll", w.idlePoll))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			wait := retry.NextBackOff()
			w.log.Warn("store unavailable, backing off", zap.Error(err), zap.Duration("wait", wait))
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		retry.Reset()
		if !claimed {
			if err := sleep(ctx, w.idlePoll); err != nil {
				return err
			}
		}
	}
}

// RunOnce performs one loop iteration: lease a job and see it to a terminal
// state. Returns false when the queue was empty. The returned error is only
// ever a store I/O failure; execution failures are recorded on the job row.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.LeaseNext(ctx, w.id, time.Now())
	if err != nil {
		return false, fmt.Errorf("lease next: %w", err)
	}
	if job == nil {
		return false, nil
	}
	telemetry.JobsLeased.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	w.execute(ctx, *job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job models.Job) {
	log := w.log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))

	// A previous attempt may have produced the output and died before
	// recording completion. Skip execution when the collaborator already
	// sees the result.
	if w.alreadyDone != nil {
		done, err := w.alreadyDone(ctx, job)
		if err != nil {
			log.Warn("idempotency check failed, executing anyway", zap.Error(err))
		} else if done {
			log.Info("output already exists, skipping execution")
			w.complete(ctx, job.ID, log)
			return
		}
	}

	stopHeartbeat := w.startHeartbeat(ctx, job.ID, log)
	err := w.invoke(ctx, job)
	stopHeartbeat()

	if err == nil {
		w.complete(ctx, job.ID, log)
		return
	}

	code, msg := classify(err)
	log.Info("job failed", zap.String("err_code", code), zap.String("err_message", msg))
	res, serr := w.markFailed(ctx, job.ID, code, msg)
	if serr != nil {
		// The lease will go stale and the job will be retried; better
		// than losing the failure on a flaky store.
		log.Error("could not record failure", zap.Error(serr))
		return
	}
	if res != store.Applied {
		telemetry.LeasesLost.Inc()
		log.Warn("lease lost before failure was recorded", zap.Stringer("result", res))
		return
	}
	telemetry.JobsFailed.Inc()
}

func (w *Worker) complete(ctx context.Context, id string, log *zap.Logger) {
	res, err := w.markCompleted(ctx, id)
	if err != nil {
		log.Error("could not record completion", zap.Error(err))
		return
	}
	if res != store.Applied {
		telemetry.LeasesLost.Inc()
		log.Warn("lease lost before completion was recorded", zap.Stringer("result", res))
		return
	}
	telemetry.JobsCompleted.Inc()
	log.Info("job completed")
}

// invoke runs the callback, converting panics into classified errors so the
// loop survives anything the work unit throws.
func (w *Worker) invoke(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &JobError{Code: exceptionCode, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return w.run(ctx, job)
}

// startHeartbeat renews the lease on a fixed interval until the returned
// stop function is called. Stop blocks until the renewer goroutine has
// exited, so no renewal can fire after the callback returned.
func (w *Worker) startHeartbeat(ctx context.Context, id string, log *zap.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := w.store.RenewLease(ctx, id, w.id, time.Now())
				if err != nil {
					log.Warn("heartbeat failed", zap.Error(err))
					continue
				}
				if res != store.Applied {
					// Reclaimed out from under us. The callback
					// keeps running, but its result will be
					// rejected by the ownership guard.
					log.Warn("heartbeat rejected, lease no longer ours", zap.Stringer("result", res))
					return
				}
				telemetry.HeartbeatsSent.Inc()
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// markCompleted retries transient store failures so a finished job is not
// re-executed just because the store blipped at the wrong moment.
func (w *Worker) markCompleted(ctx context.Context, id string) (store.TransitionResult, error) {
	var res store.TransitionResult
	op := func() error {
		var err error
		res, err = w.store.MarkCompleted(ctx, id, w.id)
		return err
	}
	err := backoff.Retry(op, terminalRetry(ctx))
	return res, err
}

func (w *Worker) markFailed(ctx context.Context, id, code, msg string) (store.TransitionResult, error) {
	var res store.TransitionResult
	op := func() error {
		var err error
		res, err = w.store.MarkFailed(ctx, id, w.id, code, msg)
		return err
	}
	err := backoff.Retry(op, terminalRetry(ctx))
	return res, err
}

func terminalRetry(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

// classify maps a callback error onto the (code, message) recorded on the
// job row.
func classify(err error) (string, string) {
	var je *JobError
	if errors.As(err, &je) {
		code := je.Code
		if code == "" {
			code = exceptionCode
		}
		return code, truncate(je.Message, maxErrMessageLen)
	}
	return exceptionCode, truncate(err.Error(), maxErrMessageLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
