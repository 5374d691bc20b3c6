package lease_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"maestro/internal/lease"
	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/testsupport"
)

func TestSweepRequeuesExpiredJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "intent", nil)
	claimed, err := st.ClaimNextJobs(ctx, "song", 1, 5*time.Millisecond)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNextJobs: %v (%d claims)", err, len(claimed))
	}
	time.Sleep(15 * time.Millisecond)

	mgr := lease.NewManager(st, logging.NewNop(), time.Second, 5*time.Millisecond, 5)
	if err := mgr.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	reloaded, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloaded.Status != store.JobQueued {
		t.Fatalf("expected queued after sweep, got %s", reloaded.Status)
	}
}

func TestSweepAbandonsStaleRuns(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "audio_fanout", nil)
	_, _, err := st.EnqueueRun(ctx, &store.ProviderRun{
		JobID:          job.ID,
		Provider:       "audio",
		IdempotencyKey: job.ID + ":audio_candidate:cand-1:1",
		Meta:           store.RunMeta{RunType: "audio_candidate", Attempt: 1},
	})
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	run, err := st.ClaimNextRun(ctx)
	if err != nil || run == nil {
		t.Fatalf("ClaimNextRun: %v", err)
	}

	mgr := lease.NewManager(st, logging.NewNop(), time.Second, 0, 5)
	if err := mgr.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	reloaded, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if reloaded.Status != store.RunAbandoned {
		t.Fatalf("expected abandoned, got %s", reloaded.Status)
	}
}

func TestHeartbeatSignalsLostLease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "intent", nil)
	claimed, err := st.ClaimNextJobs(ctx, "song", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNextJobs: %v (%d claims)", err, len(claimed))
	}

	// Requeue behind the worker's back, as the sweeper would after a crash.
	if err := st.RequeueJob(ctx, job.ID, 0); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}

	mgr := lease.NewManager(st, logging.NewNop(), 5*time.Millisecond, time.Minute, 5)
	stop, lost := mgr.StartHeartbeat(ctx, job.ID)
	defer stop()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("expected heartbeat to report a lost lease")
	}
}

func TestHeartbeatStopsCleanly(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "intent", nil)
	claimed, err := st.ClaimNextJobs(ctx, "song", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNextJobs: %v (%d claims)", err, len(claimed))
	}

	mgr := lease.NewManager(st, logging.NewNop(), 5*time.Millisecond, time.Minute, 5)
	stop, lost := mgr.StartHeartbeat(ctx, job.ID)
	time.Sleep(20 * time.Millisecond)
	stop()

	select {
	case <-lost:
		t.Fatal("lease should not be lost while the job runs")
	default:
	}
}

func TestRescheduleFailsPermanentlyAfterMaxTries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.NewJob(t, st, "song", "intent", nil)
	mgr := lease.NewManager(st, logging.NewNop(), time.Second, time.Minute, 2)

	claimed, err := mgr.Claim(ctx, "song", 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim: %v (%d claims)", err, len(claimed))
	}
	job := claimed[0]
	if err := mgr.Reschedule(ctx, job, "transient", "provider down"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	reloaded, _ := st.GetJob(ctx, job.ID)
	if reloaded.Status != store.JobQueued {
		t.Fatalf("expected requeue on attempt 1, got %s", reloaded.Status)
	}

	// Final attempt: the budget of 2 is now spent.
	job.AttemptCount = 2
	if err := mgr.Reschedule(ctx, job, "transient", "provider down"); err != nil {
		t.Fatalf("Reschedule final: %v", err)
	}
	reloaded, _ = st.GetJob(ctx, job.ID)
	if reloaded.Status != store.JobFailed {
		t.Fatalf("expected permanent failure, got %s", reloaded.Status)
	}
	if reloaded.ErrorCode != lease.ErrCodeMaxTries {
		t.Fatalf("expected max_tries code, got %q", reloaded.ErrorCode)
	}
}

func TestCompleteWithSanityCheck(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	mgr := lease.NewManager(st, logging.NewNop(), time.Second, time.Minute, 5)

	good := testsupport.NewJob(t, st, "song", "publish_ready", nil)
	if err := mgr.CompleteWithSanityCheck(ctx, good, func(*store.Job) error { return nil }); err != nil {
		t.Fatalf("CompleteWithSanityCheck: %v", err)
	}
	reloaded, _ := st.GetJob(ctx, good.ID)
	if reloaded.Status != store.JobSucceeded {
		t.Fatalf("expected succeeded, got %s", reloaded.Status)
	}

	bad := testsupport.NewJob(t, st, "song", "publish_ready", nil)
	err := mgr.CompleteWithSanityCheck(ctx, bad, func(*store.Job) error {
		return errors.New("no final media recorded")
	})
	if err != nil {
		t.Fatalf("CompleteWithSanityCheck: %v", err)
	}
	reloaded, _ = st.GetJob(ctx, bad.ID)
	if reloaded.Status != store.JobFailed {
		t.Fatalf("expected failed, got %s", reloaded.Status)
	}
}
