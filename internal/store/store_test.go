package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"maestro/internal/statedoc"
	"maestro/internal/store"
	"maestro/internal/testsupport"
)

func TestInsertJobIdempotentByRequestHash(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := &store.Job{
		ID:          uuid.NewString(),
		Kind:        "song",
		Stage:       "intent",
		Status:      store.JobQueued,
		InputJSON:   `{"prompt":"a song"}`,
		RequestHash: "hash-1",
	}
	stored, inserted, err := st.InsertJob(ctx, first)
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to create a row")
	}

	dup := &store.Job{
		ID:          uuid.NewString(),
		Kind:        "song",
		Stage:       "intent",
		Status:      store.JobQueued,
		InputJSON:   `{"prompt":"a song"}`,
		RequestHash: "hash-1",
	}
	existing, inserted, err := st.InsertJob(ctx, dup)
	if err != nil {
		t.Fatalf("InsertJob duplicate: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate request hash to be ignored")
	}
	if existing.ID != stored.ID {
		t.Fatalf("expected original job %s, got %s", stored.ID, existing.ID)
	}

	jobs, err := st.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
}

func TestClaimNextJobsExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	const jobCount = 6
	for i := 0; i < jobCount; i++ {
		testsupport.NewJob(t, st, "song", "intent", map[string]any{"n": i})
	}

	const claimers = 4
	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := st.ClaimNextJobs(ctx, "song", 1, time.Minute)
				if err != nil {
					t.Errorf("ClaimNextJobs: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, job := range jobs {
					seen[job.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobCount {
		t.Fatalf("expected %d distinct claims, got %d", jobCount, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("job %s claimed %d times", id, count)
		}
	}
}

func TestClaimSetsLeaseAndAttempt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.NewJob(t, st, "song", "intent", nil)
	jobs, err := st.ClaimNextJobs(ctx, "song", 1, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(jobs))
	}
	claimed := jobs[0]
	if claimed.Status != store.JobRunning {
		t.Fatalf("expected running, got %s", claimed.Status)
	}
	if claimed.AttemptCount != 1 {
		t.Fatalf("expected attempt 1, got %d", claimed.AttemptCount)
	}
	if claimed.LeaseExpiresAt == nil || !claimed.LeaseExpiresAt.After(time.Now()) {
		t.Fatal("expected a future lease expiry")
	}
}

func TestClaimSkipsDeferredJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "intent", nil)
	claimed, err := st.ClaimNextJobs(ctx, "song", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNextJobs: %v (%d claims)", err, len(claimed))
	}
	if err := st.RescheduleJob(ctx, job.ID, 1, "transient", "provider timeout"); err != nil {
		t.Fatalf("RescheduleJob: %v", err)
	}

	claimed, err = st.ClaimNextJobs(ctx, "song", 1, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("expected no claims while the job backs off")
	}
}

func TestRetryBackoffCapped(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{9, time.Minute},
	}
	for _, tc := range cases {
		if got := store.RetryBackoff(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestPatchComputedMergesAndBumpsRev(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "intent", nil)
	if _, err := st.PatchComputed(ctx, job.ID, statedoc.Doc{"plan": map[string]any{"tempo": 120}}); err != nil {
		t.Fatalf("PatchComputed: %v", err)
	}
	merged, err := st.PatchComputed(ctx, job.ID, statedoc.Doc{"plan": map[string]any{"key": "Am"}})
	if err != nil {
		t.Fatalf("PatchComputed: %v", err)
	}

	if got := statedoc.GetString(merged, "plan.key"); got != "Am" {
		t.Fatalf("expected plan.key Am, got %q", got)
	}
	if statedoc.Get(merged, "plan.tempo") == nil {
		t.Fatal("expected plan.tempo to survive a sibling patch")
	}

	reloaded, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloaded.ComputedRev != 2 {
		t.Fatalf("expected computed_rev 2, got %d", reloaded.ComputedRev)
	}
}

func TestPatchComputedConcurrentWriters(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "intent", nil)

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			patch := statedoc.Doc{"branches": map[string]any{fmt.Sprintf("w%d", n): true}}
			if _, err := st.PatchComputed(ctx, job.ID, patch); err != nil {
				t.Errorf("PatchComputed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	reloaded, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	doc, err := statedoc.FromJSON(reloaded.ComputedJSON)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	for i := 0; i < writers; i++ {
		if statedoc.Get(doc, fmt.Sprintf("branches.w%d", i)) == nil {
			t.Fatalf("lost write from writer %d", i)
		}
	}
}

func TestHeartbeatAndReclaim(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "intent", nil)
	claimed, err := st.ClaimNextJobs(ctx, "song", 1, 10*time.Millisecond)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNextJobs: %v (%d claims)", err, len(claimed))
	}

	alive, err := st.UpdateJobHeartbeat(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("UpdateJobHeartbeat: %v", err)
	}
	if !alive {
		t.Fatal("expected heartbeat on a running job to succeed")
	}

	time.Sleep(25 * time.Millisecond)
	reclaimed, err := st.ReclaimExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpiredLeases: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != job.ID {
		t.Fatalf("expected to reclaim %s, got %v", job.ID, reclaimed)
	}

	reloaded, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloaded.Status != store.JobQueued {
		t.Fatalf("expected queued after reclaim, got %s", reloaded.Status)
	}
	if reloaded.LeaseExpiresAt != nil {
		t.Fatal("expected lease cleared after reclaim")
	}

	alive, err = st.UpdateJobHeartbeat(ctx, job.ID, time.Minute)
	if err != nil {
		t.Fatalf("UpdateJobHeartbeat: %v", err)
	}
	if alive {
		t.Fatal("expected heartbeat to fail after the lease was reclaimed")
	}
}

func TestEnqueueRunIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "lyrics_fanout", nil)
	run := &store.ProviderRun{
		JobID:          job.ID,
		Provider:       "lyrics-llm",
		IdempotencyKey: job.ID + ":lyrics_candidate:cand-1:1",
		RequestJSON:    `{"prompt":"verse"}`,
		Meta: store.RunMeta{
			RunType:     "lyrics_candidate",
			CandidateID: "cand-1",
			GroupID:     "group-1",
			Attempt:     1,
		},
	}
	first, enqueued, err := st.EnqueueRun(ctx, run)
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if !enqueued {
		t.Fatal("expected first enqueue to insert")
	}

	second, enqueued, err := st.EnqueueRun(ctx, run)
	if err != nil {
		t.Fatalf("EnqueueRun repeat: %v", err)
	}
	if enqueued {
		t.Fatal("expected repeat enqueue to be a no-op")
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing run %d, got %d", first.ID, second.ID)
	}

	runs, err := st.RunsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("RunsForJob: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Meta.CandidateID != "cand-1" {
		t.Fatalf("expected meta to round-trip, got %+v", runs[0].Meta)
	}
}

func TestClaimNextRunExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "audio_fanout", nil)
	const runCount = 5
	for i := 0; i < runCount; i++ {
		_, _, err := st.EnqueueRun(ctx, &store.ProviderRun{
			JobID:          job.ID,
			Provider:       "audio",
			IdempotencyKey: fmt.Sprintf("%s:audio_candidate:cand-%d:1", job.ID, i),
			Meta:           store.RunMeta{RunType: "audio_candidate", Attempt: 1},
		})
		if err != nil {
			t.Fatalf("EnqueueRun: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				run, err := st.ClaimNextRun(ctx)
				if err != nil {
					t.Errorf("ClaimNextRun: %v", err)
					return
				}
				if run == nil {
					return
				}
				mu.Lock()
				seen[run.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != runCount {
		t.Fatalf("expected %d distinct runs, got %d", runCount, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("run %d claimed %d times", id, count)
		}
	}
}

func TestSetRunResultDropsLateWriters(t *testing.T) {
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
		t.Fatalf("ClaimNextRun: %v (run=%v)", err, run)
	}

	stale, err := st.AbandonStaleRuns(ctx, 0)
	if err != nil {
		t.Fatalf("AbandonStaleRuns: %v", err)
	}
	if stale != 1 {
		t.Fatalf("expected 1 abandoned run, got %d", stale)
	}

	applied, err := st.SetRunResult(ctx, run.ID, store.RunSucceeded, `{"url":"late"}`)
	if err != nil {
		t.Fatalf("SetRunResult: %v", err)
	}
	if applied {
		t.Fatal("expected a late result on an abandoned run to be dropped")
	}

	reloaded, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if reloaded.Status != store.RunAbandoned {
		t.Fatalf("expected abandoned, got %s", reloaded.Status)
	}
	if reloaded.ResponseJSON != "" {
		t.Fatal("expected no response recorded on abandoned run")
	}
}

func TestChooseCandidatePromotesInOneTransaction(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "lyrics_fanin", nil)
	group := "group-1"
	candidates := []*store.Candidate{
		{ID: "cand-0", JobID: job.ID, CandidateType: "lyrics", GroupID: group, VariantIndex: 0, Attempt: 1, Status: store.CandidateSucceeded, Provider: "llm", ContentJSON: `{"text":"a"}`},
		{ID: "cand-1", JobID: job.ID, CandidateType: "lyrics", GroupID: group, VariantIndex: 1, Attempt: 1, Status: store.CandidateSucceeded, Provider: "llm", ContentJSON: `{"text":"b"}`},
		{ID: "cand-2", JobID: job.ID, CandidateType: "lyrics", GroupID: group, VariantIndex: 2, Attempt: 1, Status: store.CandidateRunning, Provider: "llm"},
	}
	if err := st.InsertCandidates(ctx, candidates); err != nil {
		t.Fatalf("InsertCandidates: %v", err)
	}
	if err := st.SetRequiredAction(ctx, job.ID, store.RequiredAction{
		Type:          "choose_candidate",
		CandidateType: "lyrics",
		GroupID:       group,
		MinSelect:     1,
		MaxSelect:     1,
	}); err != nil {
		t.Fatalf("SetRequiredAction: %v", err)
	}

	err := st.ChooseCandidate(ctx, job.ID, "cand-1", func(winner *store.Candidate, _ statedoc.Doc) (statedoc.Doc, error) {
		return statedoc.Patch("lyrics.chosen_id", winner.ID), nil
	})
	if err != nil {
		t.Fatalf("ChooseCandidate: %v", err)
	}

	byID := map[string]store.CandidateStatus{}
	rows, err := st.CandidatesByGroup(ctx, job.ID, "lyrics", group)
	if err != nil {
		t.Fatalf("CandidatesByGroup: %v", err)
	}
	for _, cand := range rows {
		byID[cand.ID] = cand.Status
	}
	if byID["cand-1"] != store.CandidateChosen {
		t.Fatalf("expected cand-1 chosen, got %s", byID["cand-1"])
	}
	if byID["cand-0"] != store.CandidateDiscarded {
		t.Fatalf("expected cand-0 discarded, got %s", byID["cand-0"])
	}
	if byID["cand-2"] != store.CandidateAbandoned {
		t.Fatalf("expected cand-2 abandoned, got %s", byID["cand-2"])
	}

	reloaded, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloaded.HasRequiredAction() {
		t.Fatal("expected required action cleared")
	}
	if reloaded.Status != store.JobQueued {
		t.Fatalf("expected job requeued, got %s", reloaded.Status)
	}
	doc, err := statedoc.FromJSON(reloaded.ComputedJSON)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if got := statedoc.GetString(doc, "lyrics.chosen_id"); got != "cand-1" {
		t.Fatalf("expected lyrics.chosen_id cand-1, got %q", got)
	}
}

func TestChooseCandidateRejectsOutsiders(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "lyrics_fanin", nil)
	if err := st.InsertCandidates(ctx, []*store.Candidate{
		{ID: "cand-a", JobID: job.ID, CandidateType: "lyrics", GroupID: "group-1", VariantIndex: 0, Attempt: 1, Status: store.CandidateSucceeded, Provider: "llm"},
		{ID: "cand-b", JobID: job.ID, CandidateType: "lyrics", GroupID: "group-2", VariantIndex: 0, Attempt: 2, Status: store.CandidateSucceeded, Provider: "llm"},
		{ID: "cand-c", JobID: job.ID, CandidateType: "lyrics", GroupID: "group-1", VariantIndex: 1, Attempt: 1, Status: store.CandidateFailed, Provider: "llm"},
	}); err != nil {
		t.Fatalf("InsertCandidates: %v", err)
	}
	if err := st.SetRequiredAction(ctx, job.ID, store.RequiredAction{
		Type:          "choose_candidate",
		CandidateType: "lyrics",
		GroupID:       "group-1",
	}); err != nil {
		t.Fatalf("SetRequiredAction: %v", err)
	}

	promote := func(*store.Candidate, statedoc.Doc) (statedoc.Doc, error) {
		return statedoc.Doc{}, nil
	}
	if err := st.ChooseCandidate(ctx, job.ID, "cand-b", promote); err == nil {
		t.Fatal("expected selection from another group to fail")
	}
	if err := st.ChooseCandidate(ctx, job.ID, "cand-c", promote); err == nil {
		t.Fatal("expected selection of a failed candidate to fail")
	}
	if err := st.ChooseCandidate(ctx, job.ID, "missing", promote); err == nil {
		t.Fatal("expected selection of an unknown candidate to fail")
	}
}

func TestInsertCandidatesIdempotentPerSlot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "lyrics_fanout", nil)
	batch := []*store.Candidate{
		{ID: "cand-0", JobID: job.ID, CandidateType: "lyrics", GroupID: "group-1", VariantIndex: 0, Attempt: 1, Status: store.CandidateQueued, Provider: "llm"},
		{ID: "cand-1", JobID: job.ID, CandidateType: "lyrics", GroupID: "group-1", VariantIndex: 1, Attempt: 1, Status: store.CandidateQueued, Provider: "llm"},
	}
	if err := st.InsertCandidates(ctx, batch); err != nil {
		t.Fatalf("InsertCandidates: %v", err)
	}

	replay := []*store.Candidate{
		{ID: "cand-0-replay", JobID: job.ID, CandidateType: "lyrics", GroupID: "group-1", VariantIndex: 0, Attempt: 1, Status: store.CandidateQueued, Provider: "llm"},
	}
	if err := st.InsertCandidates(ctx, replay); err != nil {
		t.Fatalf("InsertCandidates replay: %v", err)
	}

	rows, err := st.CandidatesByGroup(ctx, job.ID, "lyrics", "group-1")
	if err != nil {
		t.Fatalf("CandidatesByGroup: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(rows))
	}
	if rows[0].ID != "cand-0" {
		t.Fatalf("expected original slot occupant, got %s", rows[0].ID)
	}
}

func TestResolveCandidateGuardsTerminalRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "lyrics_fanout", nil)
	if err := st.InsertCandidates(ctx, []*store.Candidate{
		{ID: "cand-0", JobID: job.ID, CandidateType: "lyrics", GroupID: "group-1", VariantIndex: 0, Attempt: 1, Status: store.CandidateRunning, Provider: "llm"},
	}); err != nil {
		t.Fatalf("InsertCandidates: %v", err)
	}

	if err := st.AbandonGroup(ctx, job.ID, "lyrics", "group-1"); err != nil {
		t.Fatalf("AbandonGroup: %v", err)
	}
	applied, err := st.ResolveCandidate(ctx, "cand-0", store.CandidateSucceeded, `{"text":"late"}`, "", "")
	if err != nil {
		t.Fatalf("ResolveCandidate: %v", err)
	}
	if applied {
		t.Fatal("expected late result on an abandoned candidate to be dropped")
	}

	cand, err := st.GetCandidate(ctx, "cand-0")
	if err != nil {
		t.Fatalf("GetCandidate: %v", err)
	}
	if cand.Status != store.CandidateAbandoned {
		t.Fatalf("expected abandoned, got %s", cand.Status)
	}
}

func TestHealthCountsPausedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	active := testsupport.NewJob(t, st, "song", "lyrics_fanin", nil)
	done := testsupport.NewJob(t, st, "song", "publish_ready", nil)
	if err := st.SetRequiredAction(ctx, active.ID, store.RequiredAction{Type: "choose_candidate"}); err != nil {
		t.Fatalf("SetRequiredAction: %v", err)
	}
	if err := st.CompleteJob(ctx, done.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	health, err := st.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Total != 2 || health.Paused != 1 || health.Succeeded != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestRetryJobResetsFailedJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "audio_fanout", nil)
	if _, err := st.ClaimJob(ctx, job.ID, time.Minute); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := st.FailJob(ctx, job.ID, "provider", "backend down"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	retried, err := st.RetryJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if !retried {
		t.Fatal("expected failed job to be retried")
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	if got.AttemptCount != 0 || got.ErrorCode != "" || got.ErrorMessage != "" {
		t.Fatalf("expected reset error state, got %+v", got)
	}
	if got.Stage != "audio_fanout" {
		t.Fatalf("expected retry to keep the stage, got %s", got.Stage)
	}

	// Only failed jobs can be retried.
	retried, err = st.RetryJob(ctx, got.ID)
	if err != nil {
		t.Fatalf("RetryJob second: %v", err)
	}
	if retried {
		t.Fatal("expected queued job to be left alone")
	}
}

func TestClearJobsCascades(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	done := testsupport.NewJob(t, st, "song", "publish_ready", nil)
	active := testsupport.NewJob(t, st, "song", "intent", nil)
	if err := st.CompleteJob(ctx, done.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	candidate := &store.Candidate{
		ID:            uuid.NewString(),
		JobID:         done.ID,
		CandidateType: "lyrics",
		GroupID:       "group-1",
		VariantIndex:  0,
		Attempt:       1,
		Status:        store.CandidateSucceeded,
		Provider:      "lyrics_main",
	}
	if err := st.InsertCandidates(ctx, []*store.Candidate{candidate}); err != nil {
		t.Fatalf("InsertCandidates: %v", err)
	}

	cleared, err := st.ClearJobs(ctx, store.JobSucceeded, store.JobFailed, store.JobCancelled)
	if err != nil {
		t.Fatalf("ClearJobs: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared job, got %d", cleared)
	}

	if got, err := st.GetJob(ctx, done.ID); err != nil || got != nil {
		t.Fatalf("expected cleared job to be gone, got %v (%v)", got, err)
	}
	if got, err := st.GetJob(ctx, active.ID); err != nil || got == nil {
		t.Fatalf("expected active job to survive, got %v (%v)", got, err)
	}
	if rows, err := st.CandidatesByJob(ctx, done.ID); err != nil || len(rows) != 0 {
		t.Fatalf("expected candidates to cascade, got %d (%v)", len(rows), err)
	}
}

func TestClaimSkipsJobsWithPendingAction(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "song", "lyrics_fanin", nil)
	if err := st.SetRequiredAction(ctx, job.ID, store.RequiredAction{Type: "select_lyrics"}); err != nil {
		t.Fatalf("SetRequiredAction: %v", err)
	}

	claimed, err := st.ClaimNextJobs(ctx, "song", 4, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJobs: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected jobs with a pending action to be skipped, claimed %d", len(claimed))
	}
	if got, err := st.ClaimJob(ctx, job.ID, time.Minute); err != nil || got != nil {
		t.Fatalf("expected direct claim to refuse the paused job, got %v (%v)", got, err)
	}
}
