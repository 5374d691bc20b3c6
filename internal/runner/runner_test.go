package runner_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"maestro/internal/blob"
	"maestro/internal/candidates"
	"maestro/internal/config"
	"maestro/internal/faults"
	"maestro/internal/logging"
	"maestro/internal/provider"
	"maestro/internal/runner"
	"maestro/internal/statedoc"
	"maestro/internal/store"
	"maestro/internal/testsupport"
)

type harness struct {
	cfg      *config.Config
	store    *store.Store
	registry *provider.Registry
	blobs    blob.Store
	pool     *runner.Pool
	notified []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	blobs, err := blob.Open(cfg.Storage)
	if err != nil {
		t.Fatalf("blob.Open: %v", err)
	}
	h := &harness{
		cfg:      cfg,
		store:    st,
		registry: provider.NewRegistry(),
		blobs:    blobs,
	}
	h.pool = runner.NewPool(st, h.registry, blobs, cfg, logging.NewNop(),
		runner.WithNotify(func(_ context.Context, jobID string) {
			h.notified = append(h.notified, jobID)
		}))
	return h
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	var processed int
	for {
		ok, err := h.pool.ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("ProcessNext: %v", err)
		}
		if !ok {
			return processed
		}
		processed++
	}
}

func fanOutLyrics(t *testing.T, h *harness, job *store.Job, providerName string, count int) {
	t.Helper()
	ctrl := candidates.NewController(h.store, logging.NewNop(), h.cfg)
	err := ctrl.FanOut(context.Background(), job, "lyrics", []string{providerName}, count, func(int) statedoc.Doc {
		return statedoc.Doc{"brief": "a test song"}
	})
	if err != nil {
		t.Fatalf("FanOut: %v", err)
	}
}

func TestPoolResolvesCandidateRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mock := provider.NewMock("lyrics-llm").
		Script("lyrics_candidate", provider.Result{ContentJSON: `{"text":"verse one"}`, ScoreJSON: `{"overall":0.7}`}).
		Script("lyrics_candidate", provider.Result{ContentJSON: `{"text":"verse two"}`, ScoreJSON: `{"overall":0.4}`})
	h.registry.Register(mock)

	job := testsupport.NewJob(t, h.store, "song", "lyrics_fanin", nil)
	fanOutLyrics(t, h, job, "lyrics-llm", 2)

	if got := h.drain(t); got != 2 {
		t.Fatalf("expected 2 runs processed, got %d", got)
	}

	group := candidates.GroupID("lyrics", 1)
	rows, err := h.store.CandidatesByGroup(ctx, job.ID, "lyrics", group)
	if err != nil {
		t.Fatalf("CandidatesByGroup: %v", err)
	}
	for _, row := range rows {
		if row.Status != store.CandidateSucceeded {
			t.Fatalf("candidate %d is %s", row.VariantIndex, row.Status)
		}
		if row.ContentJSON == "" || row.ScoreJSON == "" {
			t.Fatalf("candidate %d missing outputs", row.VariantIndex)
		}
	}
	if len(h.notified) != 2 {
		t.Fatalf("expected 2 wake-ups, got %d", len(h.notified))
	}
	pending, err := h.store.PendingRunCount(ctx, job.ID)
	if err != nil {
		t.Fatalf("PendingRunCount: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected drained queue, got %d pending", pending)
	}
}

func TestPoolFailsCandidateOnProviderError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mock := provider.NewMock("lyrics-llm").
		ScriptError("lyrics_candidate", faults.Wrap(faults.ErrTransient, "", "generate", "backend down", nil))
	h.registry.Register(mock)

	job := testsupport.NewJob(t, h.store, "song", "lyrics_fanin", nil)
	fanOutLyrics(t, h, job, "lyrics-llm", 1)
	h.drain(t)

	group := candidates.GroupID("lyrics", 1)
	rows, _ := h.store.CandidatesByGroup(ctx, job.ID, "lyrics", group)
	if len(rows) != 1 || rows[0].Status != store.CandidateFailed {
		t.Fatalf("expected failed candidate, got %+v", rows)
	}
	runs, _ := h.store.RunsForJob(ctx, job.ID)
	if len(runs) != 1 || runs[0].Status != store.RunFailed {
		t.Fatalf("expected failed run, got %+v", runs)
	}
	if !strings.Contains(runs[0].ResponseJSON, "transient") {
		t.Fatalf("expected error code in response, got %q", runs[0].ResponseJSON)
	}
	// The job still wakes so fan-in can count the failure.
	if len(h.notified) != 1 {
		t.Fatalf("expected wake-up on failure, got %d", len(h.notified))
	}
}

func TestPoolAbandonsRunsForResolvedCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.Register(provider.NewMock("lyrics-llm"))
	job := testsupport.NewJob(t, h.store, "song", "lyrics_fanin", nil)
	fanOutLyrics(t, h, job, "lyrics-llm", 1)

	// Selection closed the group before the worker got to the run.
	id := candidates.CandidateID(job.ID, "lyrics", candidates.GroupID("lyrics", 1), 0)
	if _, err := h.store.ResolveCandidate(ctx, id, store.CandidateAbandoned, "", "", ""); err != nil {
		t.Fatalf("ResolveCandidate: %v", err)
	}
	h.drain(t)

	runs, _ := h.store.RunsForJob(ctx, job.ID)
	if len(runs) != 1 || runs[0].Status != store.RunAbandoned {
		t.Fatalf("expected abandoned run, got %+v", runs)
	}
	cand, _ := h.store.GetCandidate(ctx, id)
	if cand.Status != store.CandidateAbandoned {
		t.Fatalf("late worker resurrected candidate: %s", cand.Status)
	}
}

func TestPoolContainsProviderPanics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.Register(panicProvider{})
	job := testsupport.NewJob(t, h.store, "song", "lyrics_fanin", nil)
	fanOutLyrics(t, h, job, "panicky", 1)
	h.drain(t)

	runs, _ := h.store.RunsForJob(ctx, job.ID)
	if len(runs) != 1 || runs[0].Status != store.RunFailed {
		t.Fatalf("expected panic recorded as failed run, got %+v", runs)
	}
	if !strings.Contains(runs[0].ResponseJSON, "panic") {
		t.Fatalf("expected panic detail in response, got %q", runs[0].ResponseJSON)
	}
}

func TestPoolAlignmentOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := testsupport.NewJob(t, h.store, "song", "align_lyrics", nil)
	request, _ := statedoc.ToJSON(statedoc.Doc{
		"audio_url":   "file:///track.mp3",
		"lyrics_text": "city lights below wires in the rain",
		"duration":    float64(12),
	})
	_, _, err := h.store.EnqueueRun(ctx, &store.ProviderRun{
		JobID:          job.ID,
		Provider:       "internal",
		IdempotencyKey: job.ID + ":align_lyrics:1",
		RequestJSON:    request,
		Meta:           store.RunMeta{RunType: store.RunTypeAlignLyrics, Attempt: 1},
	})
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	h.drain(t)

	reloaded, _ := h.store.GetJob(ctx, job.ID)
	doc, _ := statedoc.FromJSON(reloaded.ComputedJSON)
	if count, _ := statedoc.GetFloat(doc, "alignment.word_count"); count != 7 {
		t.Fatalf("expected 7 aligned words, got %v", count)
	}
	words, _ := statedoc.Get(doc, "alignment.words").([]any)
	if len(words) != 7 {
		t.Fatalf("expected 7 word entries, got %d", len(words))
	}
	last, _ := words[6].(map[string]any)
	if end, _ := last["end"].(float64); math.Abs(end-12) > 1e-6 {
		t.Fatalf("expected uniform spacing to end at the track duration, got %v", end)
	}
	runs, _ := h.store.RunsForJob(ctx, job.ID)
	if runs[0].Status != store.RunSucceeded {
		t.Fatalf("expected succeeded run, got %s", runs[0].Status)
	}
}

func TestPoolComposeOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "render.mp4")
	if err := os.WriteFile(src, []byte("fake video bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	job := testsupport.NewJob(t, h.store, "song", "compose", nil)
	request, _ := statedoc.ToJSON(statedoc.Doc{
		"audio_url": "file:///audio.mp3",
		"video_url": "file://" + src,
	})
	_, _, err := h.store.EnqueueRun(ctx, &store.ProviderRun{
		JobID:          job.ID,
		Provider:       "internal",
		IdempotencyKey: job.ID + ":compose_media:1",
		RequestJSON:    request,
		Meta:           store.RunMeta{RunType: store.RunTypeComposeMedia, Attempt: 1},
	})
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	h.drain(t)

	reloaded, _ := h.store.GetJob(ctx, job.ID)
	doc, _ := statedoc.FromJSON(reloaded.ComputedJSON)
	ref := statedoc.GetString(doc, "final.media_ref")
	if !strings.HasPrefix(ref, "file://") {
		t.Fatalf("expected stored final media, got %q", ref)
	}
	data, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		t.Fatalf("read final media: %v", err)
	}
	if string(data) != "fake video bytes" {
		t.Fatalf("final media corrupted: %q", data)
	}
}

func TestPoolComposeFailsOnMissingSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := testsupport.NewJob(t, h.store, "song", "compose", nil)
	request, _ := statedoc.ToJSON(statedoc.Doc{
		"audio_url": "file:///audio.mp3",
		"video_url": "file:///does/not/exist.mp4",
	})
	if _, _, err := h.store.EnqueueRun(ctx, &store.ProviderRun{
		JobID:          job.ID,
		Provider:       "internal",
		IdempotencyKey: job.ID + ":compose_media:1",
		RequestJSON:    request,
		Meta:           store.RunMeta{RunType: store.RunTypeComposeMedia, Attempt: 1},
	}); err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	h.drain(t)

	runs, _ := h.store.RunsForJob(ctx, job.ID)
	if runs[0].Status != store.RunFailed {
		t.Fatalf("expected failed run, got %s", runs[0].Status)
	}
	reloaded, _ := h.store.GetJob(ctx, job.ID)
	doc, _ := statedoc.FromJSON(reloaded.ComputedJSON)
	if statedoc.Get(doc, "final") != nil {
		t.Fatal("failed compose must not record final media")
	}
}

type panicProvider struct{}

func (panicProvider) Name() string { return "panicky" }

func (panicProvider) Generate(context.Context, provider.Request) (*provider.Result, error) {
	panic("backend exploded")
}
