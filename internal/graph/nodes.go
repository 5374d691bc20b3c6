package graph

import (
	"context"
	"fmt"
	"strings"

	"maestro/internal/candidates"
	"maestro/internal/config"
	"maestro/internal/faults"
	"maestro/internal/statedoc"
	"maestro/internal/store"
)

// Delivery modes recorded under computed.intent.mode.
const (
	modeGenerate = "generate"
	modeBYO      = "byo"
)

const defaultTargetDuration = 60.0

func (e *Engine) step(ctx context.Context, job *store.Job, stage Stage) (outcome, error) {
	switch stage {
	case StageIntent:
		return e.intentNode(job)
	case StagePlan:
		return e.planNode(job)
	case StageIngestAudio:
		return e.ingestAudioNode(job)
	case StageLyricsFanout:
		return e.lyricsFanoutNode(ctx, job)
	case StageLyricsFanin:
		return e.faninNode(ctx, job, "lyrics", StageArrangement, StageLyricsFanout)
	case StageArrangement:
		return e.arrangementNode(job)
	case StageProviderRoute:
		return e.providerRouteNode(job)
	case StageAudioFanout:
		return e.audioFanoutNode(ctx, job)
	case StageAudioFanin:
		return e.faninNode(ctx, job, "audio", StageAlignLyrics, StageAudioFanout)
	case StageAlignLyrics:
		return e.alignLyricsNode(ctx, job)
	case StageVideoFanout:
		return e.videoFanoutNode(ctx, job)
	case StageVideoFanin:
		return e.faninNode(ctx, job, "video", StageCompose, StageVideoFanout)
	case StageCompose:
		return e.composeNode(ctx, job)
	case StageQC:
		return e.qcNode(job)
	case StagePublishReady:
		return e.publishReadyNode(job)
	}
	return outcome{}, faults.Wrap(faults.ErrIntegrity, string(stage), "step", "no node registered", nil)
}

// intentNode validates the request and records the delivery mode. A supplied
// audio URL switches the job to bring-your-own-audio, which skips lyric and
// audio generation entirely.
func (e *Engine) intentNode(job *store.Job) (outcome, error) {
	input, err := statedoc.FromJSON(job.InputJSON)
	if err != nil {
		return outcome{}, faults.Wrap(faults.ErrValidation, job.Stage, "intent", "decode input", err)
	}

	mode := modeGenerate
	if statedoc.GetString(input, "audio_url") != "" {
		mode = modeBYO
	}
	brief := strings.TrimSpace(statedoc.GetString(input, "brief"))
	if mode == modeGenerate && brief == "" {
		return outcome{}, faults.Wrap(faults.ErrValidation, job.Stage, "intent", "brief is required", nil)
	}

	// The selection mode is fixed here so a daemon config change cannot
	// reshape a job that is already in flight.
	hitl := e.cfg.Candidates.HITL
	switch statedoc.GetString(input, "selection") {
	case "hitl":
		hitl = true
	case "autopilot":
		hitl = false
	}

	intent := statedoc.Doc{"mode": mode, "hitl": hitl}
	if brief != "" {
		intent["brief"] = brief
	}
	for _, key := range []string{"title", "style", "language"} {
		if v := statedoc.GetString(input, key); v != "" {
			intent[key] = v
		}
	}
	return advance(StagePlan, statedoc.Doc{"intent": intent}), nil
}

// planNode fixes the creative parameters and branches on delivery mode.
func (e *Engine) planNode(job *store.Job) (outcome, error) {
	input, computed, err := jobDocs(job)
	if err != nil {
		return outcome{}, err
	}

	plan := statedoc.Doc{
		"style":    defaultString(statedoc.GetString(computed, "intent.style"), "pop"),
		"language": defaultString(statedoc.GetString(computed, "intent.language"), "en"),
		"title":    statedoc.GetString(computed, "intent.title"),
	}
	duration := defaultTargetDuration
	if d, ok := statedoc.GetFloat(input, "duration_seconds"); ok && d > 0 {
		duration = d
	}
	plan["target_duration"] = duration

	next := StageLyricsFanout
	if statedoc.GetString(computed, "intent.mode") == modeBYO {
		next = StageIngestAudio
	}
	return advance(next, statedoc.Doc{"plan": plan}), nil
}

// ingestAudioNode records the caller-supplied track as the audio output, so
// downstream stages see the same shape a promoted audio candidate leaves.
func (e *Engine) ingestAudioNode(job *store.Job) (outcome, error) {
	input, _, err := jobDocs(job)
	if err != nil {
		return outcome{}, err
	}
	audioURL := statedoc.GetString(input, "audio_url")
	if audioURL == "" {
		return outcome{}, faults.Wrap(faults.ErrValidation, job.Stage, "ingest audio", "audio_url is required", nil)
	}

	patch := statedoc.Doc{
		"audio": statedoc.Doc{"media_ref": audioURL, "source": modeBYO},
	}
	if text := strings.TrimSpace(statedoc.GetString(input, "lyrics")); text != "" {
		patch["lyrics"] = statedoc.Doc{"content": statedoc.Doc{"text": text}}
	}
	return advance(StageAlignLyrics, patch), nil
}

func (e *Engine) lyricsFanoutNode(ctx context.Context, job *store.Job) (outcome, error) {
	_, computed, err := jobDocs(job)
	if err != nil {
		return outcome{}, err
	}
	payload := statedoc.Doc{
		"brief":    statedoc.GetString(computed, "intent.brief"),
		"style":    statedoc.GetString(computed, "plan.style"),
		"language": statedoc.GetString(computed, "plan.language"),
		"title":    statedoc.GetString(computed, "plan.title"),
	}
	err = e.candidates.FanOut(ctx, job, "lyrics", e.cfg.ProvidersFor("lyrics"), e.cfg.Candidates.LyricsCount,
		func(int) statedoc.Doc { return payload })
	if err != nil {
		return outcome{}, err
	}
	return advance(StageLyricsFanin, nil), nil
}

func (e *Engine) audioFanoutNode(ctx context.Context, job *store.Job) (outcome, error) {
	_, computed, err := jobDocs(job)
	if err != nil {
		return outcome{}, err
	}
	payload := statedoc.Doc{
		"prompt": statedoc.GetString(computed, "intent.brief"),
		"style":  statedoc.GetString(computed, "plan.style"),
		"title":  statedoc.GetString(computed, "plan.title"),
		"lyrics": lyricsText(computed),
	}
	err = e.candidates.FanOut(ctx, job, "audio", routedProviders(computed, e.cfg, "audio"), e.cfg.Candidates.AudioCount,
		func(int) statedoc.Doc { return payload })
	if err != nil {
		return outcome{}, err
	}
	return advance(StageAudioFanin, nil), nil
}

func (e *Engine) videoFanoutNode(ctx context.Context, job *store.Job) (outcome, error) {
	_, computed, err := jobDocs(job)
	if err != nil {
		return outcome{}, err
	}
	audioRef := statedoc.GetString(computed, "audio.media_ref")
	if audioRef == "" {
		return outcome{}, faults.Wrap(faults.ErrIntegrity, job.Stage, "video fan out", "no audio output recorded", nil)
	}
	payload := statedoc.Doc{
		"prompt":    statedoc.GetString(computed, "intent.brief"),
		"style":     statedoc.GetString(computed, "plan.style"),
		"audio_url": audioRef,
	}
	if d, ok := statedoc.GetFloat(computed, "audio.content.duration"); ok && d > 0 {
		payload["duration"] = d
	} else if d, ok := statedoc.GetFloat(computed, "plan.target_duration"); ok {
		payload["duration"] = d
	}
	err = e.candidates.FanOut(ctx, job, "video", routedProviders(computed, e.cfg, "video"), e.cfg.Candidates.VideoCount,
		func(int) statedoc.Doc { return payload })
	if err != nil {
		return outcome{}, err
	}
	return advance(StageVideoFanin, nil), nil
}

// faninNode maps a fan-in decision onto the graph: winners advance, failed
// groups re-enter the fan-out stage on a fresh attempt, and spent groups fail
// the job.
func (e *Engine) faninNode(ctx context.Context, job *store.Job, candidateType string, onPromoted, onRetry Stage) (outcome, error) {
	res, err := e.candidates.FanIn(ctx, job, candidateType)
	if err != nil {
		return outcome{}, err
	}
	switch res.Decision {
	case candidates.DecisionWaiting:
		return wait(nil), nil
	case candidates.DecisionPromoted:
		return advance(onPromoted, nil), nil
	case candidates.DecisionNeedsSelection:
		return pause(res.Action, nil), nil
	case candidates.DecisionRetry, candidates.DecisionReopen:
		return advance(onRetry, nil), nil
	case candidates.DecisionExhausted:
		return failed(candidates.ErrCodeExhausted,
			fmt.Sprintf("every %s attempt failed", candidateType)), nil
	}
	return outcome{}, faults.Wrap(faults.ErrIntegrity, job.Stage, "fan in", "unknown decision", nil)
}

// arrangementNode derives the song structure from the chosen lyrics.
func (e *Engine) arrangementNode(job *store.Job) (outcome, error) {
	_, computed, err := jobDocs(job)
	if err != nil {
		return outcome{}, err
	}
	labels := sectionLabels(computed)
	arrangement := statedoc.Doc{"section_count": float64(len(labels))}
	if len(labels) > 0 {
		arrangement["structure"] = strings.Join(labels, "-")
	} else {
		arrangement["structure"] = "freeform"
	}
	return advance(StageProviderRoute, statedoc.Doc{"arrangement": arrangement}), nil
}

// providerRouteNode pins the provider set for the generation stages. Routing
// is resolved once and stored, so a config change mid-job cannot split a
// candidate group across provider sets.
func (e *Engine) providerRouteNode(job *store.Job) (outcome, error) {
	audio := e.cfg.ProvidersFor("audio")
	if len(audio) == 0 {
		return outcome{}, faults.Wrap(faults.ErrConfiguration, job.Stage, "provider route", "no audio providers configured", nil)
	}
	video := e.cfg.ProvidersFor("video")
	routing := statedoc.Doc{"audio": toAnySlice(audio)}
	if len(video) > 0 {
		routing["video"] = toAnySlice(video)
	}
	return advance(StageAudioFanout, statedoc.Doc{"routing": routing}), nil
}

// alignLyricsNode waits for the word-level alignment of the lyrics against
// the chosen audio. The run is enqueued once; replays hit the idempotency key.
func (e *Engine) alignLyricsNode(ctx context.Context, job *store.Job) (outcome, error) {
	_, computed, err := jobDocs(job)
	if err != nil {
		return outcome{}, err
	}
	if statedoc.Get(computed, "alignment") != nil {
		return advance(StageVideoFanout, nil), nil
	}

	audioRef := statedoc.GetString(computed, "audio.media_ref")
	if audioRef == "" {
		return outcome{}, faults.Wrap(faults.ErrIntegrity, job.Stage, "align lyrics", "no audio output recorded", nil)
	}
	request, err := statedoc.ToJSON(statedoc.Doc{
		"audio_url":   audioRef,
		"lyrics_text": lyricsText(computed),
	})
	if err != nil {
		return outcome{}, err
	}
	_, _, err = e.store.EnqueueRun(ctx, &store.ProviderRun{
		JobID:          job.ID,
		Provider:       "internal",
		IdempotencyKey: fmt.Sprintf("%s:%s:1", job.ID, store.RunTypeAlignLyrics),
		RequestJSON:    request,
		Meta:           store.RunMeta{RunType: store.RunTypeAlignLyrics, Attempt: 1},
	})
	if err != nil {
		return outcome{}, err
	}
	return wait(nil), nil
}

// composeNode waits for the final mux of audio, video, and aligned lyrics.
func (e *Engine) composeNode(ctx context.Context, job *store.Job) (outcome, error) {
	_, computed, err := jobDocs(job)
	if err != nil {
		return outcome{}, err
	}
	if statedoc.GetString(computed, "final.media_ref") != "" {
		return advance(StageQC, nil), nil
	}

	audioRef := statedoc.GetString(computed, "audio.media_ref")
	videoRef := statedoc.GetString(computed, "video.media_ref")
	if audioRef == "" || videoRef == "" {
		return outcome{}, faults.Wrap(faults.ErrIntegrity, job.Stage, "compose", "audio or video output missing", nil)
	}
	request, err := statedoc.ToJSON(statedoc.Doc{
		"audio_url": audioRef,
		"video_url": videoRef,
		"title":     statedoc.GetString(computed, "plan.title"),
	})
	if err != nil {
		return outcome{}, err
	}
	_, _, err = e.store.EnqueueRun(ctx, &store.ProviderRun{
		JobID:          job.ID,
		Provider:       "internal",
		IdempotencyKey: fmt.Sprintf("%s:%s:1", job.ID, store.RunTypeComposeMedia),
		RequestJSON:    request,
		Meta:           store.RunMeta{RunType: store.RunTypeComposeMedia, Attempt: 1},
	})
	if err != nil {
		return outcome{}, err
	}
	return wait(nil), nil
}

// qcNode verifies the outputs a finished job must carry.
func (e *Engine) qcNode(job *store.Job) (outcome, error) {
	_, computed, err := jobDocs(job)
	if err != nil {
		return outcome{}, err
	}
	var missing []string
	for _, path := range []string{"audio.media_ref", "final.media_ref"} {
		if statedoc.GetString(computed, path) == "" {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return failed("integrity", "missing outputs: "+strings.Join(missing, ", ")), nil
	}
	return advance(StagePublishReady, statedoc.Doc{"qc": statedoc.Doc{"passed": true}}), nil
}

func (e *Engine) publishReadyNode(*store.Job) (outcome, error) {
	return done(statedoc.Doc{"publish": statedoc.Doc{"ready": true}}), nil
}

func jobDocs(job *store.Job) (input, computed statedoc.Doc, err error) {
	if input, err = statedoc.FromJSON(job.InputJSON); err != nil {
		return nil, nil, faults.Wrap(faults.ErrIntegrity, job.Stage, "decode input", "", err)
	}
	if computed, err = statedoc.FromJSON(job.ComputedJSON); err != nil {
		return nil, nil, faults.Wrap(faults.ErrIntegrity, job.Stage, "decode computed", "", err)
	}
	return input, computed, nil
}

// routedProviders prefers the provider set pinned at provider_route and falls
// back to live configuration for paths that skip routing.
func routedProviders(computed statedoc.Doc, cfg *config.Config, role string) []string {
	routed, _ := statedoc.Get(computed, "routing."+role).([]any)
	if len(routed) == 0 {
		return cfg.ProvidersFor(role)
	}
	keys := make([]string, 0, len(routed))
	for _, v := range routed {
		if s, ok := v.(string); ok && s != "" {
			keys = append(keys, s)
		}
	}
	if len(keys) == 0 {
		return cfg.ProvidersFor(role)
	}
	return keys
}

// lyricsText flattens the chosen lyrics into plain text for provider prompts
// and alignment. Generated lyrics carry sections; bring-your-own lyrics carry
// a single text field.
func lyricsText(computed statedoc.Doc) string {
	if text := statedoc.GetString(computed, "lyrics.content.text"); text != "" {
		return text
	}
	sections, _ := statedoc.Get(computed, "lyrics.content.sections").([]any)
	var blocks []string
	for _, raw := range sections {
		section, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		lines, _ := section["lines"].([]any)
		var block []string
		for _, line := range lines {
			if s, ok := line.(string); ok {
				block = append(block, s)
			}
		}
		if len(block) > 0 {
			blocks = append(blocks, strings.Join(block, "\n"))
		}
	}
	return strings.Join(blocks, "\n\n")
}

func sectionLabels(computed statedoc.Doc) []string {
	sections, _ := statedoc.Get(computed, "lyrics.content.sections").([]any)
	var labels []string
	for _, raw := range sections {
		section, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if label, ok := section["label"].(string); ok && label != "" {
			labels = append(labels, label)
		}
	}
	return labels
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
