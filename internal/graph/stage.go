package graph

// Stage names one node of the job graph. Stages only move forward along the
// transition table below, except the explicit fan-in retry edges that
// re-enter a fan-out node with a bumped attempt counter.
type Stage string

const (
	StageIntent        Stage = "intent"
	StagePlan          Stage = "plan"
	StageIngestAudio   Stage = "ingest_audio"
	StageLyricsFanout  Stage = "lyrics_fanout"
	StageLyricsFanin   Stage = "lyrics_fanin"
	StageArrangement   Stage = "arrangement"
	StageProviderRoute Stage = "provider_route"
	StageAudioFanout   Stage = "audio_fanout"
	StageAudioFanin    Stage = "audio_fanin"
	StageAlignLyrics   Stage = "align_lyrics"
	StageVideoFanout   Stage = "video_fanout"
	StageVideoFanin    Stage = "video_fanin"
	StageCompose       Stage = "compose"
	StageQC            Stage = "qc"
	StagePublishReady  Stage = "publish_ready"
)

// transitions is the static routing table. Plan branches on delivery mode:
// generated jobs fan out lyrics, bring-your-own-audio jobs ingest the
// supplied track and skip straight to alignment.
var transitions = map[Stage][]Stage{
	StageIntent:        {StagePlan},
	StagePlan:          {StageLyricsFanout, StageIngestAudio},
	StageIngestAudio:   {StageAlignLyrics},
	StageLyricsFanout:  {StageLyricsFanin},
	StageLyricsFanin:   {StageArrangement, StageLyricsFanout},
	StageArrangement:   {StageProviderRoute},
	StageProviderRoute: {StageAudioFanout},
	StageAudioFanout:   {StageAudioFanin},
	StageAudioFanin:    {StageAlignLyrics, StageAudioFanout},
	StageAlignLyrics:   {StageVideoFanout},
	StageVideoFanout:   {StageVideoFanin},
	StageVideoFanin:    {StageCompose, StageVideoFanout},
	StageCompose:       {StageQC},
	StageQC:            {StagePublishReady},
	StagePublishReady:  {},
}

// progress maps each stage to the percentage shown to operators.
var progress = map[Stage]int{
	StageIntent:        2,
	StagePlan:          8,
	StageIngestAudio:   20,
	StageLyricsFanout:  15,
	StageLyricsFanin:   25,
	StageArrangement:   32,
	StageProviderRoute: 35,
	StageAudioFanout:   40,
	StageAudioFanin:    55,
	StageAlignLyrics:   62,
	StageVideoFanout:   68,
	StageVideoFanin:    80,
	StageCompose:       88,
	StageQC:            95,
	StagePublishReady:  100,
}

// Known reports whether a stage name exists in the graph.
func Known(stage Stage) bool {
	_, ok := transitions[stage]
	return ok
}

// CanTransition reports whether the table allows moving from one stage to
// another.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Progress returns the percentage for a stage, or 0 for an unknown stage.
func Progress(stage Stage) int {
	return progress[stage]
}

// Final reports whether a stage has no outgoing edges.
func Final(stage Stage) bool {
	return Known(stage) && len(transitions[stage]) == 0
}

// Stages lists every stage in graph order, for CLI display.
func Stages() []Stage {
	return []Stage{
		StageIntent,
		StagePlan,
		StageIngestAudio,
		StageLyricsFanout,
		StageLyricsFanin,
		StageArrangement,
		StageProviderRoute,
		StageAudioFanout,
		StageAudioFanin,
		StageAlignLyrics,
		StageVideoFanout,
		StageVideoFanin,
		StageCompose,
		StageQC,
		StagePublishReady,
	}
}
