package graph

import "testing"

func TestStageTable(t *testing.T) {
	if !Known(StageIntent) || Known(Stage("mixdown")) {
		t.Fatal("stage table membership is wrong")
	}
	if !Final(StagePublishReady) {
		t.Fatal("publish_ready must be final")
	}
	if Final(StageQC) {
		t.Fatal("qc must not be final")
	}

	allowed := [][2]Stage{
		{StageIntent, StagePlan},
		{StagePlan, StageLyricsFanout},
		{StagePlan, StageIngestAudio},
		{StageIngestAudio, StageAlignLyrics},
		{StageLyricsFanin, StageLyricsFanout},
		{StageAudioFanin, StageAudioFanout},
		{StageVideoFanin, StageVideoFanout},
	}
	for _, edge := range allowed {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected edge %s -> %s", edge[0], edge[1])
		}
	}
	forbidden := [][2]Stage{
		{StageIntent, StageQC},
		{StagePublishReady, StageIntent},
		{StageLyricsFanout, StageAudioFanout},
	}
	for _, edge := range forbidden {
		if CanTransition(edge[0], edge[1]) {
			t.Fatalf("unexpected edge %s -> %s", edge[0], edge[1])
		}
	}
}

func TestProgressGrowsAlongMainPath(t *testing.T) {
	path := []Stage{
		StageIntent, StagePlan, StageLyricsFanout, StageLyricsFanin,
		StageArrangement, StageProviderRoute, StageAudioFanout, StageAudioFanin,
		StageAlignLyrics, StageVideoFanout, StageVideoFanin, StageCompose,
		StageQC, StagePublishReady,
	}
	last := 0
	for _, stage := range path {
		p := Progress(stage)
		if p <= last {
			t.Fatalf("progress must grow: %s reports %d after %d", stage, p, last)
		}
		last = p
	}
	if Progress(StagePublishReady) != 100 {
		t.Fatalf("final stage must report 100, got %d", Progress(StagePublishReady))
	}
}
