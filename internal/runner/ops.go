package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"maestro/internal/faults"
	"maestro/internal/statedoc"
	"maestro/internal/store"
)

// fallbackWordSpacing is used when the request carries no track duration.
const fallbackWordSpacing = 0.5

// alignLyricsOp produces a word-level timing map for the lyrics against the
// chosen track. Words are spread uniformly; the timing is an estimate the
// video stages use for caption placement, not a transcription.
func (p *Pool) alignLyricsOp(_ context.Context, _ *store.ProviderRun, payload statedoc.Doc) (statedoc.Doc, error) {
	text := statedoc.GetString(payload, "lyrics_text")
	words := strings.Fields(text)

	spacing := fallbackWordSpacing
	if duration, ok := statedoc.GetFloat(payload, "duration"); ok && duration > 0 && len(words) > 0 {
		spacing = duration / float64(len(words))
	}

	timed := make([]any, 0, len(words))
	for i, word := range words {
		start := float64(i) * spacing
		timed = append(timed, statedoc.Doc{
			"word":  word,
			"start": start,
			"end":   start + spacing,
		})
	}
	return statedoc.Doc{
		"alignment": statedoc.Doc{
			"words":      timed,
			"word_count": float64(len(words)),
			"method":     "uniform",
		},
	}, nil
}

// composeMediaOp copies the rendered video into durable storage as the final
// output and records the source references beside it.
func (p *Pool) composeMediaOp(ctx context.Context, run *store.ProviderRun, payload statedoc.Doc) (statedoc.Doc, error) {
	audioURL := statedoc.GetString(payload, "audio_url")
	videoURL := statedoc.GetString(payload, "video_url")
	if audioURL == "" || videoURL == "" {
		return nil, faults.Wrap(faults.ErrIntegrity, "", "compose", "audio or video reference missing", nil)
	}

	body, err := p.fetchMedia(ctx, videoURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	key := fmt.Sprintf("jobs/%s/final.mp4", run.JobID)
	ref, err := p.blobs.Put(ctx, key, body, "video/mp4")
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransient, "", "compose", "store final media", err)
	}
	return statedoc.Doc{
		"final": statedoc.Doc{
			"media_ref":   ref,
			"audio_ref":   audioURL,
			"video_ref":   videoURL,
			"composed_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// fetchMedia opens a media reference for reading. Local file URLs cover the
// local blob backend and tests; http URLs cover provider-hosted media.
func (p *Pool) fetchMedia(ctx context.Context, ref string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(ref, "file://"):
		f, err := os.Open(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return nil, faults.Wrap(faults.ErrNotFound, "", "fetch media", ref, err)
		}
		return f, nil
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, faults.Wrap(faults.ErrValidation, "", "fetch media", ref, err)
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, faults.Wrap(faults.ErrTransient, "", "fetch media", ref, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, faults.Wrap(faults.ErrProvider, "", "fetch media",
				fmt.Sprintf("%s returned status %d", ref, resp.StatusCode), nil)
		}
		return resp.Body, nil
	default:
		return nil, faults.Wrap(faults.ErrValidation, "", "fetch media", "unsupported reference "+ref, nil)
	}
}
