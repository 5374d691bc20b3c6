package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"maestro/internal/api"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

var titleCaser = cases.Title(language.English)

// prettyStageName renders a stage identifier for humans, e.g. "lyrics_fanout"
// becomes "Lyrics Fanout".
func prettyStageName(stage string) string {
	if stage == "" {
		return ""
	}
	return titleCaser.String(strings.ReplaceAll(stage, "_", " "))
}

func renderJobStatus(w io.Writer, status *api.JobStatus) {
	colorize := shouldColorize(w)

	fmt.Fprintf(w, "Job %s\n", status.ID)
	if status.Title != "" {
		fmt.Fprintf(w, "  Title:    %s\n", status.Title)
	}
	fmt.Fprintf(w, "  Stage:    %s\n", prettyStageName(status.Stage))
	fmt.Fprintf(w, "  Status:   %s\n", colorStatus(status.Status, colorize))
	fmt.Fprintf(w, "  Progress: %d%%\n", status.Progress)
	if status.FinalMediaRef != "" {
		fmt.Fprintf(w, "  Media:    %s\n", status.FinalMediaRef)
	}
	if status.ErrorCode != "" {
		fmt.Fprintf(w, "  Error:    %s (%s)\n", status.ErrorMessage, status.ErrorCode)
	}

	if status.RequiredAction != nil {
		fmt.Fprintf(w, "\nWaiting on %s. Candidates:\n", status.RequiredAction.Type)
		rows := make([][]string, 0, len(status.Candidates))
		for _, cand := range status.Candidates {
			rows = append(rows, []string{
				cand.ID,
				fmt.Sprintf("%d", cand.VariantIndex),
				cand.Provider,
				cand.Status,
				fmt.Sprintf("%.2f", cand.Score),
				cand.MediaRef,
			})
		}
		fmt.Fprintln(w, renderTable(
			[]string{"Candidate", "Variant", "Provider", "Status", "Score", "Media"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignLeft},
		))
		fmt.Fprintf(w, "Pick one with: maestro job select %s <candidate-id>\n", status.ID)
	}
}

func colorStatus(status string, colorize bool) string {
	if !colorize {
		return status
	}
	switch status {
	case "succeeded":
		return ansiGreen + status + ansiReset
	case "failed":
		return ansiRed + status + ansiReset
	case "running":
		return ansiBlue + status + ansiReset
	case "queued":
		return ansiYellow + status + ansiReset
	default:
		return status
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
