package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrettyStageName(t *testing.T) {
	cases := map[string]string{
		"intent":        "Intent",
		"lyrics_fanout": "Lyrics Fanout",
		"publish_ready": "Publish Ready",
		"":              "",
	}
	for input, want := range cases {
		if got := prettyStageName(input); got != want {
			t.Errorf("prettyStageName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestStagesCommandListsWorkflow(t *testing.T) {
	cmd := newStagesCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("stages: %v", err)
	}
	rendered := out.String()
	for _, want := range []string{"intent", "lyrics_fanout", "compose", "publish_ready", "100%"} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("expected %q in output:\n%s", want, rendered)
		}
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	cmd := newConfigInitCommand()
	if err := cmd.Flags().Set("path", target); err != nil {
		t.Fatalf("set path: %v", err)
	}
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("config init: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[workflow]") {
		t.Fatalf("expected workflow section in sample, got:\n%s", data)
	}

	// A second init without --overwrite refuses to clobber the file.
	if err := cmd.RunE(cmd, nil); err == nil {
		t.Fatal("expected refusal to overwrite an existing config")
	}
}
