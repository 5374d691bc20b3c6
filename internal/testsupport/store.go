package testsupport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"maestro/internal/config"
	"maestro/internal/store"
)

// MustOpenStore opens a store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewJob inserts a queued job for tests and returns the stored row.
func NewJob(t testing.TB, st *store.Store, kind, stage string, input map[string]any) *store.Job {
	t.Helper()

	inputJSON := "{}"
	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			t.Fatalf("marshal input: %v", err)
		}
		inputJSON = string(data)
	}
	job := &store.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Stage:       stage,
		Status:      store.JobQueued,
		InputJSON:   inputJSON,
		RequestHash: uuid.NewString(),
	}
	stored, _, err := st.InsertJob(context.Background(), job)
	if err != nil {
		t.Fatalf("store.InsertJob: %v", err)
	}
	return stored
}
