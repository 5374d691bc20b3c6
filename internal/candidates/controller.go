package candidates

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"maestro/internal/config"
	"maestro/internal/faults"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/statedoc"
	"maestro/internal/store"
)

// ErrCodeExhausted is the stable error code recorded when every attempt of a
// fan-out group failed and the retry budget is spent.
const ErrCodeExhausted = "candidates_exhausted"

// SelectionActionType returns the required-action type for a pending human
// selection of the given candidate type, e.g. "select_lyrics".
func SelectionActionType(candidateType string) string {
	return "select_" + candidateType
}

// Decision is the outcome of evaluating a fan-in barrier.
type Decision int

const (
	// DecisionWaiting means group members are still unresolved.
	DecisionWaiting Decision = iota
	// DecisionPromoted means a winner was selected and merged automatically.
	DecisionPromoted
	// DecisionNeedsSelection means the job must pause for a human choice.
	DecisionNeedsSelection
	// DecisionRetry means the group failed and a fresh attempt was opened.
	DecisionRetry
	// DecisionExhausted means the group failed with no retry budget left.
	DecisionExhausted
	// DecisionReopen means the attempt's group has no candidates yet and the
	// job must route back to the fan-out stage.
	DecisionReopen
)

// FanInResult carries the decision plus its supporting data.
type FanInResult struct {
	Decision Decision
	Winner   *store.Candidate
	Action   *store.RequiredAction
}

// Controller owns fan-out, fan-in, and selection for candidate groups.
type Controller struct {
	store            *store.Store
	logger           *slog.Logger
	metrics          *metrics.Metrics
	hitl             bool
	maxGroupAttempts int
}

// NewController builds a controller from daemon configuration.
func NewController(st *store.Store, logger *slog.Logger, cfg *config.Config) *Controller {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Controller{
		store:            st,
		logger:           logging.WithComponent(logger, "candidates"),
		hitl:             cfg.Candidates.HITL,
		maxGroupAttempts: cfg.Workflow.MaxGroupAttempts,
	}
}

// WithMetrics attaches the daemon's instrument set. A nil receiver-safe
// metrics value keeps the controller usable in tests without one.
func (c *Controller) WithMetrics(m *metrics.Metrics) *Controller {
	c.metrics = m
	return c
}

// GroupID returns the deterministic group identifier for an attempt. Replays
// of the same attempt always land in the same group.
func GroupID(candidateType string, attempt int) string {
	return fmt.Sprintf("%s-a%d", candidateType, attempt)
}

// CandidateID derives a stable identifier for a fan-out slot, so a crashed
// fan-out re-creates the identical rows on replay.
func CandidateID(jobID, candidateType, groupID string, variant int) string {
	seed := strings.Join([]string{jobID, candidateType, groupID, fmt.Sprint(variant)}, ":")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// IdempotencyKey builds the run key for one candidate attempt.
func IdempotencyKey(jobID, candidateType, candidateID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%s:%d", jobID, store.CandidateRunType(candidateType), candidateID, attempt)
}

// Attempt reads the current attempt number for a candidate type from the
// computed document, starting at 1.
func Attempt(computed statedoc.Doc, candidateType string) int {
	if n, ok := statedoc.GetFloat(computed, "candidates."+candidateType+".attempt"); ok && n >= 1 {
		return int(n)
	}
	return 1
}

// FanOut opens (or re-opens, idempotently) the current attempt's candidate
// group and enqueues one provider run per variant, assigning providers
// round-robin. buildPayload supplies the request document for a variant; the
// controller adds the variant seed.
func (c *Controller) FanOut(ctx context.Context, job *store.Job, candidateType string, providers []string, count int, buildPayload func(variant int) statedoc.Doc) error {
	if count <= 0 {
		return faults.Wrap(faults.ErrConfiguration, job.Stage, "fan out", "candidate count must be positive", nil)
	}
	if len(providers) == 0 {
		return faults.Wrap(faults.ErrConfiguration, job.Stage, "fan out", "no providers routed for "+candidateType, nil)
	}
	computed, err := statedoc.FromJSON(job.ComputedJSON)
	if err != nil {
		return err
	}
	attempt := Attempt(computed, candidateType)
	group := GroupID(candidateType, attempt)

	rows := make([]*store.Candidate, 0, count)
	for variant := 0; variant < count; variant++ {
		rows = append(rows, &store.Candidate{
			ID:            CandidateID(job.ID, candidateType, group, variant),
			JobID:         job.ID,
			CandidateType: candidateType,
			GroupID:       group,
			VariantIndex:  variant,
			Attempt:       attempt,
			Status:        store.CandidateQueued,
			Provider:      providers[variant%len(providers)],
		})
	}
	if err := c.store.InsertCandidates(ctx, rows); err != nil {
		return err
	}

	opened := false
	for _, row := range rows {
		payload := statedoc.Doc{}
		if buildPayload != nil {
			payload = buildPayload(row.VariantIndex)
		}
		payload = statedoc.Merge(payload, statedoc.Doc{"variant_seed": float64(row.VariantIndex)})
		requestJSON, err := statedoc.ToJSON(payload)
		if err != nil {
			return err
		}
		_, enqueued, err := c.store.EnqueueRun(ctx, &store.ProviderRun{
			JobID:          job.ID,
			Provider:       row.Provider,
			IdempotencyKey: IdempotencyKey(job.ID, candidateType, row.ID, attempt),
			RequestJSON:    requestJSON,
			Meta: store.RunMeta{
				RunType:      store.CandidateRunType(candidateType),
				CandidateID:  row.ID,
				GroupID:      group,
				VariantIndex: row.VariantIndex,
				Attempt:      attempt,
			},
		})
		if err != nil {
			return err
		}
		if enqueued {
			opened = true
			c.logger.Info("enqueued candidate run",
				logging.String(logging.FieldJobID, job.ID),
				logging.String("candidate_type", candidateType),
				logging.String("group_id", group),
				logging.Int("variant", row.VariantIndex))
		}
	}

	if opened {
		c.metrics.ObserveFanOut(candidateType)
	}

	_, err = c.store.PatchComputed(ctx, job.ID, statedoc.Doc{
		"candidates": statedoc.Doc{
			candidateType: statedoc.Doc{
				"attempt":  float64(attempt),
				"group_id": group,
				"count":    float64(count),
				"hitl":     c.hitlForJob(computed),
			},
		},
	})
	return err
}

// hitlForJob resolves the selection mode for a job. The flag fixed at intent
// wins; jobs predating it fall back to the daemon default.
func (c *Controller) hitlForJob(computed statedoc.Doc) bool {
	if v, ok := statedoc.Get(computed, "intent.hitl").(bool); ok {
		return v
	}
	return c.hitl
}

// FanIn evaluates the current attempt's group. It returns Waiting while any
// member is unresolved; with at least one success it either promotes the best
// automatically or asks for a human selection; with none it opens a fresh
// attempt or reports exhaustion.
func (c *Controller) FanIn(ctx context.Context, job *store.Job, candidateType string) (FanInResult, error) {
	computed, err := statedoc.FromJSON(job.ComputedJSON)
	if err != nil {
		return FanInResult{}, err
	}
	attempt := Attempt(computed, candidateType)
	group := GroupID(candidateType, attempt)

	rows, err := c.store.CandidatesByGroup(ctx, job.ID, candidateType, group)
	if err != nil {
		return FanInResult{}, err
	}
	if len(rows) == 0 {
		// An empty group means fan-out for this attempt has not run, which a
		// crash between the retry patch and the stage move can leave behind.
		// Fan-out recreates the group idempotently on the way back.
		c.logger.Warn("group missing at fan-in, reopening fan-out",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("candidate_type", candidateType),
			logging.String("group_id", group))
		return FanInResult{Decision: DecisionReopen}, nil
	}

	var succeeded []*store.Candidate
	for _, row := range rows {
		switch {
		case !row.Status.Terminal():
			return FanInResult{Decision: DecisionWaiting}, nil
		case row.Status == store.CandidateSucceeded:
			succeeded = append(succeeded, row)
		case row.Status == store.CandidateChosen:
			// Promotion already committed on a previous tick.
			return FanInResult{Decision: DecisionPromoted, Winner: row}, nil
		}
	}

	// The group resolves under the flag stored at fan-out, so neither a
	// config flip nor a late intent edit can change an open group.
	hitl := c.hitlForJob(computed)
	if v, ok := statedoc.Get(computed, "candidates."+candidateType+".hitl").(bool); ok {
		hitl = v
	}

	if len(succeeded) > 0 {
		if hitl {
			return FanInResult{
				Decision: DecisionNeedsSelection,
				Action: &store.RequiredAction{
					Type:          SelectionActionType(candidateType),
					CandidateType: candidateType,
					GroupID:       group,
					MinSelect:     1,
					MaxSelect:     1,
				},
			}, nil
		}
		winner := PickBest(succeeded)
		if err := c.store.PromoteCandidate(ctx, job.ID, winner.ID, PromotionPatch); err != nil {
			return FanInResult{}, err
		}
		c.metrics.ObservePromotion(candidateType, "auto")
		c.logger.Info("promoted candidate",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("candidate_type", candidateType),
			logging.String("candidate_id", winner.ID),
			logging.Float64("score", winner.ScoreOverall()))
		return FanInResult{Decision: DecisionPromoted, Winner: winner}, nil
	}

	if attempt < c.maxGroupAttempts {
		next := attempt + 1
		_, err := c.store.PatchComputed(ctx, job.ID, statedoc.Doc{
			"candidates": statedoc.Doc{
				candidateType: statedoc.Doc{"attempt": float64(next)},
			},
		})
		if err != nil {
			return FanInResult{}, err
		}
		c.logger.Warn("candidate group failed, retrying",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("candidate_type", candidateType),
			logging.Int("next_attempt", next))
		return FanInResult{Decision: DecisionRetry}, nil
	}
	return FanInResult{Decision: DecisionExhausted}, nil
}

// Choose applies a human selection on a paused job, re-validating that the
// candidate belongs to the pending group before promoting it.
func (c *Controller) Choose(ctx context.Context, jobID, candidateID string) error {
	if err := c.store.ChooseCandidate(ctx, jobID, candidateID, PromotionPatch); err != nil {
		return err
	}
	if winner, err := c.store.GetCandidate(ctx, candidateID); err == nil && winner != nil {
		c.metrics.ObservePromotion(winner.CandidateType, "human")
	}
	return nil
}

// PromotionPatch builds the computed-document patch for a winning candidate:
// its content, media reference, and score land under the candidate type key.
func PromotionPatch(winner *store.Candidate, _ statedoc.Doc) (statedoc.Doc, error) {
	entry := statedoc.Doc{
		"chosen_id": winner.ID,
		"attempt":   float64(winner.Attempt),
	}
	if strings.TrimSpace(winner.ContentJSON) != "" {
		content, err := statedoc.FromJSON(winner.ContentJSON)
		if err != nil {
			return nil, faults.Wrap(faults.ErrIntegrity, "", "promotion", "decode winner content", err)
		}
		entry["content"] = content
	}
	if winner.MediaRef != "" {
		entry["media_ref"] = winner.MediaRef
	}
	if strings.TrimSpace(winner.ScoreJSON) != "" {
		score, err := statedoc.FromJSON(winner.ScoreJSON)
		if err == nil {
			entry["score"] = score
		}
	}
	return statedoc.Doc{winner.CandidateType: entry}, nil
}
