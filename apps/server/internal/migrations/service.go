package migrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomkit/loom-kernel/pkg/api"
)

// Service implements the migration kernel's use cases: registering
// migrations and candidates, starting and controlling runs, and reconciling
// the store against the execution engine's own view of reality.
type Service struct {
	engine    ExecutionEngine
	store     MigrationStore
	dryRunner DryRunner
	notifier  MigratorNotifier

	// EventStore is optional. When nil, the metrics read methods return
	// empty results rather than erroring — a fresh deployment with no
	// Postgres event store configured still serves a working dashboard.
	EventStore EventStore
}

// NewService wires a Service from its ports. notifier may be nil; it is stored
// but no Service method calls it — step dispatch always happens inside the
// workflow's DispatchStep activity, which holds its own MigratorNotifier.
func NewService(engine ExecutionEngine, store MigrationStore, dryRunner DryRunner, notifier MigratorNotifier) *Service {
	return &Service{engine: engine, store: store, dryRunner: dryRunner, notifier: notifier}
}

// Announce registers a migration or updates an existing one in place,
// preserving its CreatedAt and candidates.
func (s *Service) Announce(ctx context.Context, ann api.MigrationAnnouncement) (*api.Migration, error) {
	existing, err := s.store.Get(ctx, ann.Id)
	if err != nil {
		return nil, fmt.Errorf("get migration %q: %w", ann.Id, err)
	}

	m := api.Migration{
		Id:             ann.Id,
		Name:           ann.Name,
		Description:    ann.Description,
		MigratorUrl:    ann.MigratorUrl,
		Overview:       ann.Overview,
		RequiredInputs: ann.RequiredInputs,
		Steps:          ann.Steps,
	}
	if existing != nil {
		m.CreatedAt = existing.CreatedAt
		m.Candidates = existing.Candidates
	} else {
		m.CreatedAt = time.Now()
	}

	if err := s.store.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("save migration %q: %w", ann.Id, err)
	}
	return &m, nil
}

// List returns every registered migration.
func (s *Service) List(ctx context.Context) ([]api.Migration, error) {
	items, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return items, nil
}

// Get returns a single migration, or (nil, nil) if it does not exist.
func (s *Service) Get(ctx context.Context, id string) (*api.Migration, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get migration %q: %w", id, err)
	}
	return m, nil
}

// SubmitCandidates records the candidates a migrator discovered for a migration.
func (s *Service) SubmitCandidates(ctx context.Context, migrationID string, req api.SubmitCandidatesRequest) error {
	m, err := s.store.Get(ctx, migrationID)
	if err != nil {
		return fmt.Errorf("get migration %q: %w", migrationID, err)
	}
	if m == nil {
		return MigrationNotFoundError{ID: migrationID}
	}
	if err := s.store.SaveCandidates(ctx, migrationID, req.Candidates); err != nil {
		return fmt.Errorf("save candidates for %q: %w", migrationID, err)
	}
	return nil
}

// GetCandidates returns a migration's candidates, self-healing any candidate
// the store believes is running but the execution engine has no record of
// (e.g. after an engine restart in development).
func (s *Service) GetCandidates(ctx context.Context, migrationID string) ([]api.Candidate, error) {
	candidates, err := s.store.GetCandidates(ctx, migrationID)
	if err != nil {
		return nil, fmt.Errorf("get candidates for %q: %w", migrationID, err)
	}

	for i, c := range candidates {
		if c.Status == nil || *c.Status != api.CandidateStatusRunning {
			continue
		}
		runID := RunID(migrationID, c.Id)
		if _, err := s.engine.GetStatus(ctx, runID); err != nil {
			var notFound RunNotFoundError
			if !errors.As(err, &notFound) {
				continue
			}
			healed := api.CandidateStatusNotStarted
			candidates[i].Status = &healed
			if err := s.store.SetCandidateStatus(ctx, migrationID, c.Id, healed); err != nil {
				return nil, fmt.Errorf("heal candidate %q status: %w", c.Id, err)
			}
		}
	}

	return candidates, nil
}

// GetCandidateSteps returns live or final step progress for a candidate's run.
// Returns (nil, nil) if the engine has no record of the run at all.
func (s *Service) GetCandidateSteps(ctx context.Context, migrationID, candidateID string) (*api.CandidateStepsResponse, error) {
	status, err := s.engine.GetStatus(ctx, RunID(migrationID, candidateID))
	if err != nil {
		var notFound RunNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil //nolint:nilnil // caller maps this to 404
		}
		return nil, fmt.Errorf("get run status for %q/%q: %w", migrationID, candidateID, err)
	}

	respStatus := api.CandidateStepsResponseStatusRunning
	if status.RuntimeStatus != RuntimeStatusRunning {
		respStatus = api.CandidateStepsResponseStatusCompleted
	}
	return &api.CandidateStepsResponse{Status: respStatus, Steps: status.Steps}, nil
}

// RetryStep re-dispatches a failed step by raising the retry-step signal into
// the candidate's active run.
func (s *Service) RetryStep(ctx context.Context, migrationID, candidateID, stepName string) error {
	if _, err := s.requireRunningCandidate(ctx, migrationID, candidateID); err != nil {
		return err
	}

	if err := s.engine.RaiseEvent(ctx, RunID(migrationID, candidateID), RetryStepEventName(stepName, candidateID), nil); err != nil {
		return fmt.Errorf("raise retry-step signal: %w", err)
	}
	return nil
}

// Cancel requests cancellation of a candidate's active run and resets it to
// not_started. A run already gone from the engine's view is tolerated — the
// candidate is still reset, since that's the operator's intent either way.
func (s *Service) Cancel(ctx context.Context, migrationID, candidateID string) error {
	if _, err := s.requireRunningCandidate(ctx, migrationID, candidateID); err != nil {
		return err
	}

	if err := s.engine.CancelRun(ctx, RunID(migrationID, candidateID)); err != nil {
		var notFound RunNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("cancel run: %w", err)
		}
	}

	if err := s.store.SetCandidateStatus(ctx, migrationID, candidateID, api.CandidateStatusNotStarted); err != nil {
		return fmt.Errorf("reset candidate %q status: %w", candidateID, err)
	}
	return nil
}

// DryRun asks the migration's migrator to simulate a run for one candidate
// without dispatching anything durable.
func (s *Service) DryRun(ctx context.Context, migrationID string, candidate api.Candidate) (*api.DryRunResult, error) {
	m, err := s.store.Get(ctx, migrationID)
	if err != nil {
		return nil, fmt.Errorf("get migration %q: %w", migrationID, err)
	}
	if m == nil {
		return nil, MigrationNotFoundError{ID: migrationID}
	}

	req := api.DryRunRequest{MigrationId: migrationID, Candidate: candidate, Steps: m.Steps}
	result, err := s.dryRunner.DryRun(ctx, m.MigratorUrl, req)
	if err != nil {
		return nil, fmt.Errorf("dry run %q/%q: %w", migrationID, candidate.Id, err)
	}
	return result, nil
}

// Start begins (or heals through to) a run for a candidate, merging any
// operator-supplied inputs into its metadata first.
func (s *Service) Start(ctx context.Context, migrationID, candidateID string, inputs map[string]string) (string, error) {
	m, err := s.store.Get(ctx, migrationID)
	if err != nil {
		return "", fmt.Errorf("get migration %q: %w", migrationID, err)
	}
	if m == nil {
		return "", MigrationNotFoundError{ID: migrationID}
	}

	idx := -1
	for i, c := range m.Candidates {
		if c.Id == candidateID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", CandidateNotFoundError{MigrationID: migrationID, CandidateID: candidateID}
	}
	candidate := m.Candidates[idx]
	runID := RunID(migrationID, candidateID)

	if candidate.Status != nil && (*candidate.Status == api.CandidateStatusRunning || *candidate.Status == api.CandidateStatusCompleted) {
		if status, err := s.engine.GetStatus(ctx, runID); err != nil {
			var notFound RunNotFoundError
			if !errors.As(err, &notFound) {
				return "", fmt.Errorf("get run status: %w", err)
			}
			// Store says running/completed, engine has no record — heal through.
		} else if status.RuntimeStatus == RuntimeStatusRunning || status.RuntimeStatus == RuntimeStatusCompleted {
			// A failed, cancelled or terminated run does not block a new start.
			return "", CandidateAlreadyRunError{ID: candidateID, Status: string(*candidate.Status)}
		}
	}

	merged := map[string]string{}
	if candidate.Metadata != nil {
		for k, v := range *candidate.Metadata {
			merged[k] = v
		}
	}
	for k, v := range inputs {
		merged[k] = v
	}
	candidate.Metadata = &merged

	manifest := api.MigrationManifest{
		MigrationId: migrationID,
		MigratorUrl: m.MigratorUrl,
		Candidates:  []api.Candidate{candidate},
		Steps:       m.Steps,
	}

	startedID, err := s.engine.StartRun(ctx, "MigrationOrchestrator", runID, manifest)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	if err := s.store.SetCandidateStatus(ctx, migrationID, candidateID, api.CandidateStatusRunning); err != nil {
		return "", fmt.Errorf("set candidate %q running: %w", candidateID, err)
	}

	return startedID, nil
}

// HandleEvent raises a migrator's step-status report into the candidate's
// active run as the step-completed signal.
func (s *Service) HandleEvent(ctx context.Context, instanceID string, event api.StepStatusEvent) error {
	if err := s.engine.RaiseEvent(ctx, instanceID, StepEventName(event.StepName, event.CandidateId), event); err != nil {
		return fmt.Errorf("raise step-completed signal: %w", err)
	}
	return nil
}

// HandlePROpened raises the lower-latency pr-opened signal, letting a
// migrator surface a PR URL before the step's terminal status arrives.
func (s *Service) HandlePROpened(ctx context.Context, instanceID string, event api.StepStatusEvent) error {
	if err := s.engine.RaiseEvent(ctx, instanceID, PROpenedEventName(event.StepName, event.CandidateId), event); err != nil {
		return fmt.Errorf("raise pr-opened signal: %w", err)
	}
	return nil
}

// UpdateInputs pushes corrected metadata into a candidate both in the store
// (so the next Start call sees it) and, if a run is active, into the running
// workflow (so the pending retry picks it up on re-dispatch).
func (s *Service) UpdateInputs(ctx context.Context, migrationID, candidateID string, inputs map[string]string) error {
	m, err := s.store.Get(ctx, migrationID)
	if err != nil {
		return fmt.Errorf("get migration %q: %w", migrationID, err)
	}
	if m == nil {
		return MigrationNotFoundError{ID: migrationID}
	}
	found := false
	for _, c := range m.Candidates {
		if c.Id == candidateID {
			found = true
			break
		}
	}
	if !found {
		return CandidateNotFoundError{MigrationID: migrationID, CandidateID: candidateID}
	}

	if err := s.store.UpdateCandidateMetadata(ctx, migrationID, candidateID, inputs); err != nil {
		return fmt.Errorf("update candidate %q metadata: %w", candidateID, err)
	}

	if err := s.engine.RaiseEvent(ctx, RunID(migrationID, candidateID), UpdateInputsEventName(candidateID), inputs); err != nil {
		var notFound RunNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("raise update-inputs signal: %w", err)
		}
	}
	return nil
}

// GetMetricsOverview returns aggregate totals, or a zero value when no
// EventStore is configured.
func (s *Service) GetMetricsOverview(ctx context.Context) (*MetricsOverview, error) {
	if s.EventStore == nil {
		return &MetricsOverview{}, nil
	}
	return s.EventStore.GetOverview(ctx)
}

// GetStepMetrics returns per-step aggregates, or an empty slice when no
// EventStore is configured.
func (s *Service) GetStepMetrics(ctx context.Context) ([]StepMetrics, error) {
	if s.EventStore == nil {
		return nil, nil
	}
	return s.EventStore.GetStepMetrics(ctx)
}

// GetMetricsTimeline returns daily event counts, or an empty slice when no
// EventStore is configured.
func (s *Service) GetMetricsTimeline(ctx context.Context, days int) ([]TimelinePoint, error) {
	if s.EventStore == nil {
		return nil, nil
	}
	return s.EventStore.GetTimeline(ctx, days)
}

// GetRecentFailures returns the most recent failed steps, or an empty slice
// when no EventStore is configured.
func (s *Service) GetRecentFailures(ctx context.Context, limit int) ([]StepEvent, error) {
	if s.EventStore == nil {
		return nil, nil
	}
	return s.EventStore.GetRecentFailures(ctx, limit)
}

// requireRunningCandidate looks up a migration and candidate and ensures the
// candidate is currently running, returning the typed errors callers map to
// HTTP status codes.
func (s *Service) requireRunningCandidate(ctx context.Context, migrationID, candidateID string) (*api.Migration, error) {
	m, err := s.store.Get(ctx, migrationID)
	if err != nil {
		return nil, fmt.Errorf("get migration %q: %w", migrationID, err)
	}
	if m == nil {
		return nil, MigrationNotFoundError{ID: migrationID}
	}
	for _, c := range m.Candidates {
		if c.Id != candidateID {
			continue
		}
		if c.Status == nil || *c.Status != api.CandidateStatusRunning {
			return nil, CandidateNotRunningError{ID: candidateID}
		}
		return m, nil
	}
	return nil, CandidateNotFoundError{MigrationID: migrationID, CandidateID: candidateID}
}
