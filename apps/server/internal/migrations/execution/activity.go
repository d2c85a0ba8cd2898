package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomkit/loom-kernel/apps/server/internal/migrations"
	"github.com/loomkit/loom-kernel/pkg/api"
)

// UpdateCandidateStatusInput is the input for the UpdateCandidateStatus activity.
type UpdateCandidateStatusInput struct {
	MigrationID string             `json:"migrationId"`
	CandidateID string             `json:"candidateId"`
	Status      api.CandidateStatus `json:"status"`
}

// Activities groups the Temporal activity methods the orchestrator calls.
// The struct holds dependencies injected at startup (idiomatic Temporal pattern).
type Activities struct {
	notifier   migrations.MigratorNotifier
	store      migrations.MigrationStore
	eventStore migrations.EventStore
	log        *slog.Logger
}

// NewActivities creates a new Activities instance with the given dependencies.
// eventStore may be nil — RecordEvent becomes a no-op, never failing the workflow.
func NewActivities(
	notifier migrations.MigratorNotifier,
	store migrations.MigrationStore,
	eventStore migrations.EventStore,
	log *slog.Logger,
) *Activities {
	return &Activities{notifier: notifier, store: store, eventStore: eventStore, log: log}
}

// DispatchStep hands a step off to the migrator named in req.MigratorApp/MigratorUrl.
func (a *Activities) DispatchStep(ctx context.Context, req api.DispatchStepRequest) error {
	if err := a.notifier.Dispatch(ctx, req); err != nil {
		return fmt.Errorf("dispatch step %q for %q: %w", req.StepName, req.Candidate.Id, err)
	}
	return nil
}

// UpdateCandidateStatus writes the candidate's status back to the migration
// store. Used both on successful completion and, via a disconnected context,
// during cleanup after failure or cancellation.
func (a *Activities) UpdateCandidateStatus(ctx context.Context, input UpdateCandidateStatusInput) error {
	if err := a.store.SetCandidateStatus(ctx, input.MigrationID, input.CandidateID, input.Status); err != nil {
		return fmt.Errorf("update candidate %q status: %w", input.CandidateID, err)
	}
	a.log.Info("updated candidate status",
		"migrationId", input.MigrationID,
		"candidateId", input.CandidateID,
		"status", input.Status,
	)
	return nil
}

// RecordEvent appends a lifecycle event to the event store. Failure is logged
// and swallowed — observability must never be able to fail a migration run.
func (a *Activities) RecordEvent(ctx context.Context, event migrations.StepEvent) error {
	if a.eventStore == nil {
		return nil
	}
	if err := a.eventStore.RecordEvent(ctx, event); err != nil {
		a.log.Warn("failed to record lifecycle event",
			"migrationId", event.MigrationID,
			"candidateId", event.CandidateID,
			"eventType", event.EventType,
			"error", err,
		)
	}
	return nil
}
