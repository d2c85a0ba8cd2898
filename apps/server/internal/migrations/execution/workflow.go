package execution

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/loomkit/loom-kernel/apps/server/internal/migrations"
	"github.com/loomkit/loom-kernel/pkg/api"
)

// MigrationResult is the durable-execution-level snapshot of a run: every
// step's current status for every candidate in the manifest. It is both the
// workflow's return value and the live "progress" query's payload.
type MigrationResult struct {
	MigrationId string          `json:"migrationId"`
	Status      string          `json:"status"`
	Results     []api.StepState `json:"results"`
}

const (
	resultStatusRunning   = "running"
	resultStatusCompleted = "completed"
	resultStatusCancelled = "cancelled"
)

// MigrationOrchestrator drives one migration run to completion. For every
// candidate, every step is dispatched to its migrator in sequence and waited
// on via signal. A failed step is never compensated — it resets nothing about
// earlier, already-succeeded steps — and the run simply waits for an operator
// to raise the retry-step signal, optionally preceded by an update-inputs
// signal that corrects the candidate's metadata before the re-dispatch.
//
//nolint:gocognit // orchestrator is inherently a state machine
func MigrationOrchestrator(ctx workflow.Context, manifest api.MigrationManifest) (MigrationResult, error) {
	results := make([]api.StepState, 0, len(manifest.Steps)*len(manifest.Candidates))

	if err := workflow.SetQueryHandler(ctx, "progress", func() (MigrationResult, error) {
		return MigrationResult{MigrationId: manifest.MigrationId, Status: resultStatusRunning, Results: results}, nil
	}); err != nil {
		return MigrationResult{}, fmt.Errorf("register query handler: %w", err)
	}

	dispatchCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: 24 * time.Hour})
	eventCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: 5 * time.Second})
	callbackID := workflow.GetInfo(ctx).WorkflowExecution.ID

	recordLifecycleEvent(eventCtx, manifest.MigrationId, "", "", migrations.EventRunStarted, "", time.Time{}, nil)

	cancelled := false

candidateLoop:
	for ci := range manifest.Candidates {
		candidate := manifest.Candidates[ci]

		for _, step := range manifest.Steps {
			for {
				upsertStep(&results, api.StepState{
					StepName: step.Name, Candidate: candidate, Status: api.StepStateStatusInProgress,
				})

				candidate = drainUpdateInputs(ctx, candidate)

				dispatchStart := workflow.Now(ctx)
				recordLifecycleEvent(eventCtx, manifest.MigrationId, candidate.Id, step.Name, migrations.EventStepDispatched, "", time.Time{}, nil)
				if err := dispatchStep(dispatchCtx, manifest, step, candidate, callbackID); err != nil {
					return MigrationResult{}, fmt.Errorf("dispatch step %q for %q: %w", step.Name, candidate.Id, err)
				}

				event, stepCancelled := awaitStepCompletion(ctx, step, candidate, &results)
				if stepCancelled {
					cancelled = true
					break candidateLoop
				}

				recordLifecycleEvent(eventCtx, manifest.MigrationId, candidate.Id, step.Name,
					migrations.EventStepCompleted, string(event.Status), dispatchStart, event.Metadata)

				if api.StepStateStatus(event.Status) != api.StepStateStatusFailed {
					break
				}

				var retryCancelled bool
				candidate, retryCancelled = awaitRetryOrCancel(ctx, step, candidate)
				if retryCancelled {
					cancelled = true
					break candidateLoop
				}
				recordLifecycleEvent(eventCtx, manifest.MigrationId, candidate.Id, step.Name, migrations.EventStepRetried, "", time.Time{}, nil)
			}
		}

		manifest.Candidates[ci] = candidate
	}

	finalStatus := api.CandidateStatusCompleted
	resultStatus := resultStatusCompleted
	if cancelled {
		finalStatus = api.CandidateStatusNotStarted
		resultStatus = resultStatusCancelled
	}

	// Cleanup runs on a disconnected context so it completes even though the
	// workflow's own context may already be cancelled.
	disconnectedCtx, _ := workflow.NewDisconnectedContext(ctx)
	cleanupCtx := workflow.WithActivityOptions(disconnectedCtx, workflow.ActivityOptions{StartToCloseTimeout: 30 * time.Second})
	for _, candidate := range manifest.Candidates {
		input := UpdateCandidateStatusInput{MigrationID: manifest.MigrationId, CandidateID: candidate.Id, Status: finalStatus}
		if err := workflow.ExecuteActivity(cleanupCtx, "UpdateCandidateStatus", input).Get(cleanupCtx, nil); err != nil {
			workflow.GetLogger(ctx).Warn("failed to update candidate status on completion", "error", err, "candidateId", candidate.Id)
		}
	}

	// The final events also go through the disconnected context, since eventCtx
	// is already cancelled on the cancellation path.
	finalEventCtx := workflow.WithActivityOptions(disconnectedCtx, workflow.ActivityOptions{StartToCloseTimeout: 5 * time.Second})
	recordLifecycleEvent(finalEventCtx, manifest.MigrationId, "", "", migrations.EventRunCompleted, resultStatus, time.Time{}, nil)
	if cancelled {
		recordLifecycleEvent(finalEventCtx, manifest.MigrationId, "", "", migrations.EventRunCancelled, "", time.Time{}, nil)
	}

	return MigrationResult{MigrationId: manifest.MigrationId, Status: resultStatus, Results: results}, nil
}

// dispatchStep builds the DispatchStepRequest for one step+candidate and
// executes the DispatchStep activity. ctx must already carry ActivityOptions.
func dispatchStep(ctx workflow.Context, manifest api.MigrationManifest, step api.StepDefinition, candidate api.Candidate, callbackID string) error {
	var stepType *string
	if step.Config != nil {
		if t, ok := (*step.Config)["type"]; ok {
			stepType = &t
		}
	}
	req := api.DispatchStepRequest{
		MigrationId: manifest.MigrationId,
		StepName:    step.Name,
		Candidate:   candidate,
		Config:      step.Config,
		Type:        stepType,
		CallbackId:  callbackID,
		EventName:   migrations.StepEventName(step.Name, candidate.Id),
		MigratorApp: step.MigratorApp,
		MigratorUrl: manifest.MigratorUrl,
	}
	return workflow.ExecuteActivity(ctx, "DispatchStep", req).Get(ctx, nil)
}

// awaitStepCompletion blocks until a terminal step-completed signal arrives
// for step+candidate, or the workflow is cancelled. A pr-opened signal, or a
// step-completed signal itself carrying status=pending, updates the live
// result with a pending status (e.g. carrying a PR URL in its metadata)
// without ending the wait — only a non-pending completion status ends it.
func awaitStepCompletion(
	ctx workflow.Context,
	step api.StepDefinition,
	candidate api.Candidate,
	results *[]api.StepState,
) (api.StepStatusEvent, bool) {
	stepCh := workflow.GetSignalChannel(ctx, migrations.StepEventName(step.Name, candidate.Id))
	prCh := workflow.GetSignalChannel(ctx, migrations.PROpenedEventName(step.Name, candidate.Id))

	for {
		var event api.StepStatusEvent
		done := false
		cancelled := false

		sel := workflow.NewSelector(ctx)
		sel.AddReceive(prCh, func(c workflow.ReceiveChannel, _ bool) {
			var e api.StepStatusEvent
			c.Receive(ctx, &e)
			upsertStep(results, api.StepState{
				StepName: step.Name, Candidate: candidate,
				Status: api.StepStateStatusPending, Metadata: e.Metadata,
			})
		})
		sel.AddReceive(stepCh, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, &event)
			done = true
		})
		sel.AddReceive(ctx.Done(), func(workflow.ReceiveChannel, bool) {
			cancelled = true
		})
		sel.Select(ctx)

		if cancelled {
			return api.StepStatusEvent{}, true
		}
		if done {
			upsertStep(results, api.StepState{
				StepName: step.Name, Candidate: candidate,
				Status: api.StepStateStatus(event.Status), Metadata: event.Metadata,
			})
			if api.StepStateStatus(event.Status) == api.StepStateStatusPending {
				continue
			}
			return event, false
		}
	}
}

// awaitRetryOrCancel blocks after a failed step, waiting for either an
// update-inputs signal (which corrects the candidate's metadata without
// ending the wait) or a retry-step signal (which ends it and triggers a
// re-dispatch), or cancellation.
func awaitRetryOrCancel(ctx workflow.Context, step api.StepDefinition, candidate api.Candidate) (api.Candidate, bool) {
	retryCh := workflow.GetSignalChannel(ctx, migrations.RetryStepEventName(step.Name, candidate.Id))
	updateCh := workflow.GetSignalChannel(ctx, migrations.UpdateInputsEventName(candidate.Id))

	for {
		retried := false
		cancelled := false

		sel := workflow.NewSelector(ctx)
		sel.AddReceive(updateCh, func(c workflow.ReceiveChannel, _ bool) {
			var inputs map[string]string
			c.Receive(ctx, &inputs)
			candidate = mergeInputs(candidate, inputs)
		})
		sel.AddReceive(retryCh, func(c workflow.ReceiveChannel, _ bool) {
			var ignored any
			c.Receive(ctx, &ignored)
			retried = true
		})
		sel.AddReceive(ctx.Done(), func(workflow.ReceiveChannel, bool) {
			cancelled = true
		})
		sel.Select(ctx)

		if cancelled {
			return candidate, true
		}
		if retried {
			return candidate, false
		}
	}
}

// drainUpdateInputs applies any update-inputs signals already queued for this
// candidate without blocking, so a signal sent well before a retry is picked
// up at the next dispatch rather than lost.
func drainUpdateInputs(ctx workflow.Context, candidate api.Candidate) api.Candidate {
	ch := workflow.GetSignalChannel(ctx, migrations.UpdateInputsEventName(candidate.Id))
	for {
		var inputs map[string]string
		if !ch.ReceiveAsync(&inputs) {
			return candidate
		}
		candidate = mergeInputs(candidate, inputs)
	}
}

// mergeInputs overlays inputs onto a copy of candidate's existing metadata.
func mergeInputs(candidate api.Candidate, inputs map[string]string) api.Candidate {
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
	return candidate
}

// recordLifecycleEvent fires the RecordEvent activity for an observability
// event. Duration is measured from since using workflow.Now, never wall
// clock, so replays stay deterministic. ctx must already carry ActivityOptions.
func recordLifecycleEvent(
	ctx workflow.Context,
	migrationID, candidateID, stepName, eventType, status string,
	since time.Time,
	metadata map[string]string,
) {
	var durationMs *int
	if !since.IsZero() {
		d := int(workflow.Now(ctx).Sub(since).Milliseconds())
		durationMs = &d
	}
	event := migrations.StepEvent{
		MigrationID: migrationID,
		CandidateID: candidateID,
		StepName:    stepName,
		EventType:   eventType,
		Status:      status,
		DurationMs:  durationMs,
		Metadata:    metadata,
	}
	_ = workflow.ExecuteActivity(ctx, "RecordEvent", event).Get(ctx, nil)
}

// upsertStep updates the entry for the same step+candidate, preserving its
// prior metadata when the new entry doesn't carry any, or appends a new one.
func upsertStep(results *[]api.StepState, s api.StepState) {
	for i, existing := range *results {
		if existing.StepName == s.StepName && existing.Candidate.Id == s.Candidate.Id {
			if s.Metadata == nil {
				s.Metadata = existing.Metadata
			}
			(*results)[i] = s
			return
		}
	}
	*results = append(*results, s)
}
