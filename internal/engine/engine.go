// Package engine orchestrates the job lifecycle: credit reservation, provider
// submission, terminal settlement and the background sweeps that cover missed
// webhook deliveries. Settlement of a terminal event runs as one SQL statement
// so a job transition and its reservation resolution can never diverge.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"portraitforge/internal/domain"
	"portraitforge/internal/infra"
	"portraitforge/internal/ledger"
	"portraitforge/internal/notify"
	"portraitforge/internal/provider"
	"portraitforge/internal/registry"
	"portraitforge/internal/sqlinline"
)

const sweepBatchSize = 50

// StartParams describes a job start request. Payload carries the provider
// spec as JSON and is decoded at submit time. Queued, valid only on training
// jobs, holds a generation request to run automatically once the training
// succeeds.
type StartParams struct {
	Kind           domain.JobKind
	CreditCost     int
	WeeklyEligible bool
	Payload        json.RawMessage
	Queued         *StartParams
}

// ProviderEvent is a normalized provider status report, arriving either from
// a webhook delivery or from the polling sweep. Both paths converge on
// HandleProviderEvent and must be safe in any order.
type ProviderEvent struct {
	ProviderJobID string
	Status        provider.Status
	ResultRefs    []string
	Error         string
}

// Engine coordinates the ledger, the job registry and the provider client.
type Engine struct {
	sql           infra.SQLExecutor
	registry      *registry.Registry
	ledger        *ledger.Ledger
	client        provider.Client
	sink          notify.Sink
	weeklyCap     int
	submitTimeout time.Duration
	pollGrace     time.Duration
	stuckMaxAge   time.Duration
	logger        infra.Logger
}

func New(sql infra.SQLExecutor, reg *registry.Registry, led *ledger.Ledger, client provider.Client, sink notify.Sink, cfg *infra.Config, logger infra.Logger) *Engine {
	return &Engine{
		sql:           sql,
		registry:      reg,
		ledger:        led,
		client:        client,
		sink:          sink,
		weeklyCap:     cfg.WeeklyCreditCap,
		submitTimeout: cfg.ProviderTimeout,
		pollGrace:     cfg.PollGrace,
		stuckMaxAge:   cfg.StuckJobMaxAge,
		logger:        logger,
	}
}

// StartJob reserves credits, records the job and submits it to the provider.
// Insufficient credit fails before anything is persisted. A submission
// timeout or provider outage leaves the job in Submitted without a provider
// id; the stuck monitor surfaces it rather than dropping it, because the
// request may have reached the provider.
func (e *Engine) StartJob(ctx context.Context, userID string, params StartParams) (*domain.Job, error) {
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("unknown job kind %q", params.Kind)
	}
	if params.Queued != nil && params.Kind != domain.JobKindTraining {
		return nil, fmt.Errorf("only training jobs may queue a follow-up request")
	}

	reservationID, err := e.ledger.Reserve(ctx, userID, params.CreditCost, params.WeeklyEligible, params.Kind)
	if err != nil {
		return nil, err
	}

	pendingRequestID := ""
	if params.Queued != nil {
		queued, err := e.createQueued(ctx, userID, *params.Queued)
		if err != nil {
			if relErr := e.ledger.Release(ctx, reservationID); relErr != nil {
				e.logger.Error().Err(relErr).Str("reservation_id", reservationID).
					Msg("release after queued-job failure")
			}
			return nil, err
		}
		pendingRequestID = queued.ID
	}

	job, err := e.registry.Create(ctx, params.Kind, userID, reservationID, pendingRequestID, params.Payload)
	if err != nil {
		if relErr := e.ledger.Release(ctx, reservationID); relErr != nil {
			e.logger.Error().Err(relErr).Str("reservation_id", reservationID).
				Msg("release after create failure")
		}
		return nil, err
	}

	if err := e.submit(ctx, job); err != nil {
		return nil, err
	}
	return e.registry.GetByID(ctx, job.ID)
}

// createQueued records a generation job that waits, unsubmitted, for its
// training job to succeed. It holds its own reservation from the start so a
// later promotion cannot fail on insufficient credit.
func (e *Engine) createQueued(ctx context.Context, userID string, params StartParams) (*domain.Job, error) {
	if params.Kind != domain.JobKindGeneration {
		return nil, fmt.Errorf("queued request must be a generation job, got %q", params.Kind)
	}
	reservationID, err := e.ledger.Reserve(ctx, userID, params.CreditCost, params.WeeklyEligible, params.Kind)
	if err != nil {
		return nil, err
	}
	job, err := e.registry.Create(ctx, params.Kind, userID, reservationID, "", params.Payload)
	if err != nil {
		if relErr := e.ledger.Release(ctx, reservationID); relErr != nil {
			e.logger.Error().Err(relErr).Str("reservation_id", reservationID).
				Msg("release after queued create failure")
		}
		return nil, err
	}
	return job, nil
}

// submit sends the job to the provider under a bounded timeout and binds the
// returned provider id. A definite rejection settles the job as failed with a
// refund; an outage or timeout leaves it Submitted for the sweeps.
func (e *Engine) submit(ctx context.Context, job *domain.Job) error {
	subCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()

	var providerJobID string
	var err error
	switch job.Kind {
	case domain.JobKindTraining:
		var spec provider.TrainingSpec
		if decErr := json.Unmarshal(job.Payload, &spec); decErr != nil {
			err = fmt.Errorf("decode training payload: %w", decErr)
		} else {
			providerJobID, err = e.client.SubmitTraining(subCtx, spec)
		}
	case domain.JobKindGeneration:
		var spec provider.GenerationSpec
		if decErr := json.Unmarshal(job.Payload, &spec); decErr != nil {
			err = fmt.Errorf("decode generation payload: %w", decErr)
		} else {
			providerJobID, err = e.client.SubmitGeneration(subCtx, spec)
		}
	}

	if err != nil {
		if errors.Is(err, domain.ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn().Err(err).Str("job_id", job.ID).
				Msg("submit did not confirm, leaving job for the sweeps")
			if trErr := e.registry.Transition(ctx, job.ID, domain.JobStatusSubmitted, nil, ""); trErr != nil {
				e.logger.Error().Err(trErr).Str("job_id", job.ID).Msg("mark unconfirmed submit")
			}
			return nil
		}
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("provider rejected submission")
		if _, _, setErr := e.settleRelease(ctx, job.ID, domain.JobStatusFailed, err.Error()); setErr != nil {
			e.logger.Error().Err(setErr).Str("job_id", job.ID).Msg("settle rejected submission")
		}
		return err
	}

	if err := e.registry.BindProviderJob(ctx, job.ID, providerJobID); err != nil {
		return fmt.Errorf("bind provider job: %w", err)
	}
	return nil
}

// HandleProviderEvent applies a provider status report. Unknown jobs and
// unknown statuses are dropped with a log line; duplicate terminal reports
// are benign no-ops. Terminal settlement is a single statement, so retrying
// the whole handler after a failure cannot partially apply.
func (e *Engine) HandleProviderEvent(ctx context.Context, evt ProviderEvent) error {
	if evt.ProviderJobID == "" {
		e.logger.Warn().Msg("provider event without job id dropped")
		return nil
	}
	job, err := e.registry.GetByProviderJobID(ctx, evt.ProviderJobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Info().Str("provider_job_id", evt.ProviderJobID).
				Msg("provider event for unknown job dropped")
			return nil
		}
		return fmt.Errorf("resolve provider job %s: %w", evt.ProviderJobID, err)
	}

	status, ok := evt.Status.JobStatus()
	if !ok {
		e.logger.Warn().Str("job_id", job.ID).Str("provider_status", string(evt.Status)).
			Msg("unknown provider status dropped")
		return nil
	}

	if !status.Terminal() {
		err := e.registry.Transition(ctx, job.ID, status, nil, "")
		if err != nil && !errors.Is(err, domain.ErrAlreadyTerminal) && !errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
		return nil
	}

	var applied bool
	if status == domain.JobStatusSucceeded {
		applied, err = e.settleSuccess(ctx, job.ID, evt.ResultRefs)
	} else {
		applied, _, err = e.settleRelease(ctx, job.ID, status, evt.Error)
	}
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Debug().Str("job_id", job.ID).Str("status", string(status)).
			Msg("duplicate terminal event ignored")
		return nil
	}

	finished, err := e.registry.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	e.sink.JobFinished(ctx, finished)

	if finished.Kind == domain.JobKindTraining && finished.PendingRequestID != "" {
		if finished.Status == domain.JobStatusSucceeded {
			e.promoteQueued(ctx, finished)
		} else {
			// The queued generation holds its own reservation and will
			// never run without a trained model.
			e.releaseQueued(ctx, finished)
		}
	}
	return nil
}

// settleSuccess transitions the job to succeeded and resolves its reservation
// in one statement. It reports whether the transition applied; false means a
// terminal state already stood.
func (e *Engine) settleSuccess(ctx context.Context, jobID string, resultRefs []string) (bool, error) {
	var refs []string
	if len(resultRefs) > 0 {
		refs = resultRefs
	}
	row := e.sql.QueryRow(ctx, sqlinline.QSettleJobSuccess, jobID, refs)
	var jobDone, settled int
	if err := row.Scan(&jobDone, &settled); err != nil {
		return false, fmt.Errorf("settle job %s success: %w", jobID, err)
	}
	if jobDone > 0 && settled == 0 {
		e.logger.Warn().Str("job_id", jobID).Msg("job settled without an open reservation")
	}
	return jobDone > 0, nil
}

// settleRelease transitions the job to the given terminal state, resolves the
// reservation and refunds the pools it was debited from, all in one statement.
func (e *Engine) settleRelease(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) (applied, refunded bool, err error) {
	row := e.sql.QueryRow(ctx, sqlinline.QSettleJobRelease, jobID, string(status), errMsg, e.weeklyCap)
	var jobDone, refundCount int
	if err := row.Scan(&jobDone, &refundCount); err != nil {
		return false, false, fmt.Errorf("settle job %s release: %w", jobID, err)
	}
	return jobDone > 0, refundCount > 0, nil
}

// CancelJob cancels one of the user's non-terminal jobs and refunds its
// reservation. The provider is told first; a job the provider no longer knows
// about is cancelled locally anyway. A terminal webhook winning the race
// leaves the job in the state it produced.
func (e *Engine) CancelJob(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	job, err := e.registry.GetForUser(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	if job.ProviderJobID != "" {
		cancelCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
		defer cancel()
		if err := e.client.CancelJob(cancelCtx, job.ProviderJobID); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("cancel provider job %s: %w", job.ProviderJobID, err)
			}
		}
	}

	applied, _, err := e.settleRelease(ctx, job.ID, domain.JobStatusCancelled, "cancelled by user")
	if err != nil {
		return nil, err
	}
	cancelled, err := e.registry.GetByID(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if applied {
		e.sink.JobFinished(ctx, cancelled)
		if cancelled.Kind == domain.JobKindTraining && cancelled.PendingRequestID != "" {
			e.releaseQueued(ctx, cancelled)
		}
	}
	return cancelled, nil
}

// releaseQueued cancels the generation job queued behind a training job that
// will never produce its model, refunding the reservation the queued job has
// held since training start. A failure here is retried by PromoteSweep.
func (e *Engine) releaseQueued(ctx context.Context, training *domain.Job) {
	reason := "training " + string(training.Status)
	applied, _, err := e.settleRelease(ctx, training.PendingRequestID, domain.JobStatusCancelled, reason)
	if err != nil {
		e.logger.Error().Err(err).
			Str("job_id", training.PendingRequestID).
			Str("training_job_id", training.ID).
			Msg("release queued generation")
		return
	}
	if !applied {
		return
	}
	queued, err := e.registry.GetByID(ctx, training.PendingRequestID)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", training.PendingRequestID).Msg("load released queued generation")
		return
	}
	e.sink.JobFinished(ctx, queued)
}

// promoteQueued submits the generation job that was waiting behind a training
// job. The trained model version arrives as the training job's first result
// ref. Failures are logged and retried by PromoteSweep; the queued job
// already holds its reservation.
func (e *Engine) promoteQueued(ctx context.Context, training *domain.Job) {
	queued, err := e.registry.GetByID(ctx, training.PendingRequestID)
	if err != nil {
		e.logger.Error().Err(err).
			Str("job_id", training.ID).
			Str("pending_request_id", training.PendingRequestID).
			Msg("load queued generation")
		return
	}
	if queued.Status != domain.JobStatusPending {
		return
	}

	var spec provider.GenerationSpec
	if err := json.Unmarshal(queued.Payload, &spec); err != nil {
		e.logger.Error().Err(err).Str("job_id", queued.ID).Msg("decode queued generation payload")
		return
	}
	if spec.ModelVersion == "" && len(training.ResultRefs) > 0 {
		spec.ModelVersion = training.ResultRefs[0]
	}

	subCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()
	providerJobID, err := e.client.SubmitGeneration(subCtx, spec)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", queued.ID).Msg("promote queued generation")
		return
	}
	if err := e.registry.BindProviderJob(ctx, queued.ID, providerJobID); err != nil {
		e.logger.Error().Err(err).Str("job_id", queued.ID).Msg("bind promoted generation")
		return
	}
	e.logger.Info().
		Str("job_id", queued.ID).
		Str("training_job_id", training.ID).
		Str("provider_job_id", providerJobID).
		Msg("queued generation promoted")
}

// PollSweep asks the provider for the status of every non-terminal job older
// than the grace period and feeds each answer through HandleProviderEvent.
// This gives at-least-once terminal delivery when a webhook never arrives. A
// provider outage stops the sweep early; the next tick retries.
func (e *Engine) PollSweep(ctx context.Context) error {
	jobs, err := e.registry.ListPollable(ctx, e.pollGrace, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		state, err := e.client.GetJobStatus(ctx, job.ProviderJobID)
		if err != nil {
			if errors.Is(err, domain.ErrProviderUnavailable) {
				e.logger.Warn().Err(err).Msg("provider unavailable, stopping poll sweep")
				return err
			}
			if errors.Is(err, domain.ErrNotFound) {
				e.logger.Warn().Str("job_id", job.ID).Str("provider_job_id", job.ProviderJobID).
					Msg("provider no longer knows this job")
				continue
			}
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("poll job status")
			continue
		}
		evt := ProviderEvent{
			ProviderJobID: job.ProviderJobID,
			Status:        state.Status,
			ResultRefs:    state.ResultRefs,
			Error:         state.Error,
		}
		if err := e.HandleProviderEvent(ctx, evt); err != nil {
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("apply polled status")
		}
	}
	return nil
}

// PromoteSweep retries the completion side effect for terminal training jobs
// whose queued generation is still pending: a provider outage during the
// original promotion, or a failed release, leaves the queued job waiting with
// its reservation held. Succeeded trainings get their generation submitted,
// failed and cancelled ones get it released.
func (e *Engine) PromoteSweep(ctx context.Context) error {
	ids, err := e.registry.ListPromotable(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		training, err := e.registry.GetByID(ctx, id)
		if err != nil {
			e.logger.Error().Err(err).Str("job_id", id).Msg("load training for promotion")
			continue
		}
		if training.Status == domain.JobStatusSucceeded {
			e.promoteQueued(ctx, training)
		} else {
			e.releaseQueued(ctx, training)
		}
	}
	return nil
}

// ReconcileSweep resettles terminal jobs whose reservations were left
// unresolved, which can only happen through operator intervention or a
// historical bug: the settlement statements resolve both sides together.
// Commit and Release are idempotent, so re-running is always safe.
func (e *Engine) ReconcileSweep(ctx context.Context) error {
	pairs, err := e.registry.ListUnsettled(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		var err error
		if p.Status == domain.JobStatusSucceeded {
			err = e.ledger.Commit(ctx, p.ReservationID)
		} else {
			err = e.ledger.Release(ctx, p.ReservationID)
		}
		if err != nil {
			e.logger.Error().Err(err).
				Str("job_id", p.JobID).
				Str("reservation_id", p.ReservationID).
				Msg("reconcile reservation")
			continue
		}
		e.logger.Info().
			Str("job_id", p.JobID).
			Str("status", string(p.Status)).
			Str("reservation_id", p.ReservationID).
			Msg("reconciled orphaned reservation")
	}
	return nil
}

// StuckSweep reports non-terminal jobs older than the configured threshold.
// It never auto-fails them: the provider may still be working, and a wrong
// guess here would double-settle once the real terminal event lands.
func (e *Engine) StuckSweep(ctx context.Context) error {
	jobs, err := e.registry.ListStuck(ctx, e.stuckMaxAge, sweepBatchSize)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range jobs {
		job := &jobs[i]
		e.sink.JobStuck(ctx, job, int64(now.Sub(job.CreatedAt)/time.Second))
	}
	return nil
}
