package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"portraitforge/internal/domain"
	"portraitforge/internal/infra"
	"portraitforge/internal/sqlinline"
)

// Registry is the durable record of in-flight provider jobs. Status ordering
// is enforced by guards inside the SQL statements; the Go layer translates a
// rejected move into the precise reason.
type Registry struct {
	sql    infra.SQLExecutor
	logger infra.Logger
}

func New(sql infra.SQLExecutor, logger infra.Logger) *Registry {
	return &Registry{sql: sql, logger: logger}
}

// Create inserts a new job in Pending state.
func (r *Registry) Create(ctx context.Context, kind domain.JobKind, ownerUserID, reservationID, pendingRequestID string, payload []byte) (*domain.Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	job := &domain.Job{
		ID:               uuid.NewString(),
		Kind:             kind,
		OwnerUserID:      ownerUserID,
		Status:           domain.JobStatusPending,
		ReservationID:    reservationID,
		PendingRequestID: pendingRequestID,
		Payload:          payload,
		CreatedAt:        time.Now(),
	}
	_, err := r.sql.Exec(ctx, sqlinline.QInsertJob,
		job.ID, string(job.Kind), job.OwnerUserID, job.ReservationID, job.PendingRequestID, nullableBytes(job.Payload))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// BindProviderJob records the provider's job id and moves the job to
// Submitted. The id is written at most once; re-binding the same id is a
// harmless duplicate, anything else is an error.
func (r *Registry) BindProviderJob(ctx context.Context, jobID, providerJobID string) error {
	row := r.sql.QueryRow(ctx, sqlinline.QBindProviderJob, jobID, providerJobID)
	var id string
	err := row.Scan(&id)
	if err == nil {
		return nil
	}
	if !infra.IsNoRows(err) {
		return fmt.Errorf("bind provider job: %w", err)
	}

	job, getErr := r.GetByID(ctx, jobID)
	if getErr != nil {
		return getErr
	}
	if job.ProviderJobID == providerJobID {
		return nil
	}
	if job.ProviderJobID != "" {
		return fmt.Errorf("job %s already bound to provider job %s: %w", jobID, job.ProviderJobID, domain.ErrInvalidTransition)
	}
	if job.Status.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	return domain.ErrInvalidTransition
}

// Transition advances a job's status. A rejected move against a terminal job
// returns ErrAlreadyTerminal so callers can treat duplicate terminal
// deliveries as benign.
func (r *Registry) Transition(ctx context.Context, jobID string, status domain.JobStatus, resultRefs []string, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q: %w", status, domain.ErrInvalidTransition)
	}
	row := r.sql.QueryRow(ctx, sqlinline.QTransitionJob, jobID, string(status), nullableRefs(resultRefs), errMsg)
	var applied string
	err := row.Scan(&applied)
	if err == nil {
		return nil
	}
	if !infra.IsNoRows(err) {
		return fmt.Errorf("transition job %s to %s: %w", jobID, status, err)
	}

	job, getErr := r.GetByID(ctx, jobID)
	if getErr != nil {
		return getErr
	}
	if job.Status.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	return fmt.Errorf("cannot move job %s from %s to %s: %w", jobID, job.Status, status, domain.ErrInvalidTransition)
}

// GetByID fetches a job by its identifier.
func (r *Registry) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	return r.scanOne(r.sql.QueryRow(ctx, sqlinline.QSelectJobByID, jobID))
}

// GetByProviderJobID resolves a job from the id the provider reports in
// webhooks and poll responses.
func (r *Registry) GetByProviderJobID(ctx context.Context, providerJobID string) (*domain.Job, error) {
	return r.scanOne(r.sql.QueryRow(ctx, sqlinline.QSelectJobByProviderID, providerJobID))
}

// GetForUser fetches a job scoped to its owner.
func (r *Registry) GetForUser(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	return r.scanOne(r.sql.QueryRow(ctx, sqlinline.QSelectJobForUser, jobID, userID))
}

// ListPollable returns non-terminal submitted jobs older than the grace
// period, oldest first.
func (r *Registry) ListPollable(ctx context.Context, grace time.Duration, limit int) ([]domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectPollableJobs, int(grace/time.Second), limit)
	if err != nil {
		return nil, fmt.Errorf("list pollable jobs: %w", err)
	}
	defer rows.Close()
	return scanSweepJobs(rows, true)
}

// ListStuck returns non-terminal jobs older than maxAge for monitoring.
func (r *Registry) ListStuck(ctx context.Context, maxAge time.Duration, limit int) ([]domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectStuckJobs, int(maxAge/time.Second), limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()
	return scanSweepJobs(rows, false)
}

// ListPromotable returns ids of terminal training jobs whose queued
// generation is still pending.
func (r *Registry) ListPromotable(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectTrainingWithQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("list promotable trainings: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UnsettledJob pairs a terminal job with its still-unresolved reservation.
type UnsettledJob struct {
	JobID         string
	Status        domain.JobStatus
	ReservationID string
}

// ListUnsettled returns terminal jobs whose reservations were never resolved.
func (r *Registry) ListUnsettled(ctx context.Context, limit int) ([]UnsettledJob, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectUnsettledTerminal, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsettled jobs: %w", err)
	}
	defer rows.Close()
	var out []UnsettledJob
	for rows.Next() {
		var u UnsettledJob
		var status string
		if err := rows.Scan(&u.JobID, &status, &u.ReservationID); err != nil {
			return nil, err
		}
		u.Status = domain.JobStatus(status)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *Registry) scanOne(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var kind, status string
	if err := row.Scan(
		&job.ID,
		&kind,
		&job.OwnerUserID,
		&status,
		&job.ProviderJobID,
		&job.ReservationID,
		&job.PendingRequestID,
		&job.Payload,
		&job.ResultRefs,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	return &job, nil
}

func scanSweepJobs(rows pgx.Rows, withReservation bool) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		var job domain.Job
		var kind, status string
		var err error
		if withReservation {
			err = rows.Scan(&job.ID, &kind, &job.OwnerUserID, &status, &job.ProviderJobID, &job.ReservationID, &job.PendingRequestID, &job.CreatedAt)
		} else {
			err = rows.Scan(&job.ID, &kind, &job.OwnerUserID, &status, &job.ProviderJobID, &job.CreatedAt)
		}
		if err != nil {
			return nil, err
		}
		job.Kind = domain.JobKind(kind)
		job.Status = domain.JobStatus(status)
		out = append(out, job)
	}
	return out, rows.Err()
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableRefs(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	return refs
}
