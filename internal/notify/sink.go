// Package notify delivers job lifecycle signals to downstream consumers.
// The orchestration engine calls it after a job reaches a terminal state
// and when the stuck monitor flags a job; delivery failures are logged and
// never propagate back into settlement.
package notify

import (
	"context"

	"portraitforge/internal/domain"
	"portraitforge/internal/infra"
	"portraitforge/internal/sqlinline"
)

// Sink receives job lifecycle notifications.
type Sink interface {
	JobFinished(ctx context.Context, job *domain.Job)
	JobStuck(ctx context.Context, job *domain.Job, ageSeconds int64)
}

// LogSink writes notifications to the structured log. It is the default
// sink when no other channel is configured.
type LogSink struct {
	Logger infra.Logger
}

func (s *LogSink) JobFinished(_ context.Context, job *domain.Job) {
	s.Logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("status", string(job.Status)).
		Int("result_count", len(job.ResultRefs)).
		Msg("job finished")
}

func (s *LogSink) JobStuck(_ context.Context, job *domain.Job, ageSeconds int64) {
	s.Logger.Warn().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("status", string(job.Status)).
		Int64("age_seconds", ageSeconds).
		Msg("job stuck past threshold")
}

// EventSink records notifications as usage events for analytics.
type EventSink struct {
	SQL    infra.SQLExecutor
	Logger infra.Logger
}

func (s *EventSink) JobFinished(ctx context.Context, job *domain.Job) {
	s.record(ctx, job, "job_finished", job.Status == domain.JobStatusSucceeded)
}

func (s *EventSink) JobStuck(ctx context.Context, job *domain.Job, _ int64) {
	s.record(ctx, job, "job_stuck", false)
}

func (s *EventSink) record(ctx context.Context, job *domain.Job, eventType string, success bool) {
	props := map[string]any{"kind": string(job.Kind), "status": string(job.Status)}
	if _, err := s.SQL.Exec(ctx, sqlinline.QInsertUsageEvent,
		job.OwnerUserID, job.ID, eventType, success, props); err != nil {
		s.Logger.Error().Err(err).Str("job_id", job.ID).Str("event", eventType).
			Msg("record usage event")
	}
}

// MultiSink fans a notification out to every configured sink.
type MultiSink []Sink

func (m MultiSink) JobFinished(ctx context.Context, job *domain.Job) {
	for _, s := range m {
		s.JobFinished(ctx, job)
	}
}

func (m MultiSink) JobStuck(ctx context.Context, job *domain.Job, ageSeconds int64) {
	for _, s := range m {
		s.JobStuck(ctx, job, ageSeconds)
	}
}
