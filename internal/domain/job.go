package domain

import "time"

// JobKind enumerates the categories of provider work.
type JobKind string

const (
	JobKindTraining   JobKind = "training"
	JobKindGeneration JobKind = "generation"
)

// Valid reports whether the kind is one of the known variants.
func (k JobKind) Valid() bool {
	return k == JobKindTraining || k == JobKindGeneration
}

// JobStatus enumerates job lifecycle states. The lifecycle is strictly
// forward-moving: Pending -> Submitted -> InProgress -> terminal.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

var statusRank = map[JobStatus]int{
	JobStatusPending:    0,
	JobStatusSubmitted:  1,
	JobStatusInProgress: 2,
	JobStatusSucceeded:  3,
	JobStatusFailed:     3,
	JobStatusCancelled:  3,
}

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s JobStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next respects the state
// machine. Any non-terminal state may jump straight to a terminal one
// (failures can happen at any stage), but progress never moves backwards
// and terminal states never change.
func (s JobStatus) CanAdvanceTo(next JobStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// Job is the durable record of an in-flight provider job.
type Job struct {
	ID               string
	Kind             JobKind
	OwnerUserID      string
	Status           JobStatus
	ProviderJobID    string
	ReservationID    string
	PendingRequestID string
	Payload          []byte
	ResultRefs       []string
	ErrorMessage     string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}
