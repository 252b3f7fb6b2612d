package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"portraitforge/internal/domain"
	"portraitforge/internal/infra"
	"portraitforge/internal/ledger"
	"portraitforge/internal/provider"
	"portraitforge/internal/registry"
	"portraitforge/internal/sqlinline"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type stubRows struct {
	scans []func(dest ...any) error
	i     int
}

func (r *stubRows) Next() bool {
	if r.i >= len(r.scans) {
		return false
	}
	r.i++
	return true
}

func (r *stubRows) Scan(dest ...any) error           { return r.scans[r.i-1](dest...) }
func (r *stubRows) Close()                           {}
func (r *stubRows) Err() error                       { return nil }
func (r *stubRows) CommandTag() pgconn.CommandTag    { return pgconn.CommandTag{} }
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) Values() ([]any, error)           { return nil, nil }
func (r *stubRows) RawValues() [][]byte              { return nil }
func (r *stubRows) Conn() *pgx.Conn                  { return nil }

// fakeCore mirrors the job, balance and reservation statements in memory so
// the whole engine path runs without a database.
type fakeCore struct {
	mu           sync.Mutex
	jobs         map[string]*domain.Job
	jobOrder     []string
	balances     map[string]*domain.CreditBalance
	reservations map[string]*domain.Reservation
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		jobs:         make(map[string]*domain.Job),
		balances:     make(map[string]*domain.CreditBalance),
		reservations: make(map[string]*domain.Reservation),
	}
}

func (f *fakeCore) seedBalance(userID string, weekly, purchased int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = &domain.CreditBalance{
		UserID:           userID,
		WeeklyCredits:    weekly,
		PurchasedCredits: purchased,
		LastWeeklyReset:  time.Now(),
	}
}

func (f *fakeCore) balance(userID string) domain.CreditBalance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.balances[userID]
}

func (f *fakeCore) job(id string) domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeCore) onlyJob() domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobOrder) != 1 {
		panic(fmt.Sprintf("expected exactly one job, have %d", len(f.jobOrder)))
	}
	return *f.jobs[f.jobOrder[0]]
}

func (f *fakeCore) age(jobID string, by time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].CreatedAt = f.jobs[jobID].CreatedAt.Add(-by)
}

func (f *fakeCore) findByProvider(providerJobID string) *domain.Job {
	for _, id := range f.jobOrder {
		if f.jobs[id].ProviderJobID == providerJobID {
			return f.jobs[id]
		}
	}
	return nil
}

func (f *fakeCore) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch query {
	case sqlinline.QApplyWeeklyReset:
		userID := args[0].(string)
		cap := args[1].(int)
		if _, ok := f.balances[userID]; !ok {
			f.balances[userID] = &domain.CreditBalance{
				UserID:          userID,
				WeeklyCredits:   cap,
				LastWeeklyReset: time.Now(),
			}
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case sqlinline.QInsertJob:
		job := &domain.Job{
			ID:               args[0].(string),
			Kind:             domain.JobKind(args[1].(string)),
			OwnerUserID:      args[2].(string),
			Status:           domain.JobStatusPending,
			ReservationID:    args[3].(string),
			PendingRequestID: args[4].(string),
			CreatedAt:        time.Now(),
		}
		if b, ok := args[5].([]byte); ok {
			job.Payload = b
		}
		f.jobs[job.ID] = job
		f.jobOrder = append(f.jobOrder, job.ID)
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case sqlinline.QCommitReservation:
		r, ok := f.reservations[args[0].(string)]
		if !ok || r.Resolved {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		r.Resolved = true
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case sqlinline.QReleaseReservation:
		r, ok := f.reservations[args[0].(string)]
		if !ok || r.Resolved {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		r.Resolved = true
		f.refund(r, args[1].(int))
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unsupported exec: %s", query)
}

func (f *fakeCore) refund(r *domain.Reservation, cap int) {
	b := f.balances[r.UserID]
	b.WeeklyCredits += r.WeeklyPart
	if b.WeeklyCredits > cap {
		b.WeeklyCredits = cap
	}
	b.PurchasedCredits += r.PurchasedPart
}

func (f *fakeCore) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch query {
	case sqlinline.QReserveCredits:
		userID := args[0].(string)
		amount := args[1].(int)
		allowWeekly := args[2].(bool)
		weeklyFirst := args[3].(bool)
		reservationID := args[4].(string)

		b, ok := f.balances[userID]
		if !ok {
			return stubRow{}
		}
		available := b.PurchasedCredits
		if allowWeekly {
			available += b.WeeklyCredits
		}
		if available < amount {
			return stubRow{}
		}
		weeklyPart, purchasedPart := domain.SplitDebit(amount, b.WeeklyCredits, b.PurchasedCredits, allowWeekly, weeklyFirst)
		b.WeeklyCredits -= weeklyPart
		b.PurchasedCredits -= purchasedPart
		f.reservations[reservationID] = &domain.Reservation{
			ID:            reservationID,
			UserID:        userID,
			Amount:        amount,
			WeeklyPart:    weeklyPart,
			PurchasedPart: purchasedPart,
		}
		return stubRow{scan: func(dest ...any) error {
			*(dest[0].(*string)) = reservationID
			return nil
		}}

	case sqlinline.QBindProviderJob:
		job, ok := f.jobs[args[0].(string)]
		if !ok || job.ProviderJobID != "" || job.Status != domain.JobStatusPending {
			return stubRow{}
		}
		job.ProviderJobID = args[1].(string)
		job.Status = domain.JobStatusSubmitted
		return stubRow{scan: func(dest ...any) error {
			*(dest[0].(*string)) = job.ID
			return nil
		}}

	case sqlinline.QTransitionJob:
		job, ok := f.jobs[args[0].(string)]
		next := domain.JobStatus(args[1].(string))
		if !ok || !job.Status.CanAdvanceTo(next) {
			return stubRow{}
		}
		job.Status = next
		if refs, _ := args[2].([]string); len(refs) > 0 {
			job.ResultRefs = refs
		}
		if msg := args[3].(string); msg != "" {
			job.ErrorMessage = msg
		}
		return stubRow{scan: func(dest ...any) error {
			*(dest[0].(*string)) = string(next)
			return nil
		}}

	case sqlinline.QSelectJobByID:
		job, ok := f.jobs[args[0].(string)]
		if !ok {
			return stubRow{}
		}
		return stubRow{scan: scanJobInto(*job)}

	case sqlinline.QSelectJobByProviderID:
		job := f.findByProvider(args[0].(string))
		if job == nil {
			return stubRow{}
		}
		return stubRow{scan: scanJobInto(*job)}

	case sqlinline.QSelectJobForUser:
		job, ok := f.jobs[args[0].(string)]
		if !ok || job.OwnerUserID != args[1].(string) {
			return stubRow{}
		}
		return stubRow{scan: scanJobInto(*job)}

	case sqlinline.QSettleJobSuccess:
		job, ok := f.jobs[args[0].(string)]
		jobDone, settled := 0, 0
		if ok && !job.Status.Terminal() {
			job.Status = domain.JobStatusSucceeded
			if refs, _ := args[1].([]string); len(refs) > 0 {
				job.ResultRefs = refs
			}
			jobDone = 1
			if r, ok := f.reservations[job.ReservationID]; ok && !r.Resolved {
				r.Resolved = true
				settled = 1
			}
		}
		return stubRow{scan: func(dest ...any) error {
			*(dest[0].(*int)) = jobDone
			*(dest[1].(*int)) = settled
			return nil
		}}

	case sqlinline.QSettleJobRelease:
		job, ok := f.jobs[args[0].(string)]
		jobDone, refunded := 0, 0
		if ok && !job.Status.Terminal() {
			job.Status = domain.JobStatus(args[1].(string))
			if msg := args[2].(string); msg != "" {
				job.ErrorMessage = msg
			}
			jobDone = 1
			if r, ok := f.reservations[job.ReservationID]; ok && !r.Resolved {
				r.Resolved = true
				f.refund(r, args[3].(int))
				refunded = 1
			}
		}
		return stubRow{scan: func(dest ...any) error {
			*(dest[0].(*int)) = jobDone
			*(dest[1].(*int)) = refunded
			return nil
		}}
	}
	return stubRow{scan: func(...any) error { return fmt.Errorf("unsupported query: %s", query) }}
}

func (f *fakeCore) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch query {
	case sqlinline.QSelectPollableJobs:
		cutoff := time.Now().Add(-time.Duration(args[0].(int)) * time.Second)
		var scans []func(dest ...any) error
		for _, id := range f.jobOrder {
			job := *f.jobs[id]
			if job.Status.Terminal() || job.ProviderJobID == "" || job.CreatedAt.After(cutoff) {
				continue
			}
			scans = append(scans, func(dest ...any) error {
				*(dest[0].(*string)) = job.ID
				*(dest[1].(*string)) = string(job.Kind)
				*(dest[2].(*string)) = job.OwnerUserID
				*(dest[3].(*string)) = string(job.Status)
				*(dest[4].(*string)) = job.ProviderJobID
				*(dest[5].(*string)) = job.ReservationID
				*(dest[6].(*string)) = job.PendingRequestID
				*(dest[7].(*time.Time)) = job.CreatedAt
				return nil
			})
		}
		return &stubRows{scans: scans}, nil

	case sqlinline.QSelectStuckJobs:
		cutoff := time.Now().Add(-time.Duration(args[0].(int)) * time.Second)
		var scans []func(dest ...any) error
		for _, id := range f.jobOrder {
			job := *f.jobs[id]
			if job.Status.Terminal() || job.CreatedAt.After(cutoff) {
				continue
			}
			scans = append(scans, func(dest ...any) error {
				*(dest[0].(*string)) = job.ID
				*(dest[1].(*string)) = string(job.Kind)
				*(dest[2].(*string)) = job.OwnerUserID
				*(dest[3].(*string)) = string(job.Status)
				*(dest[4].(*string)) = job.ProviderJobID
				*(dest[5].(*time.Time)) = job.CreatedAt
				return nil
			})
		}
		return &stubRows{scans: scans}, nil

	case sqlinline.QSelectTrainingWithQueued:
		var scans []func(dest ...any) error
		for _, id := range f.jobOrder {
			job := *f.jobs[id]
			if job.Kind != domain.JobKindTraining || !job.Status.Terminal() || job.PendingRequestID == "" {
				continue
			}
			queued, ok := f.jobs[job.PendingRequestID]
			if !ok || queued.Status != domain.JobStatusPending || queued.ProviderJobID != "" {
				continue
			}
			trainingID := job.ID
			scans = append(scans, func(dest ...any) error {
				*(dest[0].(*string)) = trainingID
				return nil
			})
		}
		return &stubRows{scans: scans}, nil

	case sqlinline.QSelectUnsettledTerminal:
		var scans []func(dest ...any) error
		for _, id := range f.jobOrder {
			job := *f.jobs[id]
			r, ok := f.reservations[job.ReservationID]
			if !job.Status.Terminal() || !ok || r.Resolved {
				continue
			}
			resID := r.ID
			scans = append(scans, func(dest ...any) error {
				*(dest[0].(*string)) = job.ID
				*(dest[1].(*string)) = string(job.Status)
				*(dest[2].(*string)) = resID
				return nil
			})
		}
		return &stubRows{scans: scans}, nil
	}
	return nil, fmt.Errorf("unsupported query: %s", query)
}

func scanJobInto(job domain.Job) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = job.ID
		*(dest[1].(*string)) = string(job.Kind)
		*(dest[2].(*string)) = job.OwnerUserID
		*(dest[3].(*string)) = string(job.Status)
		*(dest[4].(*string)) = job.ProviderJobID
		*(dest[5].(*string)) = job.ReservationID
		*(dest[6].(*string)) = job.PendingRequestID
		*(dest[7].(*[]byte)) = job.Payload
		*(dest[8].(*[]string)) = job.ResultRefs
		*(dest[9].(*string)) = job.ErrorMessage
		*(dest[10].(*time.Time)) = job.CreatedAt
		*(dest[11].(**time.Time)) = job.StartedAt
		*(dest[12].(**time.Time)) = job.CompletedAt
		*(dest[13].(*time.Time)) = job.UpdatedAt
		return nil
	}
}

var _ infra.SQLExecutor = (*fakeCore)(nil)

// fakeProvider is an in-memory provider client.
type fakeProvider struct {
	mu         sync.Mutex
	nextID     int
	submitErr  error
	states     map[string]provider.JobState
	getErr     error
	submitted  []string
	generation []provider.GenerationSpec
	cancelled  []string
	cancelErr  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{states: make(map[string]provider.JobState)}
}

func (p *fakeProvider) submit() (string, error) {
	if p.submitErr != nil {
		return "", p.submitErr
	}
	p.nextID++
	id := fmt.Sprintf("pred-%d", p.nextID)
	p.submitted = append(p.submitted, id)
	return id, nil
}

func (p *fakeProvider) SubmitTraining(_ context.Context, _ provider.TrainingSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submit()
}

func (p *fakeProvider) SubmitGeneration(_ context.Context, spec provider.GenerationSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation = append(p.generation, spec)
	return p.submit()
}

func (p *fakeProvider) GetJobStatus(_ context.Context, providerJobID string) (provider.JobState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return provider.JobState{}, p.getErr
	}
	state, ok := p.states[providerJobID]
	if !ok {
		return provider.JobState{}, domain.ErrNotFound
	}
	return state, nil
}

func (p *fakeProvider) CancelJob(_ context.Context, providerJobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, providerJobID)
	return p.cancelErr
}

var _ provider.Client = (*fakeProvider)(nil)

// captureSink records notifications for assertions.
type captureSink struct {
	mu       sync.Mutex
	finished []string
	stuck    []string
}

func (s *captureSink) JobFinished(_ context.Context, job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, job.ID)
}

func (s *captureSink) JobStuck(_ context.Context, job *domain.Job, _ int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck = append(s.stuck, job.ID)
}

func newTestEngine(db *fakeCore, client *fakeProvider, sink *captureSink) *Engine {
	cfg := &infra.Config{
		WeeklyCreditCap: 10,
		CreditOrder:     infra.DebitWeeklyFirst,
		ProviderTimeout: time.Second,
		PollGrace:       time.Minute,
		StuckJobMaxAge:  time.Hour,
	}
	logger := zerolog.Nop()
	reg := registry.New(db, logger)
	led := ledger.New(db, cfg.WeeklyCreditCap, cfg.CreditOrder, logger)
	return New(db, reg, led, client, sink, cfg, logger)
}

func genParams(cost int) StartParams {
	payload, _ := json.Marshal(provider.GenerationSpec{ModelVersion: "model-v1", Prompt: "portrait", Quantity: 1})
	return StartParams{
		Kind:           domain.JobKindGeneration,
		CreditCost:     cost,
		WeeklyEligible: true,
		Payload:        payload,
	}
}

func TestStartJobReservesAndBinds(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	job, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if job.Status != domain.JobStatusSubmitted {
		t.Fatalf("status = %s, want submitted", job.Status)
	}
	if job.ProviderJobID == "" {
		t.Fatal("provider job id not bound")
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 3 {
		t.Fatalf("weekly = %d, want 3", b.WeeklyCredits)
	}
}

func TestStartJobInsufficientCreditPersistsNothing(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 1, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	_, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if !errors.Is(err, domain.ErrInsufficientCredit) {
		t.Fatalf("StartJob() error = %v, want ErrInsufficientCredit", err)
	}
	if len(db.jobOrder) != 0 {
		t.Fatalf("jobs created on failed reserve: %d", len(db.jobOrder))
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 1 {
		t.Fatalf("balance changed: weekly = %d", b.WeeklyCredits)
	}
}

func TestStartJobProviderRejectionRefunds(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	client.submitErr = errors.New("invalid prompt")
	e := newTestEngine(db, client, &captureSink{})

	_, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if err == nil {
		t.Fatal("StartJob() expected error on provider rejection")
	}
	job := db.onlyJob()
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 5 {
		t.Fatalf("weekly = %d, want full refund to 5", b.WeeklyCredits)
	}
}

func TestStartJobProviderOutageLeavesJobForSweeps(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	client.submitErr = fmt.Errorf("submit: %w", domain.ErrProviderUnavailable)
	e := newTestEngine(db, client, &captureSink{})

	job, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if job.Status != domain.JobStatusSubmitted {
		t.Fatalf("status = %s, want submitted", job.Status)
	}
	if job.ProviderJobID != "" {
		t.Fatalf("provider job id = %q, want unbound", job.ProviderJobID)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 3 {
		t.Fatalf("weekly = %d, reservation must stay held", b.WeeklyCredits)
	}
}

func TestDuplicateSuccessEventSettlesOnce(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	sink := &captureSink{}
	e := newTestEngine(db, client, sink)

	job, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	evt := ProviderEvent{
		ProviderJobID: job.ProviderJobID,
		Status:        provider.StatusSucceeded,
		ResultRefs:    []string{"https://cdn/out.png"},
	}
	for i := 0; i < 2; i++ {
		if err := e.HandleProviderEvent(context.Background(), evt); err != nil {
			t.Fatalf("HandleProviderEvent() #%d error = %v", i+1, err)
		}
	}

	got := db.job(job.ID)
	if got.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	if len(sink.finished) != 1 {
		t.Fatalf("finished notifications = %d, want 1", len(sink.finished))
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 3 {
		t.Fatalf("weekly = %d, success must not refund", b.WeeklyCredits)
	}
}

func TestFailureEventRefundsOnce(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	job, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	evt := ProviderEvent{ProviderJobID: job.ProviderJobID, Status: provider.StatusFailed, Error: "NSFW content"}
	for i := 0; i < 2; i++ {
		if err := e.HandleProviderEvent(context.Background(), evt); err != nil {
			t.Fatalf("HandleProviderEvent() #%d error = %v", i+1, err)
		}
	}

	got := db.job(job.ID)
	if got.Status != domain.JobStatusFailed || got.ErrorMessage != "NSFW content" {
		t.Fatalf("job = %s %q, want failed with message", got.Status, got.ErrorMessage)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 5 {
		t.Fatalf("weekly = %d, want single refund back to 5", b.WeeklyCredits)
	}
}

func TestCancelJobRefundsAndTellsProvider(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	sink := &captureSink{}
	e := newTestEngine(db, client, sink)

	job, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	cancelled, err := e.CancelJob(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	if cancelled.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if len(client.cancelled) != 1 || client.cancelled[0] != job.ProviderJobID {
		t.Fatalf("provider cancellations = %v", client.cancelled)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 5 {
		t.Fatalf("weekly = %d, want refund back to 5", b.WeeklyCredits)
	}
	if len(sink.finished) != 1 {
		t.Fatalf("finished notifications = %d, want 1", len(sink.finished))
	}
}

func TestCancelJobScopedToOwner(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	job, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	if _, err := e.CancelJob(context.Background(), job.ID, "user-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("CancelJob() error = %v, want ErrNotFound", err)
	}
	if got := db.job(job.ID); got.Status != domain.JobStatusSubmitted {
		t.Fatalf("status = %s, job must be untouched", got.Status)
	}
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	job, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	evt := ProviderEvent{ProviderJobID: job.ProviderJobID, Status: provider.StatusSucceeded}
	if err := e.HandleProviderEvent(context.Background(), evt); err != nil {
		t.Fatalf("HandleProviderEvent() error = %v", err)
	}

	got, err := e.CancelJob(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	if got.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, terminal job must stand", got.Status)
	}
	if len(client.cancelled) != 0 {
		t.Fatalf("provider cancellations = %v, want none", client.cancelled)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 3 {
		t.Fatalf("weekly = %d, committed charge must stand", b.WeeklyCredits)
	}
}

func TestUnknownProviderJobDropped(t *testing.T) {
	db := newFakeCore()
	e := newTestEngine(db, newFakeProvider(), &captureSink{})

	err := e.HandleProviderEvent(context.Background(), ProviderEvent{
		ProviderJobID: "pred-unknown",
		Status:        provider.StatusSucceeded,
	})
	if err != nil {
		t.Fatalf("HandleProviderEvent() error = %v, unknown jobs must be dropped", err)
	}
}

func TestTrainingSuccessPromotesQueuedGeneration(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 10, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	trainPayload, _ := json.Marshal(provider.TrainingSpec{TriggerWord: "sks-person"})
	queued := genParams(1)
	queued.Payload, _ = json.Marshal(provider.GenerationSpec{Prompt: "portrait", Quantity: 1})
	params := StartParams{
		Kind:           domain.JobKindTraining,
		CreditCost:     5,
		WeeklyEligible: true,
		Payload:        trainPayload,
		Queued:         &queued,
	}

	training, err := e.StartJob(context.Background(), "user-1", params)
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if training.PendingRequestID == "" {
		t.Fatal("training job has no pending request id")
	}
	gen := db.job(training.PendingRequestID)
	if gen.Status != domain.JobStatusPending || gen.ProviderJobID != "" {
		t.Fatalf("queued job = %s %q, want pending and unsubmitted", gen.Status, gen.ProviderJobID)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 4 {
		t.Fatalf("weekly = %d, want both reservations held (10-5-1)", b.WeeklyCredits)
	}

	err = e.HandleProviderEvent(context.Background(), ProviderEvent{
		ProviderJobID: training.ProviderJobID,
		Status:        provider.StatusSucceeded,
		ResultRefs:    []string{"model-v2-trained"},
	})
	if err != nil {
		t.Fatalf("HandleProviderEvent() error = %v", err)
	}

	gen = db.job(training.PendingRequestID)
	if gen.Status != domain.JobStatusSubmitted || gen.ProviderJobID == "" {
		t.Fatalf("queued job = %s %q, want submitted with provider id", gen.Status, gen.ProviderJobID)
	}
	if len(client.generation) != 1 || client.generation[0].ModelVersion != "model-v2-trained" {
		t.Fatalf("promoted spec = %+v, want trained model version", client.generation)
	}
}

func TestTrainingFailureReleasesQueuedGeneration(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 10, 0)
	client := newFakeProvider()
	sink := &captureSink{}
	e := newTestEngine(db, client, sink)

	trainPayload, _ := json.Marshal(provider.TrainingSpec{TriggerWord: "sks-person"})
	queued := genParams(1)
	params := StartParams{
		Kind:           domain.JobKindTraining,
		CreditCost:     5,
		WeeklyEligible: true,
		Payload:        trainPayload,
		Queued:         &queued,
	}

	training, err := e.StartJob(context.Background(), "user-1", params)
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 4 {
		t.Fatalf("weekly = %d, want both reservations held (10-5-1)", b.WeeklyCredits)
	}

	err = e.HandleProviderEvent(context.Background(), ProviderEvent{
		ProviderJobID: training.ProviderJobID,
		Status:        provider.StatusFailed,
		Error:         "training diverged",
	})
	if err != nil {
		t.Fatalf("HandleProviderEvent() error = %v", err)
	}

	gen := db.job(training.PendingRequestID)
	if gen.Status != domain.JobStatusCancelled {
		t.Fatalf("queued job = %s, want cancelled with its training", gen.Status)
	}
	if r := db.reservations[gen.ReservationID]; r == nil || !r.Resolved {
		t.Fatal("queued reservation left unresolved")
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 10 {
		t.Fatalf("weekly = %d, want both reservations refunded", b.WeeklyCredits)
	}
	if len(sink.finished) != 2 {
		t.Fatalf("finished notifications = %d, want training and queued", len(sink.finished))
	}
}

func TestCancelTrainingReleasesQueuedGeneration(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 10, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	trainPayload, _ := json.Marshal(provider.TrainingSpec{TriggerWord: "sks-person"})
	queued := genParams(1)
	params := StartParams{
		Kind:           domain.JobKindTraining,
		CreditCost:     5,
		WeeklyEligible: true,
		Payload:        trainPayload,
		Queued:         &queued,
	}

	training, err := e.StartJob(context.Background(), "user-1", params)
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	if _, err := e.CancelJob(context.Background(), training.ID, "user-1"); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}

	gen := db.job(training.PendingRequestID)
	if gen.Status != domain.JobStatusCancelled {
		t.Fatalf("queued job = %s, want cancelled", gen.Status)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 10 {
		t.Fatalf("weekly = %d, want full refund", b.WeeklyCredits)
	}
}

func TestPromoteSweepRetriesFailedPromotion(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 10, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	trainPayload, _ := json.Marshal(provider.TrainingSpec{TriggerWord: "sks-person"})
	queued := genParams(1)
	params := StartParams{
		Kind:           domain.JobKindTraining,
		CreditCost:     5,
		WeeklyEligible: true,
		Payload:        trainPayload,
		Queued:         &queued,
	}

	training, err := e.StartJob(context.Background(), "user-1", params)
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	// Provider goes down right when the training finishes, so the promotion
	// attempt inside the event handler fails.
	client.submitErr = fmt.Errorf("submit: %w", domain.ErrProviderUnavailable)
	err = e.HandleProviderEvent(context.Background(), ProviderEvent{
		ProviderJobID: training.ProviderJobID,
		Status:        provider.StatusSucceeded,
		ResultRefs:    []string{"model-v2-trained"},
	})
	if err != nil {
		t.Fatalf("HandleProviderEvent() error = %v", err)
	}
	gen := db.job(training.PendingRequestID)
	if gen.Status != domain.JobStatusPending {
		t.Fatalf("queued job = %s, want still pending after failed promotion", gen.Status)
	}

	client.submitErr = nil
	if err := e.PromoteSweep(context.Background()); err != nil {
		t.Fatalf("PromoteSweep() error = %v", err)
	}

	gen = db.job(training.PendingRequestID)
	if gen.Status != domain.JobStatusSubmitted || gen.ProviderJobID == "" {
		t.Fatalf("queued job = %s %q, want submitted after sweep", gen.Status, gen.ProviderJobID)
	}
	last := client.generation[len(client.generation)-1]
	if last.ModelVersion != "model-v2-trained" {
		t.Fatalf("promoted spec = %+v, want trained model version", last)
	}
}

func TestPollSweepResolvesMissedWebhook(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	job, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	db.age(job.ID, 2*time.Minute)
	client.states[job.ProviderJobID] = provider.JobState{
		ProviderJobID: job.ProviderJobID,
		Status:        provider.StatusFailed,
		Error:         "timed out",
	}

	if err := e.PollSweep(context.Background()); err != nil {
		t.Fatalf("PollSweep() error = %v", err)
	}

	got := db.job(job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed via poll", got.Status)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 5 {
		t.Fatalf("weekly = %d, want refund restored", b.WeeklyCredits)
	}
}

func TestPollSweepStopsOnProviderOutage(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	job, err := e.StartJob(context.Background(), "user-1", genParams(1))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	db.age(job.ID, 2*time.Minute)
	client.getErr = fmt.Errorf("status: %w", domain.ErrProviderUnavailable)

	if err := e.PollSweep(context.Background()); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("PollSweep() error = %v, want ErrProviderUnavailable", err)
	}
	if got := db.job(job.ID); got.Status != domain.JobStatusSubmitted {
		t.Fatalf("status = %s, outage must not change jobs", got.Status)
	}
}

func TestStuckSweepReportsWithoutFailing(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	sink := &captureSink{}
	e := newTestEngine(db, client, sink)

	job, err := e.StartJob(context.Background(), "user-1", genParams(1))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	db.age(job.ID, 7*time.Hour)

	if err := e.StuckSweep(context.Background()); err != nil {
		t.Fatalf("StuckSweep() error = %v", err)
	}
	if len(sink.stuck) != 1 || sink.stuck[0] != job.ID {
		t.Fatalf("stuck reports = %v, want [%s]", sink.stuck, job.ID)
	}
	if got := db.job(job.ID); got.Status != domain.JobStatusSubmitted {
		t.Fatalf("status = %s, stuck monitor must not fail jobs", got.Status)
	}
}

func TestReconcileSweepResettlesOrphans(t *testing.T) {
	db := newFakeCore()
	db.seedBalance("user-1", 5, 0)
	client := newFakeProvider()
	e := newTestEngine(db, client, &captureSink{})

	job, err := e.StartJob(context.Background(), "user-1", genParams(2))
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	// Force the bad state: terminal job, reservation still open.
	db.mu.Lock()
	db.jobs[job.ID].Status = domain.JobStatusFailed
	db.mu.Unlock()

	if err := e.ReconcileSweep(context.Background()); err != nil {
		t.Fatalf("ReconcileSweep() error = %v", err)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 5 {
		t.Fatalf("weekly = %d, want reconcile refund to 5", b.WeeklyCredits)
	}

	// Idempotent: a second pass finds nothing to do.
	if err := e.ReconcileSweep(context.Background()); err != nil {
		t.Fatalf("ReconcileSweep() second pass error = %v", err)
	}
	if b := db.balance("user-1"); b.WeeklyCredits != 5 {
		t.Fatalf("weekly = %d after second pass, want 5", b.WeeklyCredits)
	}
}
