package sqlinline

const QInsertJob = `--sql 46b6d542-7a49-4316-8d72-fdb7ed26ea9e
insert into jobs (id, kind, owner_user_id, status, reservation_id, pending_request_id, payload, created_at, updated_at)
values (
    $1::uuid,
    $2::text,
    $3::uuid,
    'pending',
    $4::uuid,
    nullif($5::text, '')::uuid,
    coalesce($6::jsonb, '{}'::jsonb),
    now(),
    now()
);
`

// QBindProviderJob records the provider's job id exactly once and moves the
// job to submitted. The provider_job_id guard makes a second bind a no-op.
const QBindProviderJob = `--sql 0c8404fa-ac3e-44f7-a4ab-11914aa0e85f
update jobs
set provider_job_id = $2::text,
    status = 'submitted',
    started_at = now(),
    updated_at = now()
where id = $1::uuid
  and provider_job_id is null
  and status = 'pending'
returning id;
`

// QTransitionJob advances a job's status while refusing regressions and any
// change away from a terminal state. Zero rows means the guard rejected the
// move; the caller decides whether that was a benign duplicate.
const QTransitionJob = `--sql bc452f8c-9104-42a7-a7bf-6df256570c22
update jobs
set status = $2::text,
    result_refs = coalesce($3::text[], result_refs),
    error_message = coalesce(nullif($4::text, ''), error_message),
    started_at = case when $2::text in ('submitted', 'in_progress') and started_at is null then now() else started_at end,
    completed_at = case when $2::text in ('succeeded', 'failed', 'cancelled') then now() else completed_at end,
    updated_at = now()
where id = $1::uuid
  and status not in ('succeeded', 'failed', 'cancelled')
  and (
    ($2::text = 'submitted' and status = 'pending')
    or ($2::text = 'in_progress' and status in ('pending', 'submitted'))
    or ($2::text in ('succeeded', 'failed', 'cancelled'))
  )
returning status;
`

const QSelectJobByID = `--sql f7a71411-4254-4680-8f0d-98237a888ff7
select id, kind, owner_user_id, status,
       coalesce(provider_job_id, ''),
       coalesce(reservation_id::text, ''),
       coalesce(pending_request_id::text, ''),
       payload,
       coalesce(result_refs, '{}'::text[]),
       coalesce(error_message, ''),
       created_at, started_at, completed_at, updated_at
from jobs
where id = $1::uuid;
`

const QSelectJobByProviderID = `--sql 453ae6a7-9781-4b25-b6b1-79d421b47459
select id, kind, owner_user_id, status,
       coalesce(provider_job_id, ''),
       coalesce(reservation_id::text, ''),
       coalesce(pending_request_id::text, ''),
       payload,
       coalesce(result_refs, '{}'::text[]),
       coalesce(error_message, ''),
       created_at, started_at, completed_at, updated_at
from jobs
where provider_job_id = $1::text;
`

const QSelectJobForUser = `--sql 1b08bd18-612f-40aa-9fb2-5f2b10f512af
select id, kind, owner_user_id, status,
       coalesce(provider_job_id, ''),
       coalesce(reservation_id::text, ''),
       coalesce(pending_request_id::text, ''),
       payload,
       coalesce(result_refs, '{}'::text[]),
       coalesce(error_message, ''),
       created_at, started_at, completed_at, updated_at
from jobs
where id = $1::uuid
  and owner_user_id = $2::uuid;
`

// QSettleJobSuccess is the settlement unit for a successful job: the terminal
// transition and the reservation resolution happen in one statement, so a
// crash can never apply one without the other. The first count reports whether
// the job transitioned, the second whether a reservation was resolved.
const QSettleJobSuccess = `--sql 078b7f85-3d1a-47a2-a12e-3caa2559a29a
with done as (
    update jobs
    set status = 'succeeded',
        result_refs = coalesce($2::text[], result_refs),
        completed_at = now(),
        updated_at = now()
    where id = $1::uuid
      and status not in ('succeeded', 'failed', 'cancelled')
    returning reservation_id
),
settled as (
    update ledger_reservations r
    set resolved = true,
        resolved_at = now()
    from done d
    where r.id = d.reservation_id
      and not r.resolved
    returning r.id
)
select (select count(*) from done), (select count(*) from settled);
`

// QSettleJobRelease is the settlement unit for failed or cancelled jobs:
// terminal transition, reservation resolution and pool-accurate refund in a
// single statement. The weekly refund is clamped to the configured cap in case
// a weekly reset landed between reserve and release.
const QSettleJobRelease = `--sql f5d1d413-32a7-4848-b145-da49031a06f6
with done as (
    update jobs
    set status = $2::text,
        error_message = coalesce(nullif($3::text, ''), error_message),
        completed_at = now(),
        updated_at = now()
    where id = $1::uuid
      and status not in ('succeeded', 'failed', 'cancelled')
      and $2::text in ('failed', 'cancelled')
    returning reservation_id
),
settled as (
    update ledger_reservations r
    set resolved = true,
        resolved_at = now()
    from done d
    where r.id = d.reservation_id
      and not r.resolved
    returning r.user_id, r.weekly_part, r.purchased_part
),
refunded as (
    update credit_balances b
    set weekly_credits = least(b.weekly_credits + s.weekly_part, $4::int),
        purchased_credits = b.purchased_credits + s.purchased_part,
        updated_at = now()
    from settled s
    where b.user_id = s.user_id
    returning b.user_id
)
select (select count(*) from done), (select count(*) from refunded);
`
