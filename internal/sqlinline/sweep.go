package sqlinline

const QSelectPollableJobs = `--sql 63881d4c-c0f7-4886-83fc-2918a9568862
select id, kind, owner_user_id, status,
       coalesce(provider_job_id, ''),
       coalesce(reservation_id::text, ''),
       coalesce(pending_request_id::text, ''),
       created_at
from jobs
where status not in ('succeeded', 'failed', 'cancelled')
  and provider_job_id is not null
  and created_at <= now() - ($1::int * interval '1 second')
order by created_at asc
limit $2::int;
`

const QSelectStuckJobs = `--sql 3dbaebab-f0e5-4bf2-8698-dcd5083c8ecd
select id, kind, owner_user_id, status,
       coalesce(provider_job_id, ''),
       created_at
from jobs
where status not in ('succeeded', 'failed', 'cancelled')
  and created_at <= now() - ($1::int * interval '1 second')
order by created_at asc
limit $2::int;
`

// QSelectTrainingWithQueued finds terminal training jobs whose queued
// generation never left pending, so a sweep can finish the completion side
// effect: submit it after success, release it after failure.
const QSelectTrainingWithQueued = `--sql 3259d6c4-a942-4bc2-91d9-5d243b72d800
select t.id
from jobs t
join jobs q on q.id = t.pending_request_id
where t.kind = 'training'
  and t.status in ('succeeded', 'failed', 'cancelled')
  and q.status = 'pending'
  and q.provider_job_id is null
order by t.completed_at asc
limit $1::int;
`

// QSelectUnsettledTerminal finds jobs that reached a terminal state while
// their reservation is still unresolved. With single-statement settlement this
// should stay empty; the reconciliation sweep drains whatever shows up anyway.
const QSelectUnsettledTerminal = `--sql 25e59935-3f31-4789-b894-7891583a77c1
select j.id, j.status, r.id
from jobs j
join ledger_reservations r on r.id = j.reservation_id
where j.status in ('succeeded', 'failed', 'cancelled')
  and not r.resolved
order by j.completed_at asc
limit $1::int;
`
