package sqlinline

// QApplyWeeklyReset ensures the balance row exists and refreshes the weekly
// pool when a full reset period has elapsed. The seven-day guard makes the
// statement safe to run on every read without double-resetting a window.
const QApplyWeeklyReset = `--sql 550eb470-4219-4de8-b77b-2c97f8580e8c
insert into credit_balances (user_id, weekly_credits, purchased_credits, last_weekly_reset, updated_at)
values ($1::uuid, $2::int, 0, now(), now())
on conflict (user_id) do update
set weekly_credits = case
        when credit_balances.last_weekly_reset <= now() - interval '7 days' then $2::int
        else credit_balances.weekly_credits
    end,
    last_weekly_reset = case
        when credit_balances.last_weekly_reset <= now() - interval '7 days' then now()
        else credit_balances.last_weekly_reset
    end,
    updated_at = now();
`

const QSelectBalance = `--sql 81b46ad9-2d22-4e1c-aaaa-bbb900a816b4
select user_id, weekly_credits, purchased_credits, last_weekly_reset, updated_at
from credit_balances
where user_id = $1::uuid;
`

// QReserveCredits debits the balance and records the reservation in one
// statement. The initial select takes a row lock, so concurrent reservations
// for the same user serialize instead of racing past the sufficiency check.
// Zero rows back means the balance could not cover the amount.
const QReserveCredits = `--sql a95fbf26-8770-4805-877e-7f1fa97606ed
with locked as (
    select user_id, weekly_credits, purchased_credits
    from credit_balances
    where user_id = $1::uuid
    for update
),
split as (
    select
        case
            when $3::boolean and $4::boolean then least($2::int, weekly_credits)
            when $3::boolean and not $4::boolean then $2::int - least($2::int, purchased_credits)
            else 0
        end as weekly_part
    from locked
    where purchased_credits + case when $3::boolean then weekly_credits else 0 end >= $2::int
),
debited as (
    update credit_balances b
    set weekly_credits = b.weekly_credits - s.weekly_part,
        purchased_credits = b.purchased_credits - ($2::int - s.weekly_part),
        updated_at = now()
    from split s
    where b.user_id = $1::uuid
    returning s.weekly_part
),
ins as (
    insert into ledger_reservations (id, user_id, amount, weekly_part, purchased_part, operation_kind, resolved, created_at)
    select $5::uuid, $1::uuid, $2::int, d.weekly_part, $2::int - d.weekly_part, $6::text, false, now()
    from debited d
    returning id
)
select id from ins;
`

// QCommitReservation marks a reservation resolved with no balance change; the
// debit already happened at reservation time. The resolved guard makes a
// duplicate commit a zero-row no-op.
const QCommitReservation = `--sql 3d3d29d4-9526-44dc-8872-e46496ccbea1
update ledger_reservations
set resolved = true,
    resolved_at = now()
where id = $1::uuid
  and not resolved
returning id;
`

// QReleaseReservation resolves a reservation and refunds the held amount back
// to the pools it came from. Idempotent for the same reason as commit. The
// weekly refund is clamped to the cap.
const QReleaseReservation = `--sql dd26a0db-4816-4b23-9da8-058405c5bebe
with resolved as (
    update ledger_reservations
    set resolved = true,
        resolved_at = now()
    where id = $1::uuid
      and not resolved
    returning user_id, weekly_part, purchased_part
)
update credit_balances b
set weekly_credits = least(b.weekly_credits + r.weekly_part, $2::int),
    purchased_credits = b.purchased_credits + r.purchased_part,
    updated_at = now()
from resolved r
where b.user_id = r.user_id
returning b.user_id;
`

const QSelectReservation = `--sql dfb791e4-ebfb-4bb1-94ed-323699752deb
select id, user_id, amount, weekly_part, purchased_part, operation_kind, resolved, created_at, resolved_at
from ledger_reservations
where id = $1::uuid;
`
