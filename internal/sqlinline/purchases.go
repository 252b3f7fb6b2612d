package sqlinline

// QInsertPurchase credits purchased credits exactly once per external
// transaction id. A duplicate payment notification hits the unique index,
// inserts nothing and therefore credits nothing.
const QInsertPurchase = `--sql 66713791-e7ed-4c2d-ac24-8202a0f45c06
with ins as (
    insert into credit_purchases (id, user_id, external_txn_id, credits, created_at)
    values (gen_random_uuid(), $1::uuid, $2::text, $3::int, now())
    on conflict (external_txn_id) do nothing
    returning user_id, credits
)
update credit_balances b
set purchased_credits = b.purchased_credits + i.credits,
    updated_at = now()
from ins i
where b.user_id = i.user_id
returning b.purchased_credits;
`
