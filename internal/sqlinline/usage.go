package sqlinline

const QInsertUsageEvent = `--sql cb64e51a-0d2f-4070-bacd-02c1efb9007a
insert into usage_events (id, user_id, job_id, event_type, success, properties, created_at)
values (gen_random_uuid(), $1::uuid, $2::uuid, $3::text, $4::boolean, coalesce($5::jsonb, '{}'::jsonb), now());
`
