package catalog

const schemaDDL = `
CREATE TABLE IF NOT EXISTS shards (
	id                          serial PRIMARY KEY,
	name                        text UNIQUE NOT NULL,
	state                       text NOT NULL,
	locker                      text,
	locker_ts                   timestamptz,
	mapped_on_hosts_when_packed text[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS signature2shard (
	signature bytea PRIMARY KEY,
	shard     integer NOT NULL REFERENCES shards(id),
	state     text NOT NULL
);

CREATE INDEX IF NOT EXISTS signature2shard_present_idx
	ON signature2shard (signature) WHERE state = 'present';

CREATE TABLE IF NOT EXISTS t_read (
	id      serial PRIMARY KEY,
	updated timestamptz NOT NULL DEFAULT now(),
	bytes   bigint NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS t_write (
	id      serial PRIMARY KEY,
	updated timestamptz NOT NULL DEFAULT now(),
	bytes   bigint NOT NULL DEFAULT 0
);
`
