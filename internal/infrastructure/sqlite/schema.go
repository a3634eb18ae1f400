package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS stock (
	product_id TEXT PRIMARY KEY,
	available  INTEGER NOT NULL CHECK (available >= 0),
	reserved   INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	lines      TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_order ON reservations(order_id, created_at);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	customer_id     TEXT NOT NULL,
	idempotency_key TEXT,
	items           TEXT NOT NULL,
	total           INTEGER NOT NULL,
	currency        TEXT NOT NULL,
	status          TEXT NOT NULL,
	gateway_token   TEXT UNIQUE,
	redirect_url    TEXT NOT NULL DEFAULT '',
	reservation_id  TEXT NOT NULL DEFAULT '',
	failure_reason  TEXT NOT NULL DEFAULT '',
	version         INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	UNIQUE (customer_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS gateway_events (
	transaction_id TEXT PRIMARY KEY,
	token          TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	payload        BLOB,
	occurred_at    INTEGER NOT NULL DEFAULT 0,
	received_at    INTEGER NOT NULL,
	applied_at     INTEGER NOT NULL DEFAULT 0,
	result         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	key          TEXT,
	operation    TEXT NOT NULL,
	payload      BLOB,
	run_at       INTEGER NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	lease_owner  TEXT NOT NULL DEFAULT '',
	lease_until  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_live_key ON jobs(key) WHERE key IS NOT NULL AND status != 'exhausted';
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, run_at);
`
