package local

// Schema is the embedded DDL for the SQLite-backed event source. Applied
// on open; CREATE TABLE IF NOT EXISTS keeps restarts idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS community_messages (
	id         TEXT PRIMARY KEY,
	topic      TEXT NOT NULL,
	region     TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	body       TEXT NOT NULL,
	client_ref TEXT NOT NULL DEFAULT '',
	is_read    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_community_topic_region
	ON community_messages (topic, region, created_at);

CREATE TABLE IF NOT EXISTS report_messages (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	body       TEXT NOT NULL,
	client_ref TEXT NOT NULL DEFAULT '',
	is_read    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_report_thread
	ON report_messages (thread_id, created_at);

CREATE TABLE IF NOT EXISTS direct_messages (
	id         TEXT PRIMARY KEY,
	pair_key   TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	body       TEXT NOT NULL,
	client_ref TEXT NOT NULL DEFAULT '',
	is_read    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_direct_pair
	ON direct_messages (pair_key, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	message         TEXT NOT NULL,
	distance_meters REAL,
	is_read         INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user
	ON notifications (user_id, created_at);
`

// tableColumns is the registry of queryable tables. Filter fields, order
// fields, and insert/update columns are validated against it, so no
// caller-supplied identifier ever reaches a SQL statement.
var tableColumns = map[string][]string{
	"users":              {"id", "username", "password_hash", "created_at"},
	"community_messages": {"id", "topic", "region", "sender_id", "body", "client_ref", "is_read", "created_at"},
	"report_messages":    {"id", "thread_id", "sender_id", "body", "client_ref", "is_read", "created_at"},
	"direct_messages":    {"id", "pair_key", "sender_id", "body", "client_ref", "is_read", "created_at"},
	"notifications":      {"id", "user_id", "message", "distance_meters", "is_read", "created_at"},
}

func hasColumn(table, column string) bool {
	for _, c := range tableColumns[table] {
		if c == column {
			return true
		}
	}
	return false
}
