package journal

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fetch_runs (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	query       TEXT NOT NULL,
	listed      INTEGER NOT NULL DEFAULT 0,
	ingested    INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS activity (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	draft_id   TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_fetch_runs_started ON fetch_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_activity_created ON activity(created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_activity_message_id
	ON activity(message_id);

CREATE INDEX IF NOT EXISTS idx_fetch_runs_fingerprint
	ON fetch_runs(fingerprint, started_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
