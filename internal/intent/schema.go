package intent

// Schema creates the intent executor tables. Timestamps are unix
// milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS execution_rules (
	id TEXT PRIMARY KEY,
	intent_pattern TEXT NOT NULL UNIQUE,
	action TEXT NOT NULL,
	auto_execute INTEGER NOT NULL DEFAULT 0,
	requires_approval INTEGER NOT NULL DEFAULT 1,
	conditions TEXT NOT NULL DEFAULT '{}',
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auto_executions (
	id TEXT PRIMARY KEY,
	intent TEXT NOT NULL,
	action TEXT NOT NULL,
	input_data TEXT NOT NULL DEFAULT '{}',
	confidence REAL NOT NULL DEFAULT 0,
	urgency INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	result TEXT,
	error TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	approved_by TEXT,
	approved_at INTEGER,
	created_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE TABLE IF NOT EXISTS execution_feedback (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES auto_executions(id) ON DELETE CASCADE,
	was_correct INTEGER NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executor_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_auto_executions_status ON auto_executions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_auto_executions_intent ON auto_executions(intent, created_at);
CREATE INDEX IF NOT EXISTS idx_execution_feedback_exec ON execution_feedback(execution_id);
`
