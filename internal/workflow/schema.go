package workflow

// Schema creates the workflow tables.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	trigger_type TEXT NOT NULL,
	trigger_config TEXT NOT NULL DEFAULT '{}',
	steps TEXT NOT NULL DEFAULT '[]',
	enabled INTEGER NOT NULL DEFAULT 1,
	auto_retry INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	timeout_seconds INTEGER NOT NULL DEFAULT 300,
	version INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_executions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT 'null',
	context TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS workflow_step_logs (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
	attempt INTEGER NOT NULL DEFAULT 1,
	step_index INTEGER NOT NULL,
	step_name TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT 'null',
	error TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status, completed_at);
CREATE INDEX IF NOT EXISTS idx_step_logs_execution ON workflow_step_logs(execution_id, attempt, step_index);
`
