package pattern

// Schema creates the pattern tables. Child rows cascade with their record.
const Schema = `
CREATE TABLE IF NOT EXISTS detected_patterns (
	id TEXT PRIMARY KEY,
	pattern_type TEXT NOT NULL,
	signature TEXT NOT NULL,
	frequency INTEGER NOT NULL DEFAULT 1,
	urgency_level INTEGER NOT NULL DEFAULT 1,
	aggression_score REAL NOT NULL DEFAULT 0,
	auto_resolved INTEGER NOT NULL DEFAULT 0,
	resolution_action TEXT,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	UNIQUE(pattern_type, signature)
);

CREATE TABLE IF NOT EXISTS pattern_occurrences (
	id TEXT PRIMARY KEY,
	pattern_id TEXT NOT NULL REFERENCES detected_patterns(id) ON DELETE CASCADE,
	input TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '{}',
	occurred_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS urgency_escalations (
	id TEXT PRIMARY KEY,
	pattern_id TEXT NOT NULL REFERENCES detected_patterns(id) ON DELETE CASCADE,
	from_level INTEGER NOT NULL,
	to_level INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pattern_resolutions (
	id TEXT PRIMARY KEY,
	pattern_id TEXT NOT NULL REFERENCES detected_patterns(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	success INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patterns_urgency ON detected_patterns(urgency_level, auto_resolved);
CREATE INDEX IF NOT EXISTS idx_patterns_first_seen ON detected_patterns(first_seen);
CREATE INDEX IF NOT EXISTS idx_occurrences_pattern ON pattern_occurrences(pattern_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_occurrences_time ON pattern_occurrences(occurred_at);
CREATE INDEX IF NOT EXISTS idx_escalations_pattern ON urgency_escalations(pattern_id);
CREATE INDEX IF NOT EXISTS idx_resolutions_pattern ON pattern_resolutions(pattern_id, action);
`
