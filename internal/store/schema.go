package store

// entries is the single source of truth. idx_* tables are derived caches and
// must be reproducible from entries alone; archived and quarantined rows keep
// the full record for recovery. sweep_log is append-only.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS entries (
  id TEXT PRIMARY KEY,
  scope TEXT NOT NULL,
  type TEXT NOT NULL,
  content TEXT NOT NULL,
  tags TEXT NOT NULL,
  priority TEXT NOT NULL,
  ttl_seconds INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  last_accessed_at TEXT NOT NULL,
  access_count INTEGER NOT NULL DEFAULT 0,
  created_by TEXT,
  superseded_by TEXT,
  refs TEXT
);

CREATE TABLE IF NOT EXISTS archived_entries (
  id TEXT PRIMARY KEY,
  scope TEXT NOT NULL,
  type TEXT NOT NULL,
  content TEXT NOT NULL,
  tags TEXT NOT NULL,
  priority TEXT NOT NULL,
  ttl_seconds INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  last_accessed_at TEXT NOT NULL,
  access_count INTEGER NOT NULL DEFAULT 0,
  created_by TEXT,
  superseded_by TEXT,
  refs TEXT,
  archived_at TEXT NOT NULL,
  archive_reason TEXT
);

CREATE TABLE IF NOT EXISTS quarantined_entries (
  id TEXT PRIMARY KEY,
  raw TEXT NOT NULL,
  reason TEXT NOT NULL,
  quarantined_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS idx_tags (
  scope TEXT NOT NULL,
  tag TEXT NOT NULL,
  entry_id TEXT NOT NULL,
  PRIMARY KEY (scope, tag, entry_id)
);

CREATE TABLE IF NOT EXISTS idx_types (
  scope TEXT NOT NULL,
  type TEXT NOT NULL,
  entry_id TEXT NOT NULL,
  PRIMARY KEY (scope, type, entry_id)
);

CREATE TABLE IF NOT EXISTS idx_summaries (
  scope TEXT NOT NULL,
  entry_id TEXT NOT NULL,
  summary TEXT NOT NULL,
  PRIMARY KEY (scope, entry_id)
);

CREATE INDEX IF NOT EXISTS idx_entries_scope ON entries(scope);
CREATE INDEX IF NOT EXISTS idx_entries_scope_type ON entries(scope, type);
CREATE INDEX IF NOT EXISTS idx_archived_scope ON archived_entries(scope);

CREATE TABLE IF NOT EXISTS sweep_log (
  id TEXT PRIMARY KEY,
  swept_at TEXT NOT NULL,
  policy TEXT NOT NULL,
  scope TEXT NOT NULL,
  counts TEXT NOT NULL,
  errors TEXT
);

CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  stream TEXT NOT NULL,
  scope_type TEXT NOT NULL,
  scope_id TEXT NOT NULL,
  subject TEXT,
  body TEXT NOT NULL,
  metadata TEXT,
  payload TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_stream_scope_created ON events(stream, scope_type, scope_id, created_at);
`
