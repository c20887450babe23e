package db

import (
	"context"
	"fmt"
	"strings"
)

// Timestamps are stored as unix nanoseconds so both dialects round-trip them exactly.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  attributes TEXT NOT NULL DEFAULT '{}',   -- JSON object
  platforms TEXT NOT NULL DEFAULT '{}',    -- JSON object: platform -> object
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads(updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
  thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
  id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,                   -- JSON string or array of parts
  sequence INTEGER NOT NULL,
  turn INTEGER NOT NULL,
  timestamp INTEGER NOT NULL,
  tool_call_id TEXT,
  name TEXT,
  tool_calls TEXT,                         -- JSON array
  source TEXT,                             -- JSON object
  metrics TEXT,                            -- JSON object
  platforms TEXT,                          -- JSON object
  reactions TEXT NOT NULL DEFAULT '{}',    -- JSON object: label -> [reactor]
  PRIMARY KEY (thread_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_sequence ON messages(thread_id, sequence);

CREATE TABLE IF NOT EXISTS attachments (
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  id TEXT NOT NULL,
  filename TEXT NOT NULL,
  mime_type TEXT,
  file_id TEXT,
  storage_path TEXT,
  storage_backend TEXT,
  attributes TEXT,                         -- JSON object
  PRIMARY KEY (thread_id, message_id, position),
  FOREIGN KEY (thread_id, message_id) REFERENCES messages(thread_id, id) ON DELETE CASCADE
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS threads (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
  platforms JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_threads_attributes ON threads USING GIN (attributes);
CREATE INDEX IF NOT EXISTS idx_threads_platforms ON threads USING GIN (platforms);

CREATE TABLE IF NOT EXISTS messages (
  thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
  id TEXT NOT NULL,
  role TEXT NOT NULL,
  content JSONB NOT NULL,
  sequence INTEGER NOT NULL,
  turn INTEGER NOT NULL,
  timestamp BIGINT NOT NULL,
  tool_call_id TEXT,
  name TEXT,
  tool_calls JSONB,
  source JSONB,
  metrics JSONB,
  platforms JSONB,
  reactions JSONB NOT NULL DEFAULT '{}'::jsonb,
  PRIMARY KEY (thread_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_sequence ON messages(thread_id, sequence);

CREATE TABLE IF NOT EXISTS attachments (
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  id TEXT NOT NULL,
  filename TEXT NOT NULL,
  mime_type TEXT,
  file_id TEXT,
  storage_path TEXT,
  storage_backend TEXT,
  attributes JSONB,
  PRIMARY KEY (thread_id, message_id, position),
  FOREIGN KEY (thread_id, message_id) REFERENCES messages(thread_id, id) ON DELETE CASCADE
);
`

func (db *DB) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if db.dialect == DialectPostgres {
		schema = postgresSchema
	}

	// One statement per Exec so a failure names its SQL.
	for _, stmt := range splitStatements(schema) {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

func splitStatements(schema string) []string {
	var (
		out     []string
		current []rune
		comment bool
	)
	runes := []rune(schema)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if comment {
			if r == '\n' {
				comment = false
				current = append(current, r)
			}
			continue
		}
		if r == '-' && i+1 < len(runes) && runes[i+1] == '-' {
			comment = true
			continue
		}
		if r == ';' {
			if stmt := strings.TrimSpace(string(current)); stmt != "" {
				out = append(out, stmt)
			}
			current = current[:0]
			continue
		}
		current = append(current, r)
	}
	if stmt := strings.TrimSpace(string(current)); stmt != "" {
		out = append(out, stmt)
	}
	return out
}
