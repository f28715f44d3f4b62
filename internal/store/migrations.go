package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "nodes: tiered knowledge fragments",
		SQL: `
CREATE TABLE nodes (
    id              TEXT PRIMARY KEY,
    node_type       TEXT NOT NULL CHECK (node_type IN ('code', 'decision', 'error', 'pattern', 'architecture', 'module', 'summary')),
    content         TEXT NOT NULL,
    summary         TEXT,
    level           INTEGER NOT NULL DEFAULT 1 CHECK (level BETWEEN 1 AND 5),
    relevance_score REAL NOT NULL DEFAULT 1.0,
    token_count     INTEGER NOT NULL DEFAULT 0,
    metadata        TEXT,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    accessed_at     INTEGER NOT NULL
);

CREATE INDEX idx_nodes_level     ON nodes(level);
CREATE INDEX idx_nodes_relevance ON nodes(relevance_score DESC);
`,
	},
	{
		Version:     2,
		Description: "edges: typed weighted relations between nodes",
		SQL: `
CREATE TABLE edges (
    id            TEXT PRIMARY KEY,
    source_id     TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    target_id     TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    relation_type TEXT NOT NULL CHECK (relation_type IN ('depends_on', 'related_to', 'caused_by', 'fixes', 'supersedes', 'part_of', 'imports', 'calls', 'belongs_to', 'implements', 'similar_to', 'summarizes')),
    weight        REAL NOT NULL DEFAULT 1.0,
    metadata      TEXT,
    created_at    INTEGER NOT NULL,

    UNIQUE (source_id, target_id, relation_type)
);

CREATE INDEX idx_edges_source ON edges(source_id);
CREATE INDEX idx_edges_target ON edges(target_id);
`,
	},
	{
		Version:     3,
		Description: "embeddings: plain vector rows for the fallback index",
		SQL: `
CREATE TABLE embeddings (
    node_id    TEXT PRIMARY KEY REFERENCES nodes(id) ON DELETE CASCADE,
    embedding  BLOB NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
`,
	},
}

// The vec0 virtual table used by the native vector index is created outside
// the migration chain: its availability depends on the sqlite-vec extension,
// and a missing extension must select the fallback strategy rather than fail
// the whole database open.

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
