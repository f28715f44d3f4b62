package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Node levels. New nodes start at Focus and are demoted toward Deep Archive
// as their relevance decays; they are never promoted above the level implied
// by their score.
const (
	LevelFocus       = 1
	LevelActive      = 2
	LevelReference   = 3
	LevelArchive     = 4
	LevelDeepArchive = 5
)

// ValidNodeTypes is the allow-list for ContextNode.Type.
var ValidNodeTypes = map[string]bool{
	"code":         true,
	"decision":     true,
	"error":        true,
	"pattern":      true,
	"architecture": true,
	"module":       true,
	"summary":      true,
}

// Thresholds holds the minimum relevance score for each of the four named
// tiers; anything below Archive is Deep Archive.
type Thresholds struct {
	Focus     float64
	Active    float64
	Reference float64
	Archive   float64
}

// DefaultThresholds returns the standard tier thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Focus: 0.7, Active: 0.5, Reference: 0.3, Archive: 0.1}
}

// LevelFor returns the highest (most active) level whose threshold the score
// still satisfies.
func (t Thresholds) LevelFor(score float64) int {
	switch {
	case score >= t.Focus:
		return LevelFocus
	case score >= t.Active:
		return LevelActive
	case score >= t.Reference:
		return LevelReference
	case score >= t.Archive:
		return LevelArchive
	default:
		return LevelDeepArchive
	}
}

// Metadata carries well-known optional attributes of a node plus an escape
// hatch for arbitrary key/value pairs. Persisted as a JSON column.
type Metadata struct {
	FilePath string            `json:"file_path,omitempty"`
	Language string            `json:"language,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

func (m Metadata) empty() bool {
	return m.FilePath == "" && m.Language == "" && len(m.Tags) == 0 && len(m.Extra) == 0
}

// ContextNode is a single stored knowledge fragment.
type ContextNode struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Content    string   `json:"content"`
	Summary    string   `json:"summary,omitempty"` // set by compaction
	Level      int      `json:"level"`
	Relevance  float64  `json:"relevance_score"`
	TokenCount int      `json:"token_count"`
	Metadata   Metadata `json:"metadata,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
	AccessedAt int64    `json:"accessed_at"`
}

// Display returns the text surfaced to callers: the compacted summary when
// one exists, the full content otherwise.
func (n *ContextNode) Display() string {
	if n.Summary != "" {
		return n.Summary
	}
	return n.Content
}

// NodeUpdate describes a partial update; nil fields are left unchanged.
type NodeUpdate struct {
	Content    *string
	Summary    *string
	Level      *int
	Relevance  *float64
	TokenCount *int
	Metadata   *Metadata
}

// CreateNode inserts a new node. Assigns the id, places the node at Focus
// with maximum relevance, and stamps all three timestamps.
func (db *DB) CreateNode(node *ContextNode) error {
	now := time.Now().UnixMilli()
	node.ID = uuid.NewString()
	node.Level = LevelFocus
	node.Relevance = 1.0
	node.CreatedAt = now
	node.UpdatedAt = now
	node.AccessedAt = now

	meta, err := encodeMetadata(node.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO nodes (id, node_type, content, summary, level, relevance_score, token_count,
			metadata, created_at, updated_at, accessed_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)
	`, node.ID, node.Type, node.Content, node.Summary,
		node.Level, node.Relevance, node.TokenCount,
		meta, now, now, now)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

// GetNode returns a node by id, or nil if not found.
func (db *DB) GetNode(id string) (*ContextNode, error) {
	row := db.QueryRow(`
		SELECT id, node_type, content, summary, level, relevance_score, token_count,
			metadata, created_at, updated_at, accessed_at
		FROM nodes WHERE id = ?
	`, id)

	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

// UpdateNode applies a partial update and bumps updated_at. Returns nil if
// the node does not exist.
func (db *DB) UpdateNode(id string, upd NodeUpdate) (*ContextNode, error) {
	node, err := db.GetNode(id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}

	if upd.Content != nil {
		node.Content = *upd.Content
	}
	if upd.Summary != nil {
		node.Summary = *upd.Summary
	}
	if upd.Level != nil {
		node.Level = *upd.Level
	}
	if upd.Relevance != nil {
		node.Relevance = *upd.Relevance
	}
	if upd.TokenCount != nil {
		node.TokenCount = *upd.TokenCount
	}
	if upd.Metadata != nil {
		node.Metadata = *upd.Metadata
	}
	node.UpdatedAt = time.Now().UnixMilli()

	meta, err := encodeMetadata(node.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = db.Exec(`
		UPDATE nodes SET content = ?, summary = NULLIF(?, ''), level = ?, relevance_score = ?,
			token_count = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, node.Content, node.Summary, node.Level, node.Relevance,
		node.TokenCount, meta, node.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}
	return node, nil
}

// DeleteNode removes a node, its edges, and its embedding. Edge cascade is a
// store-layer contract: the foreign keys on edges and embeddings fire here,
// and the vec0 row (which has no foreign key) is removed while the node row
// still exists so the rowid lookup resolves.
func (db *DB) DeleteNode(id string) error {
	if db.hasVecTable {
		_, err := db.Exec(`
			DELETE FROM node_vec WHERE rowid = (SELECT rowid FROM nodes WHERE id = ?)
		`, id)
		if err != nil {
			return fmt.Errorf("delete vector for node %s: %w", id, err)
		}
	}
	_, err := db.Exec("DELETE FROM nodes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

// ListByLevel returns all nodes at the given level, most relevant first.
func (db *DB) ListByLevel(level int) ([]ContextNode, error) {
	rows, err := db.Query(`
		SELECT id, node_type, content, summary, level, relevance_score, token_count,
			metadata, created_at, updated_at, accessed_at
		FROM nodes WHERE level = ?
		ORDER BY relevance_score DESC
	`, level)
	if err != nil {
		return nil, fmt.Errorf("list by level: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// ListArchived returns all Archive and Deep Archive nodes, the only tiers
// compaction may touch.
func (db *DB) ListArchived() ([]ContextNode, error) {
	rows, err := db.Query(`
		SELECT id, node_type, content, summary, level, relevance_score, token_count,
			metadata, created_at, updated_at, accessed_at
		FROM nodes WHERE level >= ?
		ORDER BY relevance_score ASC
	`, LevelArchive)
	if err != nil {
		return nil, fmt.Errorf("list archived: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetNodesByIDs returns nodes for the given list of ids.
func (db *DB) GetNodesByIDs(ids []string) ([]ContextNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ph := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			ph += ","
		}
		ph += "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, node_type, content, summary, level, relevance_score, token_count,
			metadata, created_at, updated_at, accessed_at
		FROM nodes WHERE id IN (%s)
	`, ph)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get nodes by ids: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// CountNodes returns the total node count.
func (db *DB) CountNodes() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM nodes").Scan(&count)
	return count, err
}

// TouchNode stamps accessed_at and applies the retrieval relevance boost,
// capped at 1.0. The level is deliberately left alone; tiers are recomputed
// only by the decay tick.
func (db *DB) TouchNode(id string, boost float64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE nodes SET accessed_at = ?, relevance_score = MIN(1.0, relevance_score + ?)
		WHERE id = ?
	`, now, boost, id)
	if err != nil {
		return fmt.Errorf("touch node: %w", err)
	}
	return nil
}

// DecayTick reduces every node's relevance by rate and recomputes each level
// as the highest tier whose threshold the new score still satisfies. Both
// updates run in one short exclusive transaction so a concurrent query never
// observes a partial tier migration. Returns the number of nodes whose level
// changed.
func (db *DB) DecayTick(rate float64, th Thresholds) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin decay: %w", err)
	}

	if _, err := tx.Exec(
		"UPDATE nodes SET relevance_score = MAX(0.0, relevance_score - ?)", rate,
	); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("decay scores: %w", err)
	}

	levelCase := `CASE
		WHEN relevance_score >= ? THEN 1
		WHEN relevance_score >= ? THEN 2
		WHEN relevance_score >= ? THEN 3
		WHEN relevance_score >= ? THEN 4
		ELSE 5 END`
	result, err := tx.Exec(
		"UPDATE nodes SET level = "+levelCase+" WHERE level != "+levelCase,
		th.Focus, th.Active, th.Reference, th.Archive,
		th.Focus, th.Active, th.Reference, th.Archive,
	)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("migrate levels: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit decay: %w", err)
	}

	migrated, _ := result.RowsAffected()
	return int(migrated), nil
}

// StoreStats aggregates the node table for status reporting.
type StoreStats struct {
	TotalNodes int
	PerLevel   map[int]int
	OldestNode int64 // created_at, 0 when empty
	NewestNode int64
	SizeBytes  int64
}

// Aggregate returns per-level counts, age extremes, and the approximate
// storage footprint.
func (db *DB) Aggregate() (*StoreStats, error) {
	stats := &StoreStats{PerLevel: make(map[int]int, 5)}
	for level := LevelFocus; level <= LevelDeepArchive; level++ {
		stats.PerLevel[level] = 0
	}

	rows, err := db.Query("SELECT level, COUNT(*) FROM nodes GROUP BY level")
	if err != nil {
		return nil, fmt.Errorf("aggregate levels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level, count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("scan level count: %w", err)
		}
		stats.PerLevel[level] = count
		stats.TotalNodes += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest, newest sql.NullInt64
	if err := db.QueryRow(
		"SELECT MIN(created_at), MAX(created_at) FROM nodes",
	).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("aggregate ages: %w", err)
	}
	stats.OldestNode = oldest.Int64
	stats.NewestNode = newest.Int64

	size, err := db.SizeBytes()
	if err != nil {
		return nil, err
	}
	stats.SizeBytes = size

	return stats, nil
}

func encodeMetadata(m Metadata) (any, error) {
	if m.empty() {
		return nil, nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*ContextNode, error) {
	var n ContextNode
	var summary, meta sql.NullString
	err := row.Scan(&n.ID, &n.Type, &n.Content, &summary, &n.Level, &n.Relevance,
		&n.TokenCount, &meta, &n.CreatedAt, &n.UpdatedAt, &n.AccessedAt)
	if err != nil {
		return nil, err
	}
	n.Summary = summary.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &n.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]ContextNode, error) {
	var nodes []ContextNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}
