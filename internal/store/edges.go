package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// ValidRelationTypes is the allow-list for Edge.RelationType.
var ValidRelationTypes = map[string]bool{
	"depends_on": true,
	"related_to": true,
	"caused_by":  true,
	"fixes":      true,
	"supersedes": true,
	"part_of":    true,
	"imports":    true,
	"calls":      true,
	"belongs_to": true,
	"implements": true,
	"similar_to": true,
	"summarizes": true,
}

// Edge is a directed, typed, weighted relation between two nodes.
type Edge struct {
	ID           string            `json:"id"`
	SourceID     string            `json:"source_id"`
	TargetID     string            `json:"target_id"`
	RelationType string            `json:"relation_type"`
	Weight       float64           `json:"weight"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    int64             `json:"created_at"`
}

// CreateEdge inserts a new edge. Returns ErrDuplicateRelation when the
// (source, target, relation_type) triple already exists, and ErrNotFound
// when either endpoint is missing. Never upserts.
func (db *DB) CreateEdge(edge *Edge) error {
	edge.ID = uuid.NewString()
	edge.CreatedAt = time.Now().UnixMilli()

	var meta any
	if len(edge.Metadata) > 0 {
		buf, err := json.Marshal(edge.Metadata)
		if err != nil {
			return fmt.Errorf("encode edge metadata: %w", err)
		}
		meta = string(buf)
	}

	_, err := db.Exec(`
		INSERT INTO edges (id, source_id, target_id, relation_type, weight, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, edge.ID, edge.SourceID, edge.TargetID, edge.RelationType, edge.Weight, meta, edge.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.ExtendedCode {
			case sqlite3.ErrConstraintUnique:
				return fmt.Errorf("%s -> %s (%s): %w",
					edge.SourceID, edge.TargetID, edge.RelationType, ErrDuplicateRelation)
			case sqlite3.ErrConstraintForeignKey:
				return fmt.Errorf("edge endpoint: %w", ErrNotFound)
			}
		}
		return fmt.Errorf("create edge: %w", err)
	}
	return nil
}

// GetEdge returns an edge by id, or nil if not found.
func (db *DB) GetEdge(id string) (*Edge, error) {
	row := db.QueryRow(`
		SELECT id, source_id, target_id, relation_type, weight, metadata, created_at
		FROM edges WHERE id = ?
	`, id)

	edge, err := scanEdge(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get edge: %w", err)
	}
	return edge, nil
}

// EdgesBySource returns all edges where the node is the source.
func (db *DB) EdgesBySource(nodeID string) ([]Edge, error) {
	return db.queryEdges("SELECT id, source_id, target_id, relation_type, weight, metadata, created_at FROM edges WHERE source_id = ?", nodeID)
}

// EdgesByTarget returns all edges where the node is the target.
func (db *DB) EdgesByTarget(nodeID string) ([]Edge, error) {
	return db.queryEdges("SELECT id, source_id, target_id, relation_type, weight, metadata, created_at FROM edges WHERE target_id = ?", nodeID)
}

// EdgesConnected returns all edges touching the node in either direction.
func (db *DB) EdgesConnected(nodeID string) ([]Edge, error) {
	return db.queryEdges("SELECT id, source_id, target_id, relation_type, weight, metadata, created_at FROM edges WHERE source_id = ? OR target_id = ?", nodeID, nodeID)
}

// CountConnected returns the number of edges touching the node.
func (db *DB) CountConnected(nodeID string) (int, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM edges WHERE source_id = ? OR target_id = ?",
		nodeID, nodeID,
	).Scan(&count)
	return count, err
}

// CountEdges returns the total edge count.
func (db *DB) CountEdges() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM edges").Scan(&count)
	return count, err
}

// DeleteEdge removes an edge by id.
func (db *DB) DeleteEdge(id string) error {
	_, err := db.Exec("DELETE FROM edges WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete edge %s: %w", id, err)
	}
	return nil
}

func (db *DB) queryEdges(query string, args ...any) ([]Edge, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, *edge)
	}
	return edges, rows.Err()
}

func scanEdge(row rowScanner) (*Edge, error) {
	var e Edge
	var meta sql.NullString
	err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.RelationType, &e.Weight, &meta, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode edge metadata: %w", err)
		}
	}
	return &e, nil
}
