package store

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// Match is a single nearest-neighbor result. Distance is 0 for identical
// vectors and grows as similarity drops; callers may rely on the ordering
// but not on a particular bounded range.
type Match struct {
	NodeID   string
	Distance float64
}

// VectorIndex answers k-nearest-neighbor queries over per-node embeddings.
// Two strategies implement it: a sqlite-vec vec0 virtual table and a
// brute-force cosine scan over the plain embeddings table. The strategy is
// chosen once, at construction.
type VectorIndex interface {
	Store(nodeID string, vec []float32) error
	Search(vec []float32, k int) ([]Match, error)
	Delete(nodeID string) error
	HasVector(nodeID string) (bool, error)
	Native() bool
}

// NewVectorIndex probes for the sqlite-vec extension and returns the native
// vec0 index when it is operative, the brute-force fallback otherwise.
func NewVectorIndex(db *DB, dims int) VectorIndex {
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		log.Printf("vector index: sqlite-vec not available (%v), using brute-force scan", err)
		return &scanIndex{db: db}
	}

	_, err := db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS node_vec USING vec0(
			embedding float[%d] distance_metric=cosine,
			+node_id TEXT
		)
	`, dims))
	if err != nil {
		log.Printf("vector index: create vec0 table failed (%v), using brute-force scan", err)
		return &scanIndex{db: db}
	}

	db.hasVecTable = true
	log.Printf("vector index: sqlite-vec %s (dim=%d)", vecVersion, dims)
	return &vecIndex{db: db, dims: dims}
}

// vecIndex is the native strategy: embeddings live in a vec0 virtual table
// keyed by the nodes table rowid, with the node id carried as an auxiliary
// column. TEXT primary keys partition vec0 and break KNN queries, hence the
// integer rowid keying.
type vecIndex struct {
	db   *DB
	dims int
}

func (v *vecIndex) Native() bool { return true }

func (v *vecIndex) Store(nodeID string, vec []float32) error {
	if len(vec) != v.dims {
		return fmt.Errorf("store vector: dim %d does not match index dim %d", len(vec), v.dims)
	}

	var rowid int64
	err := v.db.QueryRow("SELECT rowid FROM nodes WHERE id = ?", nodeID).Scan(&rowid)
	if err != nil {
		return fmt.Errorf("store vector: resolve node %s: %w", nodeID, err)
	}

	serialized, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return fmt.Errorf("serialize vector: %w", err)
	}

	// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT
	// in one transaction so a failed insert cannot leave the node vectorless.
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("begin vector replace: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM node_vec WHERE rowid = ?", rowid); err != nil {
		tx.Rollback()
		return fmt.Errorf("replace vector: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO node_vec (rowid, embedding, node_id) VALUES (?, ?, ?)",
		rowid, serialized, nodeID,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert vector: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vector replace: %w", err)
	}
	return nil
}

func (v *vecIndex) Search(vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	serialized, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("serialize query vector: %w", err)
	}

	rows, err := v.db.Query(`
		SELECT node_id, distance FROM node_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, serialized, k)
	if err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.NodeID, &m.Distance); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (v *vecIndex) Delete(nodeID string) error {
	_, err := v.db.Exec(
		"DELETE FROM node_vec WHERE rowid = (SELECT rowid FROM nodes WHERE id = ?)",
		nodeID,
	)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

func (v *vecIndex) HasVector(nodeID string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM node_vec WHERE rowid = (SELECT rowid FROM nodes WHERE id = ?)",
		nodeID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has vector: %w", err)
	}
	return count > 0, nil
}

// scanIndex is the fallback strategy: embeddings are plain rows, and every
// query loads all of them and ranks by cosine similarity in memory.
type scanIndex struct {
	db *DB
}

func (s *scanIndex) Native() bool { return false }

func (s *scanIndex) Store(nodeID string, vec []float32) error {
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(vec)

	_, err := s.db.Exec(`
		INSERT INTO embeddings (node_id, embedding, dimensions, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET embedding = excluded.embedding,
			dimensions = excluded.dimensions, created_at = excluded.created_at
	`, nodeID, blob, len(vec), now)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	return nil
}

func (s *scanIndex) Search(vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query("SELECT node_id, embedding FROM embeddings")
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var nodeID string
		var blob []byte
		if err := rows.Scan(&nodeID, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		sim := CosineSimilarity(vec, decodeEmbedding(blob))
		matches = append(matches, Match{NodeID: nodeID, Distance: 1 - sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *scanIndex) Delete(nodeID string) error {
	_, err := s.db.Exec("DELETE FROM embeddings WHERE node_id = ?", nodeID)
	if err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

func (s *scanIndex) HasVector(nodeID string) (bool, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM embeddings WHERE node_id = ?", nodeID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has embedding: %w", err)
	}
	return count > 0, nil
}

// encodeEmbedding converts a []float32 to a binary BLOB (4 bytes per float).
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float32.
func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Defined as 0 when either magnitude is 0 or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
