package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustNode(t *testing.T, db *DB, nodeType, content string) *ContextNode {
	t.Helper()
	node := &ContextNode{Type: nodeType, Content: content}
	if err := db.CreateNode(node); err != nil {
		t.Fatalf("create node: %v", err)
	}
	return node
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "spiral.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if db.Path != path {
		t.Errorf("db.Path = %q, want %q", db.Path, path)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Error("foreign_keys pragma not enabled")
	}
}

// Pragmas must hold on every pooled connection of a file-backed database,
// not just the one that opened it. Holding one connection forces the next
// statement onto a second connection; the cascade and the foreign key check
// must behave identically there.
func TestPragmasApplyToAllConnections(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "spiral.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	a := mustNode(t, db, "code", "a")
	b := mustNode(t, db, "code", "b")
	edge := &Edge{SourceID: a.ID, TargetID: b.ID, RelationType: "calls", Weight: 1.0}
	if err := db.CreateEdge(edge); err != nil {
		t.Fatalf("create edge: %v", err)
	}

	ctx := context.Background()
	held, err := db.Conn(ctx)
	if err != nil {
		t.Fatalf("hold connection: %v", err)
	}
	defer held.Close()

	if err := db.DeleteNode(a.ID); err != nil {
		t.Fatalf("delete on second connection: %v", err)
	}
	var dangling int
	if err := db.QueryRow("SELECT COUNT(*) FROM edges WHERE source_id = ?", a.ID).Scan(&dangling); err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if dangling != 0 {
		t.Errorf("dangling edges after cascade = %d, want 0", dangling)
	}

	ghost := &Edge{SourceID: b.ID, TargetID: "ghost", RelationType: "calls", Weight: 1.0}
	if err := db.CreateEdge(ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing endpoint on second connection: got %v, want ErrNotFound", err)
	}
}

func TestMigrationsApplied(t *testing.T) {
	db := testDB(t)

	version, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}

	// migrations are idempotent on reopen of the same schema
	for _, table := range []string{"nodes", "edges", "embeddings"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestSizeBytes(t *testing.T) {
	db := testDB(t)
	mustNode(t, db, "code", "func main() {}")

	size, err := db.SizeBytes()
	if err != nil {
		t.Fatalf("size bytes: %v", err)
	}
	if size <= 0 {
		t.Errorf("size = %d, want > 0", size)
	}
}
