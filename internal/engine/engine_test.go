package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/spiral/internal/config"
	"github.com/lazypower/spiral/internal/store"
)

// stubEmbedder returns canned vectors by exact text, falling back to a unit
// vector derived from the first byte so unknown inputs still embed.
type stubEmbedder struct {
	vecs map[string][]float32
	fail bool
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.fail {
		return nil, errors.New("embedder down")
	}
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	var b byte
	if len(text) > 0 {
		b = text[0]
	}
	return []float32{float32(b) / 255, 1, 0}, nil
}

func (s *stubEmbedder) Model() string   { return "stub" }
func (s *stubEmbedder) Dimensions() int { return 3 }

func testEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	index := store.NewVectorIndex(db, 3)
	return New(db, index, cfg)
}

func TestStoreDefaults(t *testing.T) {
	eng := testEngine(t, config.Default())

	result, err := eng.Store(context.Background(), StoreInput{
		Content: "func hello() {}",
		Type:    "code",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if result.NodeID == "" {
		t.Error("expected node id")
	}
	if result.Level != store.LevelFocus {
		t.Errorf("level = %d, want %d", result.Level, store.LevelFocus)
	}
	if result.TokenCount <= 0 {
		t.Errorf("token count = %d, want > 0", result.TokenCount)
	}
	if result.Connections != 0 {
		t.Errorf("connections = %d, want 0", result.Connections)
	}
}

func TestStoreInvalidType(t *testing.T) {
	eng := testEngine(t, config.Default())
	_, err := eng.Store(context.Background(), StoreInput{Content: "x", Type: "banana"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalid node type: got %v, want ErrInvalidInput", err)
	}
}

func TestStoreImplicitRelations(t *testing.T) {
	eng := testEngine(t, config.Default())
	ctx := context.Background()

	a, err := eng.Store(ctx, StoreInput{Content: "base", Type: "code"})
	if err != nil {
		t.Fatalf("store a: %v", err)
	}

	b, err := eng.Store(ctx, StoreInput{
		Content:   "dependent",
		Type:      "code",
		Relations: []string{a.NodeID, a.NodeID, "ghost"},
	})
	if err != nil {
		t.Fatalf("store b: %v", err)
	}

	// the duplicate and the missing target are both swallowed
	if b.Connections != 1 {
		t.Errorf("connections = %d, want 1", b.Connections)
	}

	edges, err := eng.DB.EdgesBySource(b.NodeID)
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 1 || edges[0].RelationType != "related_to" {
		t.Errorf("edges = %+v", edges)
	}
}

func TestStoreEmbeds(t *testing.T) {
	eng := testEngine(t, config.Default())
	eng.SetEmbedder(&stubEmbedder{})

	result, err := eng.Store(context.Background(), StoreInput{Content: "vectorized", Type: "code"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	has, err := eng.Index.HasVector(result.NodeID)
	if err != nil {
		t.Fatalf("has vector: %v", err)
	}
	if !has {
		t.Error("expected stored node to have a vector")
	}
}

func TestStoreSurvivesEmbedderFailure(t *testing.T) {
	eng := testEngine(t, config.Default())
	eng.SetEmbedder(&stubEmbedder{fail: true})

	result, err := eng.Store(context.Background(), StoreInput{Content: "kept anyway", Type: "code"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	node, err := eng.DB.GetNode(result.NodeID)
	if err != nil || node == nil {
		t.Fatalf("node missing after embed failure: node=%v err=%v", node, err)
	}
	has, _ := eng.Index.HasVector(result.NodeID)
	if has {
		t.Error("unexpected vector after embed failure")
	}
}

func TestQueryNoEmbedder(t *testing.T) {
	eng := testEngine(t, config.Default())

	result, err := eng.Query(context.Background(), "anything", 0, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.NodeCount != 0 || result.TotalTokens != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
	if len(result.Levels) != 5 {
		t.Errorf("expected all five level keys, got %d", len(result.Levels))
	}
}

func TestQueryEmptyStore(t *testing.T) {
	eng := testEngine(t, config.Default())
	eng.SetEmbedder(&stubEmbedder{})

	result, err := eng.Query(context.Background(), "anything", 0, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.NodeCount != 0 {
		t.Errorf("node count = %d, want 0", result.NodeCount)
	}
}

func TestQueryDegradesOnEmbedFailure(t *testing.T) {
	eng := testEngine(t, config.Default())
	eng.SetEmbedder(&stubEmbedder{})
	if _, err := eng.Store(context.Background(), StoreInput{Content: "x", Type: "code"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	eng.SetEmbedder(&stubEmbedder{fail: true})
	result, err := eng.Query(context.Background(), "x", 0, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.NodeCount != 0 {
		t.Errorf("expected degraded empty result, got %d nodes", result.NodeCount)
	}
}

func TestQueryInvalidLevel(t *testing.T) {
	eng := testEngine(t, config.Default())
	if _, err := eng.Query(context.Background(), "x", 0, []int{6}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("level 6: got %v, want ErrInvalidInput", err)
	}
	if _, err := eng.Query(context.Background(), "x", 0, []int{0}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("level 0: got %v, want ErrInvalidInput", err)
	}
}

func TestQueryRespectsBudget(t *testing.T) {
	eng := testEngine(t, config.Default())
	emb := &stubEmbedder{vecs: map[string][]float32{"needle": {1, 0, 0}}}
	eng.SetEmbedder(emb)
	ctx := context.Background()

	long := strings.Repeat("payload ", 500) // ~1000 tokens each
	for i := 0; i < 4; i++ {
		emb.vecs[long+fmt.Sprint(i)] = []float32{1, float32(i) * 0.01, 0}
		if _, err := eng.Store(ctx, StoreInput{Content: long + fmt.Sprint(i), Type: "code"}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	maxTokens := 100
	result, err := eng.Query(ctx, "needle", maxTokens, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if result.NodeCount == 0 {
		t.Fatal("expected at least one surfaced node")
	}
	if result.TotalTokens > maxTokens {
		t.Errorf("total tokens = %d, exceeds budget %d", result.TotalTokens, maxTokens)
	}
	for level, nodes := range result.Levels {
		for _, n := range nodes {
			if n.Level != level {
				t.Errorf("node %s at level %d filed under %d", n.ID, n.Level, level)
			}
		}
	}
}

func TestQueryLevelFilter(t *testing.T) {
	eng := testEngine(t, config.Default())
	emb := &stubEmbedder{}
	eng.SetEmbedder(emb)
	ctx := context.Background()

	if _, err := eng.Store(ctx, StoreInput{Content: "focus node", Type: "code"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	// the only node sits at Focus, so an Active-only query surfaces nothing
	result, err := eng.Query(ctx, "focus node", 0, []int{store.LevelActive})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.NodeCount != 0 {
		t.Errorf("node count = %d, want 0", result.NodeCount)
	}
}

func TestQueryBoostsSurfacedNodes(t *testing.T) {
	cfg := config.Default()
	eng := testEngine(t, cfg)
	eng.SetEmbedder(&stubEmbedder{})
	ctx := context.Background()

	stored, err := eng.Store(ctx, StoreInput{Content: "boost me", Type: "code"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	rel := 0.5
	if _, err := eng.DB.UpdateNode(stored.NodeID, store.NodeUpdate{Relevance: &rel}); err != nil {
		t.Fatalf("update: %v", err)
	}

	result, err := eng.Query(ctx, "boost me", 0, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.NodeCount != 1 {
		t.Fatalf("node count = %d, want 1", result.NodeCount)
	}

	node, _ := eng.DB.GetNode(stored.NodeID)
	want := rel + cfg.Decay.AccessBoost
	if node.Relevance != want {
		t.Errorf("relevance after surfacing = %v, want %v", node.Relevance, want)
	}
	// the boost leaves the tier alone until the next decay tick
	if node.Level != store.LevelFocus {
		t.Errorf("level changed to %d on boost", node.Level)
	}
}

func TestRelate(t *testing.T) {
	eng := testEngine(t, config.Default())
	ctx := context.Background()

	a, _ := eng.Store(ctx, StoreInput{Content: "a", Type: "code"})
	b, _ := eng.Store(ctx, StoreInput{Content: "b", Type: "code"})

	edge, err := eng.Relate(a.NodeID, b.NodeID, "depends_on", 0.8)
	if err != nil {
		t.Fatalf("relate: %v", err)
	}
	if edge.Weight != 0.8 || edge.RelationType != "depends_on" {
		t.Errorf("edge = %+v", edge)
	}

	// unlike implicit store relations, an explicit duplicate is surfaced
	_, err = eng.Relate(a.NodeID, b.NodeID, "depends_on", 0.8)
	if !errors.Is(err, store.ErrDuplicateRelation) {
		t.Errorf("duplicate: got %v, want ErrDuplicateRelation", err)
	}

	_, err = eng.Relate(a.NodeID, "ghost", "depends_on", 0.8)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing target: got %v, want ErrNotFound", err)
	}

	if _, err := eng.Relate(a.NodeID, b.NodeID, "likes", 1.0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalid relation type: got %v, want ErrInvalidInput", err)
	}
	if _, err := eng.Relate(a.NodeID, b.NodeID, "calls", 1.5); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("out-of-range weight: got %v, want ErrInvalidInput", err)
	}
	if _, err := eng.Relate(a.NodeID, b.NodeID, "calls", -0.1); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("negative weight: got %v, want ErrInvalidInput", err)
	}
}

func TestStatus(t *testing.T) {
	eng := testEngine(t, config.Default())
	ctx := context.Background()

	a, _ := eng.Store(ctx, StoreInput{Content: "a", Type: "code"})
	b, _ := eng.Store(ctx, StoreInput{Content: "b", Type: "decision"})
	if _, err := eng.Relate(a.NodeID, b.NodeID, "related_to", 1.0); err != nil {
		t.Fatalf("relate: %v", err)
	}

	status, err := eng.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.TotalNodes != 2 {
		t.Errorf("total nodes = %d, want 2", status.TotalNodes)
	}
	if status.TotalEdges != 1 {
		t.Errorf("total edges = %d, want 1", status.TotalEdges)
	}
	if status.PerLevel[store.LevelFocus] != 2 {
		t.Errorf("focus count = %d, want 2", status.PerLevel[store.LevelFocus])
	}
	if status.EmbeddingStatus != "fallback" {
		t.Errorf("embedding status = %q, want fallback", status.EmbeddingStatus)
	}
	if status.StorageBytes <= 0 {
		t.Errorf("storage bytes = %d, want > 0", status.StorageBytes)
	}

	eng.SetEmbedder(&stubEmbedder{})
	if got := eng.EmbeddingStatus(); got != "loaded" {
		t.Errorf("embedding status = %q, want loaded", got)
	}
}

func TestEmbedMissing(t *testing.T) {
	eng := testEngine(t, config.Default())
	ctx := context.Background()

	// stored without an embedder, so no vectors yet
	a, _ := eng.Store(ctx, StoreInput{Content: "first", Type: "code"})
	b, _ := eng.Store(ctx, StoreInput{Content: "second", Type: "code"})

	eng.SetEmbedder(&stubEmbedder{})
	embedded, err := eng.EmbedMissing(ctx)
	if err != nil {
		t.Fatalf("embed missing: %v", err)
	}
	if embedded != 2 {
		t.Errorf("embedded = %d, want 2", embedded)
	}

	for _, id := range []string{a.NodeID, b.NodeID} {
		has, err := eng.Index.HasVector(id)
		if err != nil || !has {
			t.Errorf("node %s: has=%v err=%v", id, has, err)
		}
	}

	// a second pass finds nothing left to do
	embedded, err = eng.EmbedMissing(ctx)
	if err != nil || embedded != 0 {
		t.Errorf("second pass: embedded=%d err=%v", embedded, err)
	}
}

func TestStopIdempotent(t *testing.T) {
	eng := testEngine(t, config.Default())
	eng.StartDecayTimer()
	eng.Stop()
	eng.Stop()
}

func TestDecayTimerRunsImmediateTick(t *testing.T) {
	cfg := config.Default()
	cfg.Decay.Rate = 0.45
	cfg.Decay.Interval = time.Hour
	eng := testEngine(t, cfg)

	stored, err := eng.Store(context.Background(), StoreInput{Content: "decays", Type: "code"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	eng.StartDecayTimer()
	defer eng.Stop()

	node, err := eng.DB.GetNode(stored.NodeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if math.Abs(node.Relevance-0.55) > 1e-9 {
		t.Errorf("relevance = %v, want 0.55", node.Relevance)
	}
	if node.Level != store.LevelActive {
		t.Errorf("level = %d, want %d", node.Level, store.LevelActive)
	}
}
