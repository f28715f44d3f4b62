// Package engine implements the spiral tiered context-memory engine: five
// operations (store, query, relate, status, compact) over the node store,
// edge store, and vector index, plus the relevance decay timer that migrates
// nodes between tiers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lazypower/spiral/internal/config"
	"github.com/lazypower/spiral/internal/store"
	"github.com/lazypower/spiral/internal/tokens"
)

// queryCandidates is the KNN overfetch size: generous enough that per-level
// filtering never needs a second index query.
const queryCandidates = 64

// ErrInvalidInput marks a caller mistake (bad type, level, or weight) as
// opposed to a persistence failure. The HTTP layer maps it to 400; anything
// else from an operation is a server-side fault.
var ErrInvalidInput = errors.New("invalid input")

// Engine orchestrates the node store, edge store, and vector index.
type Engine struct {
	DB    *store.DB
	Index store.VectorIndex

	cfg      config.Config
	stopCh   chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	embedder    Embedder
	backfilling bool
}

// New creates a new Engine. The embedder is optional and attached later via
// SetEmbedder; without one the engine stores and relates normally but
// queries degrade to empty results.
func New(db *store.DB, index store.VectorIndex, cfg config.Config) *Engine {
	return &Engine{
		DB:     db,
		Index:  index,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// SetEmbedder configures the embedding provider.
func (e *Engine) SetEmbedder(emb Embedder) {
	e.mu.Lock()
	e.embedder = emb
	e.mu.Unlock()
}

func (e *Engine) getEmbedder() Embedder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.embedder
}

func (e *Engine) thresholds() store.Thresholds {
	return store.Thresholds{
		Focus:     e.cfg.Levels.Focus,
		Active:    e.cfg.Levels.Active,
		Reference: e.cfg.Levels.Reference,
		Archive:   e.cfg.Levels.Archive,
	}
}

// StoreInput is the payload for Store.
type StoreInput struct {
	Content   string
	Type      string
	Metadata  store.Metadata
	Relations []string // node ids to link with related_to edges
}

// StoreResult reports the outcome of a Store.
type StoreResult struct {
	NodeID      string `json:"node_id"`
	Level       int    `json:"level"`
	Connections int    `json:"connections"`
	TokenCount  int    `json:"token_count"`
}

// Store creates a node at Focus, embeds it when an embedder is available,
// and links the optional explicit relations. Embedding failure is soft: the
// node persists without a vector rather than being rolled back. The implicit
// relations are idempotent; duplicate edges are swallowed.
func (e *Engine) Store(ctx context.Context, in StoreInput) (*StoreResult, error) {
	if !store.ValidNodeTypes[in.Type] {
		return nil, fmt.Errorf("invalid node type %q: %w", in.Type, ErrInvalidInput)
	}

	node := &store.ContextNode{
		Type:       in.Type,
		Content:    in.Content,
		TokenCount: tokens.Estimate(in.Content),
		Metadata:   in.Metadata,
	}
	if err := e.DB.CreateNode(node); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	if emb := e.getEmbedder(); emb != nil {
		vec, err := emb.Embed(ctx, in.Content)
		if err != nil {
			log.Printf("store: embed %s failed, node kept without vector: %v", node.ID, err)
		} else if err := e.Index.Store(node.ID, vec); err != nil {
			log.Printf("store: index %s failed, node kept without vector: %v", node.ID, err)
		}
	}

	for _, targetID := range in.Relations {
		edge := &store.Edge{
			SourceID:     node.ID,
			TargetID:     targetID,
			RelationType: "related_to",
			Weight:       1.0,
		}
		if err := e.DB.CreateEdge(edge); err != nil {
			// duplicate or missing target: the stored node must survive either way
			if e.cfg.Verbose() {
				log.Printf("store: implicit relation %s -> %s skipped: %v", node.ID, targetID, err)
			}
		}
	}

	connections, err := e.DB.CountConnected(node.ID)
	if err != nil {
		return nil, fmt.Errorf("store: count connections: %w", err)
	}

	return &StoreResult{
		NodeID:      node.ID,
		Level:       node.Level,
		Connections: connections,
		TokenCount:  node.TokenCount,
	}, nil
}

// QueryNode is a single surfaced node in a query result.
type QueryNode struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Level      int            `json:"level"`
	Distance   float64        `json:"distance"`
	TokenCount int            `json:"token_count"`
	Metadata   store.Metadata `json:"metadata,omitempty"`
}

// QueryResult holds the per-level result sets of a budgeted query.
type QueryResult struct {
	Levels      map[int][]QueryNode `json:"levels"`
	TotalTokens int                 `json:"total_tokens"`
	NodeCount   int                 `json:"node_count"`
}

func emptyQueryResult() *QueryResult {
	levels := make(map[int][]QueryNode, 5)
	for l := store.LevelFocus; l <= store.LevelDeepArchive; l++ {
		levels[l] = nil
	}
	return &QueryResult{Levels: levels}
}

// Query runs a budgeted multi-tier similarity search. maxTokens <= 0 selects
// the configured default; empty levels selects all five tiers. Without an
// embedder, with an empty store, or when the embedding call fails or is
// cancelled, the result is empty rather than an error.
func (e *Engine) Query(ctx context.Context, text string, maxTokens int, levels []int) (*QueryResult, error) {
	if maxTokens <= 0 {
		maxTokens = e.cfg.Query.MaxTokens
	}
	requested := make(map[int]bool, 5)
	if len(levels) == 0 {
		for l := store.LevelFocus; l <= store.LevelDeepArchive; l++ {
			requested[l] = true
		}
	} else {
		for _, l := range levels {
			if l < store.LevelFocus || l > store.LevelDeepArchive {
				return nil, fmt.Errorf("invalid level %d: %w", l, ErrInvalidInput)
			}
			requested[l] = true
		}
	}

	emb := e.getEmbedder()
	if emb == nil {
		return emptyQueryResult(), nil
	}
	count, err := e.DB.CountNodes()
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if count == 0 {
		return emptyQueryResult(), nil
	}

	qvec, err := emb.Embed(ctx, text)
	if err != nil {
		// cancelled or unavailable embedder degrades to the no-embedder path
		log.Printf("query: embed failed, degrading to empty result: %v", err)
		return emptyQueryResult(), nil
	}

	matches, err := e.Index.Search(qvec, queryCandidates)
	if err != nil {
		return nil, fmt.Errorf("query: search: %w", err)
	}
	if len(matches) == 0 {
		return emptyQueryResult(), nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.NodeID
	}
	nodes, err := e.DB.GetNodesByIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("query: fetch candidates: %w", err)
	}
	nodeMap := make(map[string]store.ContextNode, len(nodes))
	for _, n := range nodes {
		nodeMap[n.ID] = n
	}

	budgets := tokens.AllocateBudget(maxTokens)
	result := emptyQueryResult()

	for level := store.LevelFocus; level <= store.LevelDeepArchive; level++ {
		if !requested[level] {
			continue
		}
		remaining := budgets[level]

		// matches are already ascending by distance
		for _, m := range matches {
			if remaining <= 0 {
				break
			}
			node, ok := nodeMap[m.NodeID]
			if !ok || node.Level != level {
				continue
			}

			content := node.Display()
			used := tokens.Estimate(content)
			if used > remaining {
				content = tokens.Truncate(content, remaining)
				used = tokens.Estimate(content)
			}
			remaining -= used

			result.Levels[level] = append(result.Levels[level], QueryNode{
				ID:         node.ID,
				Type:       node.Type,
				Content:    content,
				Level:      node.Level,
				Distance:   m.Distance,
				TokenCount: used,
				Metadata:   node.Metadata,
			})
			result.TotalTokens += used
			result.NodeCount++

			// retrieval boost is immediate; tier recomputation waits for
			// the next decay tick
			if err := e.DB.TouchNode(node.ID, e.cfg.Decay.AccessBoost); err != nil {
				log.Printf("query: touch %s: %v", node.ID, err)
			}
		}
	}

	return result, nil
}

// Relate creates an explicit typed edge. Unlike the implicit relations in
// Store, a duplicate triple is surfaced to the caller.
func (e *Engine) Relate(sourceID, targetID, relationType string, weight float64) (*store.Edge, error) {
	if !store.ValidRelationTypes[relationType] {
		return nil, fmt.Errorf("invalid relation type %q: %w", relationType, ErrInvalidInput)
	}
	if weight < 0 || weight > 1 {
		return nil, fmt.Errorf("weight %v out of range [0,1]: %w", weight, ErrInvalidInput)
	}

	edge := &store.Edge{
		SourceID:     sourceID,
		TargetID:     targetID,
		RelationType: relationType,
		Weight:       weight,
	}
	if err := e.DB.CreateEdge(edge); err != nil {
		return nil, err
	}
	return edge, nil
}

// Status is the aggregate engine state.
type Status struct {
	TotalNodes      int         `json:"total_nodes"`
	PerLevel        map[int]int `json:"per_level"`
	TotalEdges      int         `json:"total_edges"`
	StorageBytes    int64       `json:"storage_size_bytes"`
	OldestNode      int64       `json:"oldest_node,omitempty"`
	NewestNode      int64       `json:"newest_node,omitempty"`
	EmbeddingStatus string      `json:"embedding_status"`
}

// Status aggregates node, edge, and embedding state.
func (e *Engine) Status() (*Status, error) {
	stats, err := e.DB.Aggregate()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	edges, err := e.DB.CountEdges()
	if err != nil {
		return nil, fmt.Errorf("status: count edges: %w", err)
	}

	return &Status{
		TotalNodes:      stats.TotalNodes,
		PerLevel:        stats.PerLevel,
		TotalEdges:      edges,
		StorageBytes:    stats.SizeBytes,
		OldestNode:      stats.OldestNode,
		NewestNode:      stats.NewestNode,
		EmbeddingStatus: e.EmbeddingStatus(),
	}, nil
}

// EmbeddingStatus reports loaded (embedder ready), loading (backfill in
// progress), or fallback (no embedder configured).
func (e *Engine) EmbeddingStatus() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.embedder == nil:
		return "fallback"
	case e.backfilling:
		return "loading"
	default:
		return "loaded"
	}
}

// EmbedMissing embeds every node that has no stored vector. Run in the
// background on serve startup so nodes stored while the embedder was absent
// become searchable.
func (e *Engine) EmbedMissing(ctx context.Context) (int, error) {
	emb := e.getEmbedder()
	if emb == nil {
		return 0, nil
	}

	e.mu.Lock()
	e.backfilling = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.backfilling = false
		e.mu.Unlock()
	}()

	var all []store.ContextNode
	for level := store.LevelFocus; level <= store.LevelDeepArchive; level++ {
		nodes, err := e.DB.ListByLevel(level)
		if err != nil {
			return 0, fmt.Errorf("embed missing: %w", err)
		}
		all = append(all, nodes...)
	}

	embedded := 0
	for i := range all {
		has, err := e.Index.HasVector(all[i].ID)
		if err != nil {
			log.Printf("embed missing: check %s: %v", all[i].ID, err)
			continue
		}
		if has {
			continue
		}

		vec, err := emb.Embed(ctx, all[i].Display())
		if err != nil {
			log.Printf("embed missing: embed %s: %v", all[i].ID, err)
			continue
		}
		if err := e.Index.Store(all[i].ID, vec); err != nil {
			log.Printf("embed missing: index %s: %v", all[i].ID, err)
			continue
		}
		embedded++
	}

	return embedded, nil
}

// StartDecayTimer runs a decay tick immediately and then on the configured
// interval. Each tick shares the write transaction discipline of foreground
// writes.
func (e *Engine) StartDecayTimer() {
	if migrated, err := e.DB.DecayTick(e.cfg.Decay.Rate, e.thresholds()); err != nil {
		log.Printf("decay error: %v", err)
	} else if migrated > 0 {
		log.Printf("decay: migrated %d nodes", migrated)
	}

	go func() {
		ticker := time.NewTicker(e.cfg.Decay.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if migrated, err := e.DB.DecayTick(e.cfg.Decay.Rate, e.thresholds()); err != nil {
					log.Printf("decay error: %v", err)
				} else if migrated > 0 {
					log.Printf("decay: migrated %d nodes", migrated)
				}
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the engine's background goroutines. Safe to call more
// than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}
