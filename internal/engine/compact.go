package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/lazypower/spiral/internal/store"
	"github.com/lazypower/spiral/internal/tokens"
)

// CompactResult reports the outcome of a compaction pass.
type CompactResult struct {
	CompactedNodes int `json:"compacted_nodes"`
	FreedTokens    int `json:"freed_tokens"`
	NodesDeleted   int `json:"nodes_deleted"`
}

// Compact walks the Archive and Deep Archive tiers. Long content that has
// not been summarized yet is replaced by a truncated summary, freeing its
// token delta. With aggressive set, nodes whose relevance sits below the
// Deep Archive threshold and that have not been accessed within the
// staleness window are deleted outright, cascading their edges. Focus,
// Active, and Reference are never touched.
func (e *Engine) Compact(aggressive bool) (*CompactResult, error) {
	nodes, err := e.DB.ListArchived()
	if err != nil {
		return nil, fmt.Errorf("compact: %w", err)
	}

	result := &CompactResult{}
	staleBefore := time.Now().Add(-e.cfg.Compaction.StalenessWindow).UnixMilli()

	for i := range nodes {
		node := &nodes[i]

		if aggressive && node.Relevance < e.cfg.Levels.Archive && node.AccessedAt < staleBefore {
			if err := e.DB.DeleteNode(node.ID); err != nil {
				return result, fmt.Errorf("compact: delete %s: %w", node.ID, err)
			}
			result.NodesDeleted++
			if e.cfg.Verbose() {
				log.Printf("compact: evicted stale node %s", node.ID)
			}
			continue
		}

		if node.Summary == "" && len(node.Content) > e.cfg.Compaction.MinContentChars {
			summary := tokens.Truncate(node.Content, e.cfg.Compaction.SummaryTokens)
			newCount := tokens.Estimate(summary)
			freed := node.TokenCount - newCount

			if _, err := e.DB.UpdateNode(node.ID, store.NodeUpdate{
				Summary:    &summary,
				TokenCount: &newCount,
			}); err != nil {
				return result, fmt.Errorf("compact: summarize %s: %w", node.ID, err)
			}
			result.CompactedNodes++
			result.FreedTokens += freed
		}
	}

	return result, nil
}
