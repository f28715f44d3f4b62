package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lazypower/spiral/internal/engine"
	"github.com/lazypower/spiral/internal/store"
)

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content   string         `json:"content"`
		Type      string         `json:"type"`
		Metadata  store.Metadata `json:"metadata"`
		Relations []string       `json:"relations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, `{"error":"content required"}`, http.StatusBadRequest)
		return
	}

	result, err := s.engine.Store(r.Context(), engine.StoreInput{
		Content:   req.Content,
		Type:      req.Type,
		Metadata:  req.Metadata,
		Relations: req.Relations,
	})
	countOp("store", err)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, errStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// errStatus distinguishes caller mistakes from persistence faults.
func errStatus(err error) int {
	if errors.Is(err, engine.ErrInvalidInput) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text      string `json:"text"`
		MaxTokens int    `json:"max_tokens"`
		Levels    []int  `json:"levels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, `{"error":"text required"}`, http.StatusBadRequest)
		return
	}

	result, err := s.engine.Query(r.Context(), req.Text, req.MaxTokens, req.Levels)
	countOp("query", err)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, errStatus(err))
		return
	}

	out := make(map[string]any, 7)
	for level, nodes := range result.Levels {
		out[fmt.Sprintf("level_%d", level)] = nodes
	}
	out["total_tokens"] = result.TotalTokens
	out["node_count"] = result.NodeCount

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleRelate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID     string   `json:"source_id"`
		TargetID     string   `json:"target_id"`
		RelationType string   `json:"relation_type"`
		Weight       *float64 `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.SourceID == "" || req.TargetID == "" || req.RelationType == "" {
		http.Error(w, `{"error":"source_id, target_id, relation_type required"}`, http.StatusBadRequest)
		return
	}
	weight := 1.0
	if req.Weight != nil {
		weight = *req.Weight
	}

	edge, err := s.engine.Relate(req.SourceID, req.TargetID, req.RelationType, weight)
	countOp("relate", err)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateRelation):
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusConflict)
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
		default:
			http.Error(w, `{"error":"`+err.Error()+`"}`, errStatus(err))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(edge)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status()
	countOp("status", err)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}
	nodeGauge.Set(float64(status.TotalNodes))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Aggressive bool `json:"aggressive"`
	}
	// empty body means a non-aggressive pass
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	result, err := s.engine.Compact(req.Aggressive)
	countOp("compact", err)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    time.Since(s.started).Seconds(),
		"db":        dbOK,
		"db_path":   s.db.Path,
		"embedding": s.engine.EmbeddingStatus(),
	})
}
