// Package memorystore implements hybrid keyword+vector memory recall
// with temporal decay on top of the domain memory.VectorStore.
//
// Grounded on original_source/clawlite/core/vector_memory.py's
// search_memory: BM25-simplified keyword scoring blended with cosine
// similarity, weighted 0.3/0.7, with a 30-day half-life decay boost and
// a minimum score cutoff. No BM25/full-text library exists anywhere in
// the retrieved pack, so the keyword half of the blend is hand-rolled
// here exactly as the original computes it; the vector half reuses the
// existing domain/memory.VectorStore + EmbeddingProvider abstractions.
package memorystore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clawlite/gateway/internal/domain/memory"
)

const (
	defaultMaxResults    = 6
	defaultMinScore      = 0.25
	defaultVectorWeight  = 0.7
	defaultKeywordWeight = 0.3
	decayHalfLifeDays    = 30.0
)

// Config tunes the hybrid blend. Zero values fall back to the defaults
// used by the original implementation.
type Config struct {
	MaxResults    int
	MinScore      float32
	VectorWeight  float32
	KeywordWeight float32
	Now           func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxResults <= 0 {
		c.MaxResults = defaultMaxResults
	}
	if c.MinScore <= 0 {
		c.MinScore = defaultMinScore
	}
	if c.VectorWeight <= 0 && c.KeywordWeight <= 0 {
		c.VectorWeight = defaultVectorWeight
		c.KeywordWeight = defaultKeywordWeight
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Store blends vector recall with keyword scoring and recency decay.
type Store struct {
	store    memory.VectorStore
	embedder memory.EmbeddingProvider
	cfg      Config
}

// New wraps a VectorStore/EmbeddingProvider pair with hybrid recall.
func New(store memory.VectorStore, embedder memory.EmbeddingProvider, cfg Config) *Store {
	cfg.applyDefaults()
	return &Store{store: store, embedder: embedder, cfg: cfg}
}

// Remember stores content as a new memory entry, embedding it when an
// embedder is configured.
func (s *Store) Remember(ctx context.Context, content, source string, metadata map[string]interface{}) (*memory.MemoryEntry, error) {
	var embedding []float32
	if s.embedder != nil {
		var err error
		embedding, err = s.embedder.Embed(ctx, content)
		if err != nil {
			return nil, fmt.Errorf("memorystore: embed: %w", err)
		}
	}

	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["source"] = source

	now := s.cfg.Now()
	entry := &memory.MemoryEntry{
		ID:        chunkID(source, content, now),
		Content:   content,
		Embedding: embedding,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if userID, ok := metadata["user_id"].(string); ok {
		entry.UserID = userID
	}
	if sessionID, ok := metadata["session_id"].(string); ok {
		entry.SessionID = sessionID
	}
	if err := s.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("memorystore: insert: %w", err)
	}
	return entry, nil
}

// Recall performs the hybrid search: every entry reachable via
// GetBySession (or, with no session filter, the store's own Search) is
// scored by a weighted blend of cosine similarity and keyword overlap,
// boosted by recency, and entries below MinScore are dropped.
func (s *Store) Recall(ctx context.Context, query string, filter *memory.SearchFilter) ([]*memory.MemoryEntry, error) {
	var queryEmbedding []float32
	if s.embedder != nil {
		var err error
		queryEmbedding, err = s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("memorystore: embed query: %w", err)
		}
	}

	// topK is set generously here; the hybrid re-scoring below re-ranks
	// and truncates to cfg.MaxResults using the blended score, not the
	// vector store's own ranking.
	candidates, err := s.store.Search(ctx, queryEmbedding, 256, filter)
	if err != nil {
		return nil, fmt.Errorf("memorystore: search: %w", err)
	}

	now := s.cfg.Now()
	type scored struct {
		entry *memory.MemoryEntry
		score float32
	}
	var out []scored
	for _, entry := range candidates {
		kwScore := keywordScore(query, entry.Content)

		var final float32
		if len(queryEmbedding) > 0 {
			final = s.cfg.VectorWeight*entry.Score + s.cfg.KeywordWeight*kwScore
		} else {
			final = kwScore
		}

		ageDays := now.Sub(entry.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		decay := 1.0 / (1.0 + float32(ageDays)/decayHalfLifeDays)
		final *= 0.9 + 0.1*decay

		if final < s.cfg.MinScore {
			continue
		}
		cp := *entry
		cp.Score = final
		out = append(out, scored{entry: &cp, score: final})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > s.cfg.MaxResults {
		out = out[:s.cfg.MaxResults]
	}

	results := make([]*memory.MemoryEntry, len(out))
	for i, c := range out {
		results[i] = c.entry
	}
	return results, nil
}

// Consolidate folds one conversational turn into long-term memory,
// skipping turns too short to carry useful signal.
func (s *Store) Consolidate(ctx context.Context, sessionID, role, content string) error {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 12 {
		return nil
	}
	_, err := s.Remember(ctx, trimmed, "conversation", map[string]interface{}{
		"session_id": sessionID,
		"role":       role,
	})
	return err
}

// Forget deletes a memory entry by id.
func (s *Store) Forget(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// keywordScore mirrors _keyword_score: the fraction of query words
// (longer than 2 characters) present in text, case-insensitive.
func keywordScore(query, text string) float32 {
	fields := strings.Fields(strings.ToLower(query))
	words := map[string]bool{}
	for _, w := range fields {
		if len(w) > 2 {
			words[w] = true
		}
	}
	if len(words) == 0 {
		return 0
	}
	lowerText := strings.ToLower(text)
	hits := 0
	for w := range words {
		if strings.Contains(lowerText, w) {
			hits++
		}
	}
	return float32(hits) / float32(len(words))
}

// chunkID mirrors sha256(f"{source}:{text[:200]}")[:16].
func chunkID(source, content string, _ time.Time) string {
	key := content
	if len(key) > 200 {
		key = key[:200]
	}
	sum := sha256.Sum256([]byte(source + ":" + key))
	return hex.EncodeToString(sum[:])[:16]
}
