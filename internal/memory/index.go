package memory

import (
	"context"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/basket/microclaw/internal/storage"
)

// semanticIndex is an in-memory KNN index over the active memory rows.
// The durable copy of every vector lives in the embedding_blob column;
// the index is rebuilt from those blobs on demand, so process restarts
// cost nothing but a sync pass.
type semanticIndex struct {
	embedder *Embedder

	mu    sync.Mutex
	col   *chromem.Collection
	known map[int64]string // row id -> content currently indexed
}

func newSemanticIndex(embedder *Embedder) (*semanticIndex, error) {
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection("memories", nil, func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return &semanticIndex{
		embedder: embedder,
		col:      col,
		known:    map[int64]string{},
	}, nil
}

func (s *semanticIndex) embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.Embed(ctx, text)
}

// add indexes one row, reusing its stored vector when present.
func (s *semanticIndex) add(ctx context.Context, row storage.MemoryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(ctx, row)
}

func (s *semanticIndex) addLocked(ctx context.Context, row storage.MemoryRow) error {
	id := strconv.FormatInt(row.ID, 10)
	err := s.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   row.Content,
		Embedding: decodeVector(row.EmbeddingBlob),
		Metadata:  map[string]string{"category": row.Category},
	})
	if err != nil {
		return err
	}
	s.known[row.ID] = row.Content
	return nil
}

func (s *semanticIndex) remove(ctx context.Context, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.known[id]; !ok {
		return
	}
	_ = s.col.Delete(ctx, nil, nil, strconv.FormatInt(id, 10))
	delete(s.known, id)
}

// sync reconciles the index with the current active rows: new or
// edited rows are (re)indexed, archived rows are dropped.
func (s *semanticIndex) sync(ctx context.Context, rows []storage.MemoryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := map[int64]struct{}{}
	for _, row := range rows {
		live[row.ID] = struct{}{}
		if s.known[row.ID] == row.Content {
			continue
		}
		if _, ok := s.known[row.ID]; ok {
			_ = s.col.Delete(ctx, nil, nil, strconv.FormatInt(row.ID, 10))
		}
		if err := s.addLocked(ctx, row); err != nil {
			return err
		}
	}
	for id := range s.known {
		if _, ok := live[id]; !ok {
			_ = s.col.Delete(ctx, nil, nil, strconv.FormatInt(id, 10))
			delete(s.known, id)
		}
	}
	return nil
}

// query returns cosine similarity per row id for the top matches.
func (s *semanticIndex) query(ctx context.Context, text string, topK int) (map[int64]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if count := s.col.Count(); count < topK {
		topK = count
	}
	if topK == 0 {
		return map[int64]float64{}, nil
	}
	results, err := s.col.Query(ctx, text, topK, nil, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		out[id] = float64(r.Similarity)
	}
	return out, nil
}
