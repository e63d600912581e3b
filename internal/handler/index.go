package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
)

// Chunk is one rune-window slice of a document's cleaned content, the unit
// the index stage hands to a VectorStore. TaskID is carried for tracing
// only; ContentHash is the store's actual identity key.
type Chunk struct {
	ContentHash string
	TaskID      string
	Index       int
	Text        string
	Version     int
}

// Embedder turns a chunk's text into a vector. Swappable so the index stage
// doesn't hard-code a specific embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the index stage's write target, keyed by content_hash: the
// exclusive idempotency key between persist and index, so replaying the
// same content never creates a duplicate entry.
type VectorStore interface {
	Upsert(ctx context.Context, contentHash string, chunks []Chunk, vectors [][]float32) error
	Delete(ctx context.Context, contentHash string) error
}

// Indexer is the index-stage, terminal handler: it chunks cleaned content,
// embeds each chunk, and upserts (or deletes, for tombstones) the result in
// a VectorStore. Process always returns a nil envelope since there is no
// next stage.
type Indexer struct {
	store      VectorStore
	embedder   Embedder
	chunkRunes int

	mu    sync.Mutex
	stats Stats
}

// NewIndexer builds an Indexer with the given chunk window size in runes.
func NewIndexer(store VectorStore, embedder Embedder, chunkRunes int) *Indexer {
	if chunkRunes <= 0 {
		chunkRunes = 1000
	}
	return &Indexer{store: store, embedder: embedder, chunkRunes: chunkRunes}
}

func (idx *Indexer) OnStart(ctx context.Context) error { return nil }
func (idx *Indexer) OnStop(ctx context.Context) error  { return nil }

func (idx *Indexer) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.stats
}

func (idx *Indexer) record(succeeded bool) {
	idx.mu.Lock()
	idx.stats.Processed++
	if succeeded {
		idx.stats.Succeeded++
	} else {
		idx.stats.Failed++
	}
	idx.mu.Unlock()
}

func (idx *Indexer) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.IndexOperation == envelope.IndexOperationDelete {
		if err := idx.store.Delete(ctx, env.ContentHash); err != nil {
			idx.record(false)
			return nil, &TransientError{Err: fmt.Errorf("delete from index: %w", err)}
		}
		idx.record(true)
		return nil, nil
	}

	chunks := chunkRunes(env.ContentHash, env.TaskID, env.Version, env.CleanedContent, idx.chunkRunes)
	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		v, err := idx.embedder.Embed(ctx, c.Text)
		if err != nil {
			idx.record(false)
			return nil, &TransientError{Err: fmt.Errorf("embed chunk %d: %w", i, err)}
		}
		vectors[i] = v
	}

	if err := idx.store.Upsert(ctx, env.ContentHash, chunks, vectors); err != nil {
		idx.record(false)
		return nil, &TransientError{Err: fmt.Errorf("upsert vectors: %w", err)}
	}
	idx.record(true)
	return nil, nil
}

// chunkRunes splits text into non-overlapping windows of at most
// windowSize runes, never splitting inside a rune.
func chunkRunes(contentHash, taskID string, version int, text string, windowSize int) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var chunks []Chunk
	for start, i := 0, 0; start < len(runes); start += windowSize {
		end := start + windowSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{ContentHash: contentHash, TaskID: taskID, Index: i, Text: string(runes[start:end]), Version: version})
		i++
	}
	return chunks
}

// InMemoryVectorStore is a reference VectorStore used by default and by
// tests; the pack carries no vector-database SDK to bind a production
// implementation to.
type InMemoryVectorStore struct {
	mu   sync.Mutex
	docs map[string][]Chunk
	vecs map[string][][]float32
}

func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{docs: map[string][]Chunk{}, vecs: map[string][][]float32{}}
}

func (s *InMemoryVectorStore) Upsert(ctx context.Context, contentHash string, chunks []Chunk, vectors [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[contentHash] = chunks
	s.vecs[contentHash] = vectors
	return nil
}

func (s *InMemoryVectorStore) Delete(ctx context.Context, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, contentHash)
	delete(s.vecs, contentHash)
	return nil
}

// ConstantEmbedder is a reference Embedder for tests and default operation;
// it returns a fixed-size zero vector without calling out to any model.
type ConstantEmbedder struct{ Dims int }

func (e ConstantEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := e.Dims
	if dims <= 0 {
		dims = 8
	}
	return make([]float32, dims), nil
}
