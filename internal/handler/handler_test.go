package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/stretchr/testify/require"
)

func TestClassifyDefaultsToTransient(t *testing.T) {
	require.Equal(t, Transient, Classify(errors.New("plain error")))
	require.Equal(t, Transient, Classify(nil))
}

func TestClassifyRespectsWrapping(t *testing.T) {
	require.Equal(t, Permanent, Classify(&PermanentError{Err: errors.New("bad request")}))
	require.Equal(t, Transient, Classify(&TransientError{Err: errors.New("timeout")}))
}

func TestCleanerHTMLStrategy(t *testing.T) {
	c := NewCleaner()
	out, err := c.cleanHTML([]byte(`<html><head><script>x()</script></head><body><h1>Title</h1><p>hello</p></body></html>`))
	require.NoError(t, err)
	require.Contains(t, out, "Title")
	require.Contains(t, out, "hello")
	require.NotContains(t, out, "x()")
}

func TestCleanerRejectsUnknownContentType(t *testing.T) {
	c := NewCleaner()
	env := envelope.New("https://example.com/doc.xyz", "site1")
	require.NoError(t, env.WithRawContent([]byte("binary"), "application/x-unknown"))

	_, err := c.Process(context.Background(), env)
	require.Error(t, err)
	require.Equal(t, Permanent, Classify(err))
}

func TestChunkRunesSplitsOnBoundaries(t *testing.T) {
	text := "abcdefghij"
	chunks := chunkRunes("hash-1", "task-1", 1, text, 4)
	require.Len(t, chunks, 3)
	require.Equal(t, "abcd", chunks[0].Text)
	require.Equal(t, "efgh", chunks[1].Text)
	require.Equal(t, "ij", chunks[2].Text)
}

func TestInMemoryVectorStoreUpsertAndDelete(t *testing.T) {
	store := NewInMemoryVectorStore()
	ctx := context.Background()
	chunks := []Chunk{{ContentHash: "hash1", TaskID: "t1", Index: 0, Text: "hi"}}
	vectors := [][]float32{{1, 2, 3}}

	require.NoError(t, store.Upsert(ctx, "hash1", chunks, vectors))
	require.Contains(t, store.docs, "hash1")

	require.NoError(t, store.Delete(ctx, "hash1"))
	require.NotContains(t, store.docs, "hash1")
}

func TestConstantEmbedderDefaultDims(t *testing.T) {
	e := ConstantEmbedder{}
	v, err := e.Embed(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, v, 8)
}
