package autogen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder returns fixed vectors keyed by input text, so tests can
// control similarity rankings exactly.
type fakeEmbedder struct {
	vectors map[string][]float32
	// fallback is returned for texts without an explicit vector
	fallback []float32
	err      error
}

func (f *fakeEmbedder) Embed(
	_ context.Context,
	texts []string,
) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = f.fallback
		}
	}
	return out, nil
}

func newTestMemoryStore(
	t testing.TB,
	embedder Embedder,
) *MemoryStore {
	t.Helper()
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Memory.DBPath, 0o755))

	store, err := NewMemoryStore(
		context.Background(), cfg.Memory, embedder, nil,
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = store.Close()
		},
	)
	return store
}

func TestMemoryStore_AddAndCount(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0, 0}}
	store := newTestMemoryStore(t, embedder)
	ctx := context.Background()

	require.NoError(
		t, store.Add(ctx, "user-1", "I like turtles", MemoryRoleUser),
	)
	require.NoError(
		t, store.Add(ctx, "user-1", "Turtles are great!", MemoryRoleAssistant),
	)
	require.NoError(
		t, store.Add(ctx, "user-2", "something else", MemoryRoleUser),
	)

	count, err := store.Count(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	total, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestMemoryStore_AddCleansText(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0, 0}}
	store := newTestMemoryStore(t, embedder)
	ctx := context.Background()

	require.NoError(
		t,
		store.Add(
			ctx,
			"user-1",
			"<think>internal reasoning</think>Response: I like turtles",
			MemoryRoleAssistant,
		),
	)

	candidates, err := store.Relevant(ctx, "user-1", "turtles")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "I like turtles", candidates[0].Memory.Text)
}

func TestMemoryStore_AddDropsEmptyText(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0, 0}}
	store := newTestMemoryStore(t, embedder)
	ctx := context.Background()

	require.NoError(
		t, store.Add(ctx, "user-1", "<think>only reasoning</think>", MemoryRoleUser),
	)
	count, err := store.Count(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryStore_RelevantRanksBySimilarity(t *testing.T) {
	embedder := &fakeEmbedder{
		vectors: map[string][]float32{
			"cats":           {1, 0, 0},
			"about cats":     {0.9, 0.1, 0},
			"about dogs":     {0, 1, 0},
			"about weather":  {0, 0, 1},
			"also tangent":   {0.1, 0.1, 1},
			"more cat facts": {0.8, 0.2, 0},
		},
	}
	store := newTestMemoryStore(t, embedder)
	store.config.MaxMemoriesPerQuery = 3
	ctx := context.Background()

	for _, text := range []string{
		"about cats", "about dogs", "about weather",
		"also tangent", "more cat facts",
	} {
		require.NoError(t, store.Add(ctx, "user-1", text, MemoryRoleUser))
	}

	candidates, err := store.Relevant(ctx, "user-1", "cats")
	require.NoError(t, err)
	require.Len(t, candidates, 3, "limited to MaxMemoriesPerQuery")

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Memory.Text
	}
	// the three most similar, in their original chronological order
	assert.Contains(t, texts, "about cats")
	assert.Contains(t, texts, "more cat facts")
	assert.NotContains(t, texts, "about dogs")
	assert.NotContains(t, texts, "about weather")

	for i := 1; i < len(candidates); i++ {
		assert.LessOrEqual(
			t,
			candidates[i-1].Memory.CreatedAt,
			candidates[i].Memory.CreatedAt,
			"results should be chronological",
		)
	}
	for _, c := range candidates {
		assert.Greater(t, c.Similarity, 0.0)
	}
}

func TestMemoryStore_RelevantEmptyHistory(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0, 0}}
	store := newTestMemoryStore(t, embedder)

	candidates, err := store.Relevant(
		context.Background(), "nobody", "anything",
	)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestMemoryStore_UserIsolation(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0, 0}}
	store := newTestMemoryStore(t, embedder)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "user-1", "user one memory", MemoryRoleUser))
	require.NoError(t, store.Add(ctx, "user-2", "user two memory", MemoryRoleUser))

	candidates, err := store.Relevant(ctx, "user-1", "memory")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "user one memory", candidates[0].Memory.Text)
}

func TestMemoryStore_Clear(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0, 0}}
	store := newTestMemoryStore(t, embedder)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(
			t,
			store.Add(
				ctx, "user-1", fmt.Sprintf("memory %d", i), MemoryRoleUser,
			),
		)
	}
	require.NoError(t, store.Add(ctx, "user-2", "other memory", MemoryRoleUser))

	require.NoError(t, store.Clear(ctx, "user-1"))

	count, err := store.Count(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = store.Count(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, store.Clear(ctx, ""))
	total, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMemoryStore_CreatesDatabaseFile(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0, 0}}
	store := newTestMemoryStore(t, embedder)
	require.NoError(
		t,
		store.Add(
			context.Background(), "user-1", "hello", MemoryRoleUser,
		),
	)

	_, err := os.Stat(
		filepath.Join(store.config.DBPath, memoryDatabaseFile),
	)
	assert.NoError(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(
		t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9,
	)
	assert.InDelta(
		t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9,
	)
	assert.InDelta(
		t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9,
	)
	assert.Zero(
		t, cosineSimilarity([]float32{1, 0}, []float32{1}),
		"mismatched lengths",
	)
	assert.Zero(
		t, cosineSimilarity([]float32{0, 0}, []float32{0, 0}),
		"zero vectors",
	)
}
