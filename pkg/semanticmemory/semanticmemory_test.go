package semanticmemory

import (
	"context"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chromem "github.com/philippgille/chromem-go"
)

// fakeEmbed is a deterministic, dependency-free stand-in for a real
// embedding API: it maps each word to a coordinate via its hash so that
// documents sharing words end up nearer each other than documents that
// share none.
func fakeEmbed(_ context.Context, text string) ([]float32, error) {
	const dims = 16
	vec := make([]float32, dims)
	word := ""
	for _, r := range text + " " {
		if r == ' ' || r == '\n' {
			if word != "" {
				h := fnv.New32a()
				h.Write([]byte(word))
				vec[int(h.Sum32())%dims] += 1
				word = ""
			}
			continue
		}
		word += string(r)
	}
	return vec, nil
}

func TestNewRejectsNilEmbeddingFunc(t *testing.T) {
	_, err := New(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestIndexAndRecallScopesByAgent(t *testing.T) {
	store, err := New(t.TempDir(), chromem.EmbeddingFunc(fakeEmbed))
	require.NoError(t, err)

	ctx := context.Background()
	store.IndexExchange(ctx, "a1", "m1", "what is the deploy process", "run make deploy")
	store.IndexExchange(ctx, "a2", "m2", "what is the deploy process", "ask ops")

	results, err := store.Recall(ctx, "a1", "deploy process", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "make deploy")
}

func TestRecallOnEmptyStoreReturnsNoResults(t *testing.T) {
	store, err := New(t.TempDir(), chromem.EmbeddingFunc(fakeEmbed))
	require.NoError(t, err)

	results, err := store.Recall(context.Background(), "a1", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFormatRecallEmptyIsEmptyString(t *testing.T) {
	assert.Equal(t, "", FormatRecall(nil))
}

func TestFormatRecallListsEveryExchange(t *testing.T) {
	text := FormatRecall([]Exchange{{Content: "User: hi\nAssistant: hello"}})
	assert.Contains(t, text, "hi")
	assert.Contains(t, text, "hello")
}
