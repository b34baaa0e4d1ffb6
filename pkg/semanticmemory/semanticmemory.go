// Package semanticmemory gives an agent recall over its own conversation
// history beyond what fits in its memory window: every completed exchange
// is embedded and indexed, and a turn about to start can pull back the
// most similar past exchanges as extra context.
//
// Grounded on the teacher's pkg/memory.VectorStore, which wraps chromem-go
// with separate "conversations" and "knowledge" collections and a
// specialist-scoped search. agentworld has no specialist concept, so this
// keeps one collection and scopes every document by agentId instead,
// dropping the knowledge/provenance machinery the teacher needed for its
// document-ingestion features.
package semanticmemory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/agentworld/agentworld/internal/obslog"
)

// Exchange is one recalled past turn.
type Exchange struct {
	Content   string
	Score     float32
	Timestamp time.Time
}

// Store wraps a single chromem-go collection holding every agent's indexed
// exchanges, scoped by an "agentId" metadata field per document.
type Store struct {
	collection *chromem.Collection
	log        *obslog.Logger
}

// New opens (or creates) a persistent vector database under
// dataDir/semanticmemory and returns a Store backed by embeddingFn. A nil
// embeddingFn is a configuration error: chromem-go has no usable default.
func New(dataDir string, embeddingFn chromem.EmbeddingFunc) (*Store, error) {
	if embeddingFn == nil {
		return nil, fmt.Errorf("semanticmemory: embedding function is required")
	}

	dbPath := filepath.Join(dataDir, "semanticmemory")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("semanticmemory: create directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(dbPath, false)
	if err != nil {
		return nil, fmt.Errorf("semanticmemory: open db: %w", err)
	}

	collection, err := db.GetOrCreateCollection("exchanges", nil, embeddingFn)
	if err != nil {
		return nil, fmt.Errorf("semanticmemory: create collection: %w", err)
	}

	return &Store{collection: collection, log: obslog.New("semanticmemory")}, nil
}

// IndexExchange embeds one completed turn (user message plus the agent's
// reply) and adds it to the store under agentID. Indexing failures are
// logged, not returned, since recall is best-effort and must never cause a
// completed turn to fail.
func (s *Store) IndexExchange(ctx context.Context, agentID, messageID, userContent, assistantContent string) {
	content := "User: " + userContent + "\nAssistant: " + assistantContent
	content = truncateRunes(content, 8000)

	now := time.Now().UTC()
	doc := chromem.Document{
		ID:      agentID + ":" + messageID,
		Content: content,
		Metadata: map[string]string{
			"agentId":   agentID,
			"timestamp": now.Format(time.RFC3339),
		},
	}

	if err := s.collection.AddDocument(ctx, doc); err != nil {
		s.log.WarnCF("failed to index exchange", map[string]any{"agent": agentID, "error": err.Error()})
	}
}

// Recall returns the limit most similar past exchanges for agentID, most
// similar first. An empty or never-indexed store returns no results, not
// an error.
func (s *Store) Recall(ctx context.Context, agentID, query string, limit int) ([]Exchange, error) {
	if limit <= 0 || s.collection.Count() == 0 {
		return nil, nil
	}
	if limit > s.collection.Count() {
		limit = s.collection.Count()
	}

	results, err := s.collection.Query(ctx, query, limit, map[string]string{"agentId": agentID}, nil)
	if err != nil {
		return nil, fmt.Errorf("semanticmemory: query: %w", err)
	}

	out := make([]Exchange, 0, len(results))
	for _, r := range results {
		ts, _ := time.Parse(time.RFC3339, r.Metadata["timestamp"])
		out = append(out, Exchange{Content: r.Content, Score: r.Similarity, Timestamp: ts})
	}
	return out, nil
}

// FormatRecall renders exchanges as a single block suitable for folding
// into a prompt as extra context. Returns "" when there is nothing to show.
func FormatRecall(exchanges []Exchange) string {
	if len(exchanges) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant past exchanges:\n")
	for _, e := range exchanges {
		b.WriteString("- ")
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
