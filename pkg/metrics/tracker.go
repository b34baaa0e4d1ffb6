// Package metrics records per-turn token usage to a JSONL ledger.
//
// Grounded on the teacher's Tracker, which appends one TokenEvent per LLM
// call to workspace/metrics/tokens.jsonl and prices it against a per-model
// table. This keeps that file-per-directory JSONL shape and cost table, but
// keys each event by (worldId, agentId, messageId) rather than a Telegram
// session key, since usage here is attributed to a world, an agent and one
// response.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// UsageEvent records one agent turn's token usage and estimated cost.
type UsageEvent struct {
	Timestamp time.Time `json:"ts"`
	WorldID   string    `json:"worldId"`
	AgentID   string    `json:"agentId"`
	MessageID string    `json:"messageId"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Input     int       `json:"in"`
	Output    int       `json:"out"`
	Total     int       `json:"total"`
	CostUSD   float64   `json:"cost"`
}

// Ledger appends UsageEvents to a JSONL file, one file per runtime.
type Ledger struct {
	filePath string
	mu       sync.Mutex
}

// NewLedger creates a ledger that writes to dataDir/metrics/usage.jsonl,
// creating the directory if needed.
func NewLedger(dataDir string) (*Ledger, error) {
	dir := filepath.Join(dataDir, "metrics")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metrics: create directory: %w", err)
	}
	return &Ledger{filePath: filepath.Join(dir, "usage.jsonl")}, nil
}

// Record appends one UsageEvent derived from a completed agent turn.
func (l *Ledger) Record(worldID, agentID, messageID, provider, model string, usage worldmodel.Usage) error {
	event := UsageEvent{
		Timestamp: time.Now().UTC(),
		WorldID:   worldID,
		AgentID:   agentID,
		MessageID: messageID,
		Provider:  provider,
		Model:     model,
		Input:     usage.InputTokens,
		Output:    usage.OutputTokens,
		Total:     usage.TotalTokens,
		CostUSD:   estimateCost(model, usage.InputTokens, usage.OutputTokens),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("metrics: marshal event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("metrics: open ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("metrics: write event: %w", err)
	}
	return nil
}

// modelPricing holds per-million-token USD pricing (input, output).
type modelPricing struct {
	inputPerM  float64
	outputPerM float64
}

// pricing covers the models agentworld ships adapters for; an unlisted
// model falls back to the Sonnet-class rate rather than erroring, since
// cost is informational and must never block a turn from completing.
var pricing = map[string]modelPricing{
	"claude-sonnet-4-5-20250929": {3.0, 15.0},
	"claude-sonnet-4-20250514":   {3.0, 15.0},
	"claude-haiku-3-5-20241022":  {0.8, 4.0},
	"claude-opus-4-20250514":     {15.0, 75.0},
	"gpt-4o":                     {2.5, 10.0},
	"gpt-4o-mini":                {0.15, 0.6},
}

func estimateCost(model string, input, output int) float64 {
	p, ok := pricing[model]
	if !ok {
		p = modelPricing{3.0, 15.0}
	}
	return float64(input)*p.inputPerM/1e6 + float64(output)*p.outputPerM/1e6
}
