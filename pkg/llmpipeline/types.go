// Package llmpipeline implements the LLM Pipeline of spec.md §4.4:
// provider dispatch, streaming chunk → SSE/tool event translation, the
// tool-call follow-up loop, wall-clock timeout with cooperative
// cancellation, and token usage estimation.
package llmpipeline

import (
	"context"

	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// Role mirrors worldmodel.MessageRole for the messages sent to a provider;
// kept distinct so provider adapters never import worldmodel directly.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in the prompt sent to a provider adapter.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string     // set on a "tool" message: which call this answers
	ToolCalls  []ToolCall // set on an "assistant" message that requested tools
}

// ToolDefinition describes a callable tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// ToolCall is a model-requested invocation of a ToolDefinition.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Usage mirrors worldmodel.Usage; kept distinct for the same reason as Role.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

func (u Usage) toWorldmodel() *worldmodel.Usage {
	return &worldmodel.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, TotalTokens: u.TotalTokens}
}

// StreamEventKind enumerates the provider-event kinds a Provider emits,
// matching spec §4.4 step 3's delta taxonomy.
type StreamEventKind string

const (
	EventTextDelta StreamEventKind = "text-delta"
	// EventToolCall carries one fully-assembled tool call (its arguments are
	// streamed as fragments by most providers, so the adapter only emits
	// this once a call is complete). Zero or more may precede EventFinish.
	EventToolCall StreamEventKind = "tool-call"
	EventFinish   StreamEventKind = "finish"
	EventError    StreamEventKind = "error"
)

// StreamEvent is one item from a Provider's streaming channel.
type StreamEvent struct {
	Kind      StreamEventKind
	TextDelta string
	ToolCall  ToolCall
	Usage     *Usage // set on EventFinish when the provider reports authoritative counts
	Err       error  // set on EventError
}

// Options carries the per-agent generation parameters of spec §4.4.
type Options struct {
	Temperature *float64
	MaxTokens   *int
}

// Request is everything a Provider needs to run one turn.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDefinition
	Options  Options
}

// Provider is the common streaming contract every adapter implements
// (OpenAI, Anthropic, Google, xAI, Azure-OpenAI, OpenAI-compatible,
// Ollama). Stream must close the returned channel when done, and must
// stop producing once ctx is cancelled (cooperative cancellation).
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}
