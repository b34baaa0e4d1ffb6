// Package worldmodel defines the data model of spec.md §3: World, Agent,
// AgentMessage and Chat, plus the invariants each type owns.
package worldmodel

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the state-machine position of an Agent (spec §4.9).
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
	AgentError    AgentStatus = "error"
)

// MessageRole identifies who produced an AgentMessage.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Usage is token accounting attached to an assistant AgentMessage, known
// once the provider reports authoritative counts (spec §4.4).
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// AgentMessage is one entry in an agent's private memory (spec §3).
// messageId is globally unique; (chatId, createdAt) totally orders
// messages within a chat.
type AgentMessage struct {
	MessageID         string      `json:"messageId"`
	ChatID            string      `json:"chatId"`
	Role              MessageRole `json:"role"`
	Sender            string      `json:"sender"`
	Content           string      `json:"content"`
	CreatedAt         time.Time   `json:"createdAt"`
	ReplyToMessageID  string      `json:"replyToMessageId,omitempty"`
	ToolCallID        string      `json:"toolCallId,omitempty"`
	Usage             *Usage      `json:"usage,omitempty"`
}

// NewMessageID generates a globally unique message id.
func NewMessageID() string { return uuid.NewString() }

// Agent is an LLM-backed participant with private memory (spec §3). Owned
// exclusively by its World; destroyed with it.
type Agent struct {
	ID             string       `json:"id"`
	WorldID        string       `json:"worldId"`
	Name           string       `json:"name"`
	Type           string       `json:"type"`
	Provider       string       `json:"provider"`
	Model          string       `json:"model"`
	SystemPrompt   string       `json:"systemPrompt"`
	Temperature    *float64     `json:"temperature,omitempty"`
	MaxTokens      *int         `json:"maxTokens,omitempty"`
	AutoReply      bool         `json:"autoReply"`
	Broadcast      bool         `json:"broadcast"`
	Status         AgentStatus  `json:"status"`
	LLMCallCount   int          `json:"llmCallCount"`
	LastLLMCall    *time.Time   `json:"lastLLMCall,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActive     time.Time    `json:"lastActive"`
}

// Chat is a named conversation branch within a world (spec §3).
type Chat struct {
	ID          string    `json:"id"`
	WorldID     string    `json:"worldId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// World is the container of agents, chats and an event bus (spec §3).
// Invariants: ID is stable; CurrentChatID, when set, must reference an
// existing chat of this world; TurnLimit >= 1.
type World struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	TurnLimit       int               `json:"turnLimit"`
	CurrentChatID   string            `json:"currentChatId,omitempty"`
	ChatLLMProvider string            `json:"chatLLMProvider,omitempty"`
	ChatLLMModel    string            `json:"chatLLMModel,omitempty"`
	MCPConfig       string            `json:"mcpConfig,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
	AgentIDs        []string          `json:"agents"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastUpdated     time.Time         `json:"lastUpdated"`
}

// HasAgent reports whether agentID belongs to this world.
func (w *World) HasAgent(agentID string) bool {
	for _, id := range w.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// AddAgent registers agentID with the world if not already present.
func (w *World) AddAgent(agentID string) {
	if !w.HasAgent(agentID) {
		w.AgentIDs = append(w.AgentIDs, agentID)
	}
}

// RemoveAgent detaches agentID from the world.
func (w *World) RemoveAgent(agentID string) {
	for i, id := range w.AgentIDs {
		if id == agentID {
			w.AgentIDs = append(w.AgentIDs[:i], w.AgentIDs[i+1:]...)
			return
		}
	}
}
