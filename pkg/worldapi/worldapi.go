// Package worldapi implements the Programmatic API surface of spec.md §5
// that isn't already covered by a dedicated package: createWorld,
// updateWorld, deleteWorld, listWorlds, getWorld, createAgent, updateAgent,
// deleteAgent, getMemory, publishMessage and configureLLMProvider.
// (listChats/newChat/restoreChat/deleteChat live in pkg/chatmanager,
// removeMessagesFrom in pkg/memorymutation, subscribeWorld in
// pkg/subscription, addLogStreamCallback in pkg/logstream.)
//
// Grounded on pkg/chatmanager.Manager: a thin struct over storage.Storage
// that sequences load/validate/save calls and wraps every storage error,
// generalized here to world and agent CRUD plus message publication and
// memory aggregation. Every entry point enforces spec §7's validation
// rule ("bad inputs — empty name, non-numeric turn limit, malformed MCP
// JSON — fail fast, never persisted") by returning an error wrapping
// apierr.ErrValidation before anything is saved.
package worldapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworld/agentworld/internal/apierr"
	"github.com/agentworld/agentworld/pkg/eventbus"
	"github.com/agentworld/agentworld/pkg/storage"
	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// Manager sequences world/agent mutations against storage, validating every
// input before it reaches the persistence layer.
type Manager struct {
	store storage.Storage
}

// New builds a Manager backed by store.
func New(store storage.Storage) *Manager {
	return &Manager{store: store}
}

func requireNonEmpty(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s must not be empty", apierr.ErrValidation, field)
	}
	return nil
}

func validateTurnLimit(turnLimit int) error {
	if turnLimit < 1 {
		return fmt.Errorf("%w: turnLimit must be >= 1, got %d", apierr.ErrValidation, turnLimit)
	}
	return nil
}

// validateMCPConfig accepts "" (no MCP config set) but rejects anything
// present that isn't well-formed JSON (spec §7's "malformed MCP JSON").
func validateMCPConfig(mcpConfig string) error {
	if mcpConfig == "" {
		return nil
	}
	if !json.Valid([]byte(mcpConfig)) {
		return fmt.Errorf("%w: mcpConfig is not valid JSON", apierr.ErrValidation)
	}
	return nil
}

// CreateWorldParams describes a new world. ID is optional; a random one is
// generated if empty. CurrentChatID, if set, must already exist for ID
// (spec §3's "currentChatId, when set, must reference an existing chat" —
// callers create the chat via pkg/chatmanager or storage.SaveChat first).
type CreateWorldParams struct {
	ID            string
	Name          string
	Description   string
	TurnLimit     int
	CurrentChatID string
	MCPConfig     string
	Variables     map[string]string
}

// CreateWorld validates params and persists a new world.
func (m *Manager) CreateWorld(ctx context.Context, params CreateWorldParams) (*worldmodel.World, error) {
	if err := requireNonEmpty("name", params.Name); err != nil {
		return nil, err
	}
	if err := validateTurnLimit(params.TurnLimit); err != nil {
		return nil, err
	}
	if err := validateMCPConfig(params.MCPConfig); err != nil {
		return nil, err
	}

	id := params.ID
	if id == "" {
		id = worldmodel.NewMessageID()
	}
	existing, err := m.store.LoadWorld(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("create world: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: world %s already exists", apierr.ErrConflict, id)
	}

	if params.CurrentChatID != "" {
		chat, err := m.store.LoadChatData(ctx, id, params.CurrentChatID)
		if err != nil {
			return nil, fmt.Errorf("create world: load current chat: %w", err)
		}
		if chat == nil {
			return nil, fmt.Errorf("%w: currentChatId %s does not exist", apierr.ErrValidation, params.CurrentChatID)
		}
	}

	now := time.Now()
	world := &worldmodel.World{
		ID:            id,
		Name:          params.Name,
		Description:   params.Description,
		TurnLimit:     params.TurnLimit,
		CurrentChatID: params.CurrentChatID,
		MCPConfig:     params.MCPConfig,
		Variables:     params.Variables,
		CreatedAt:     now,
		LastUpdated:   now,
	}
	if err := m.store.SaveWorld(ctx, world); err != nil {
		return nil, fmt.Errorf("create world: %w", err)
	}
	return world, nil
}

// UpdateWorldParams patches a subset of a world's fields; nil pointer
// fields are left unchanged. Variables, when non-nil, fully replaces the
// existing map (spec §4.7's atomic-update contract applies per field).
type UpdateWorldParams struct {
	Name            *string
	Description     *string
	TurnLimit       *int
	MCPConfig       *string
	Variables       map[string]string
	ChatLLMProvider *string
	ChatLLMModel    *string
}

// UpdateWorld validates and applies params to worldID's stored world.
func (m *Manager) UpdateWorld(ctx context.Context, worldID string, params UpdateWorldParams) (*worldmodel.World, error) {
	world, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("update world: %w", err)
	}
	if world == nil {
		return nil, fmt.Errorf("%w: world %s", apierr.ErrNotFound, worldID)
	}

	if params.Name != nil {
		if err := requireNonEmpty("name", *params.Name); err != nil {
			return nil, err
		}
		world.Name = *params.Name
	}
	if params.TurnLimit != nil {
		if err := validateTurnLimit(*params.TurnLimit); err != nil {
			return nil, err
		}
		world.TurnLimit = *params.TurnLimit
	}
	if params.MCPConfig != nil {
		if err := validateMCPConfig(*params.MCPConfig); err != nil {
			return nil, err
		}
		world.MCPConfig = *params.MCPConfig
	}
	if params.Description != nil {
		world.Description = *params.Description
	}
	if params.Variables != nil {
		world.Variables = params.Variables
	}
	if params.ChatLLMProvider != nil {
		world.ChatLLMProvider = *params.ChatLLMProvider
	}
	if params.ChatLLMModel != nil {
		world.ChatLLMModel = *params.ChatLLMModel
	}

	world.LastUpdated = time.Now()
	if err := m.store.SaveWorld(ctx, world); err != nil {
		return nil, fmt.Errorf("update world: %w", err)
	}
	return world, nil
}

// DeleteWorld removes worldID along with every agent it owns (memory
// archived first, per spec's "agents persist until deleted" / "owned
// exclusively by its World; destroyed with it") and every chat.
func (m *Manager) DeleteWorld(ctx context.Context, worldID string) error {
	world, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		return fmt.Errorf("delete world: %w", err)
	}
	if world == nil {
		return fmt.Errorf("%w: world %s", apierr.ErrNotFound, worldID)
	}

	agents, err := m.store.ListAgents(ctx, worldID)
	if err != nil {
		return fmt.Errorf("delete world: list agents: %w", err)
	}
	for _, agent := range agents {
		if err := m.archiveAndDeleteAgent(ctx, worldID, agent.ID); err != nil {
			return fmt.Errorf("delete world: delete agent %s: %w", agent.ID, err)
		}
	}

	chats, err := m.store.LoadChats(ctx, worldID)
	if err != nil {
		return fmt.Errorf("delete world: list chats: %w", err)
	}
	for _, chat := range chats {
		if err := m.store.DeleteChat(ctx, worldID, chat.ID); err != nil {
			return fmt.Errorf("delete world: delete chat %s: %w", chat.ID, err)
		}
	}

	return m.store.DeleteWorld(ctx, worldID)
}

// ListWorlds returns every stored world.
func (m *Manager) ListWorlds(ctx context.Context) ([]*worldmodel.World, error) {
	worlds, err := m.store.ListWorlds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	return worlds, nil
}

// GetWorld returns worldID's world, or (nil, nil) if it does not exist.
func (m *Manager) GetWorld(ctx context.Context, worldID string) (*worldmodel.World, error) {
	world, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("get world: %w", err)
	}
	return world, nil
}

// CreateAgentParams describes a new agent. ID is optional; a random one is
// generated if empty.
type CreateAgentParams struct {
	ID           string
	Name         string
	Type         string
	Provider     string
	Model        string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    *int
	AutoReply    bool
	Broadcast    bool
}

// CreateAgent validates params and persists a new agent in worldID,
// registering it with the world.
func (m *Manager) CreateAgent(ctx context.Context, worldID string, params CreateAgentParams) (*worldmodel.Agent, error) {
	if err := requireNonEmpty("name", params.Name); err != nil {
		return nil, err
	}
	if err := requireNonEmpty("provider", params.Provider); err != nil {
		return nil, err
	}
	if err := requireNonEmpty("model", params.Model); err != nil {
		return nil, err
	}

	world, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	if world == nil {
		return nil, fmt.Errorf("%w: world %s", apierr.ErrNotFound, worldID)
	}

	id := params.ID
	if id == "" {
		id = worldmodel.NewMessageID()
	}
	existing, err := m.store.LoadAgent(ctx, worldID, id)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: agent %s already exists in world %s", apierr.ErrConflict, id, worldID)
	}

	now := time.Now()
	agent := &worldmodel.Agent{
		ID:           id,
		WorldID:      worldID,
		Name:         params.Name,
		Type:         params.Type,
		Provider:     params.Provider,
		Model:        params.Model,
		SystemPrompt: params.SystemPrompt,
		Temperature:  params.Temperature,
		MaxTokens:    params.MaxTokens,
		AutoReply:    params.AutoReply,
		Broadcast:    params.Broadcast,
		Status:       worldmodel.AgentInactive,
		CreatedAt:    now,
		LastActive:   now,
	}
	if err := m.store.SaveAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	world.AddAgent(agent.ID)
	world.LastUpdated = now
	if err := m.store.SaveWorld(ctx, world); err != nil {
		return nil, fmt.Errorf("create agent: save world: %w", err)
	}
	return agent, nil
}

// UpdateAgentParams patches a subset of an agent's fields; nil pointer
// fields are left unchanged.
type UpdateAgentParams struct {
	Name         *string
	Type         *string
	Provider     *string
	Model        *string
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int
	AutoReply    *bool
	Broadcast    *bool
}

// UpdateAgent validates and applies params to agentID's stored agent.
func (m *Manager) UpdateAgent(ctx context.Context, worldID, agentID string, params UpdateAgentParams) (*worldmodel.Agent, error) {
	agent, err := m.store.LoadAgent(ctx, worldID, agentID)
	if err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: agent %s in world %s", apierr.ErrNotFound, agentID, worldID)
	}

	if params.Name != nil {
		if err := requireNonEmpty("name", *params.Name); err != nil {
			return nil, err
		}
		agent.Name = *params.Name
	}
	if params.Provider != nil {
		if err := requireNonEmpty("provider", *params.Provider); err != nil {
			return nil, err
		}
		agent.Provider = *params.Provider
	}
	if params.Model != nil {
		if err := requireNonEmpty("model", *params.Model); err != nil {
			return nil, err
		}
		agent.Model = *params.Model
	}
	if params.Type != nil {
		agent.Type = *params.Type
	}
	if params.SystemPrompt != nil {
		agent.SystemPrompt = *params.SystemPrompt
	}
	if params.Temperature != nil {
		agent.Temperature = params.Temperature
	}
	if params.MaxTokens != nil {
		agent.MaxTokens = params.MaxTokens
	}
	if params.AutoReply != nil {
		agent.AutoReply = *params.AutoReply
	}
	if params.Broadcast != nil {
		agent.Broadcast = *params.Broadcast
	}

	if err := m.store.SaveAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return agent, nil
}

// DeleteAgent archives agentID's memory (spec §4.7's "memory archiving on
// clear"), removes the agent, and detaches it from its world.
func (m *Manager) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	return m.archiveAndDeleteAgent(ctx, worldID, agentID)
}

func (m *Manager) archiveAndDeleteAgent(ctx context.Context, worldID, agentID string) error {
	agent, err := m.store.LoadAgent(ctx, worldID, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("%w: agent %s in world %s", apierr.ErrNotFound, agentID, worldID)
	}

	if err := m.store.ArchiveAgentMemory(ctx, worldID, agentID); err != nil {
		return fmt.Errorf("delete agent: archive memory: %w", err)
	}
	if err := m.store.DeleteAgent(ctx, worldID, agentID); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}

	world, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		return fmt.Errorf("delete agent: reload world: %w", err)
	}
	if world != nil {
		world.RemoveAgent(agentID)
		world.LastUpdated = time.Now()
		if err := m.store.SaveWorld(ctx, world); err != nil {
			return fmt.Errorf("delete agent: save world: %w", err)
		}
	}
	return nil
}

// GetMemory aggregates every agent's memory in worldID into one
// chronologically ordered, deduplicated view (spec §3's "within one chat,
// persisted messages are totally ordered by createdAt, tie-broken by
// messageId" generalized across agents, since the same inbound message is
// copied into every agent that didn't ignore it). chatID narrows the
// result to one chat; "" returns memory across every chat in the world.
func (m *Manager) GetMemory(ctx context.Context, worldID, chatID string) ([]worldmodel.AgentMessage, error) {
	world, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	if world == nil {
		return nil, fmt.Errorf("%w: world %s", apierr.ErrNotFound, worldID)
	}

	agents, err := m.store.ListAgents(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("get memory: list agents: %w", err)
	}

	seen := make(map[string]bool)
	var out []worldmodel.AgentMessage
	for _, agent := range agents {
		memory, err := m.store.LoadAgentMemory(ctx, worldID, agent.ID)
		if err != nil {
			return nil, fmt.Errorf("get memory: load memory for %s: %w", agent.ID, err)
		}
		for _, msg := range memory {
			if chatID != "" && msg.ChatID != chatID {
				continue
			}
			key := msg.ChatID + "/" + msg.MessageID
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, msg)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

// PublishMessage validates and publishes content as a new "message" topic
// event in world (spec's "human input ... Event Bus: publish message"
// step), defaulting chatID to the world's current chat when empty. It
// returns the generated messageId; persistence into each agent's memory
// happens downstream, inside agentruntime.Actor.process.
func (m *Manager) PublishMessage(ctx context.Context, bus *eventbus.Bus, world *worldmodel.World, content, sender, chatID string) (string, error) {
	if err := requireNonEmpty("content", content); err != nil {
		return "", err
	}
	if err := requireNonEmpty("sender", sender); err != nil {
		return "", err
	}

	if chatID == "" {
		chatID = world.CurrentChatID
	}
	if chatID == "" {
		return "", fmt.Errorf("%w: world %s has no current chat", apierr.ErrValidation, world.ID)
	}

	role := "human"
	if world.HasAgent(sender) {
		role = "agent"
	}

	messageID := worldmodel.NewMessageID()
	bus.Publish(ctx, eventbus.TopicMessage, chatID, eventbus.MessagePayload{
		MessageID: messageID,
		ChatID:    chatID,
		Role:      role,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now().UnixNano(),
	})
	return messageID, nil
}

// ConfigureLLMProvider sets the world-level default provider/model used
// when an agent doesn't pin its own (spec §3's chatLLMProvider/
// chatLLMModel fields).
func (m *Manager) ConfigureLLMProvider(ctx context.Context, worldID, provider, model string) (*worldmodel.World, error) {
	if err := requireNonEmpty("provider", provider); err != nil {
		return nil, err
	}
	if err := requireNonEmpty("model", model); err != nil {
		return nil, err
	}

	world, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("configure llm provider: %w", err)
	}
	if world == nil {
		return nil, fmt.Errorf("%w: world %s", apierr.ErrNotFound, worldID)
	}

	world.ChatLLMProvider = provider
	world.ChatLLMModel = model
	world.LastUpdated = time.Now()
	if err := m.store.SaveWorld(ctx, world); err != nil {
		return nil, fmt.Errorf("configure llm provider: %w", err)
	}
	return world, nil
}
