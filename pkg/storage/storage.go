// Package storage defines the pluggable persistence contract of spec.md
// §4.7: two backends (file, sqlite) behind one interface, selected by
// process-level config and never mixed in a single process.
//
// Grounded on the teacher's pkg/state.TopicMappingStore /
// pkg/memory.RelationStore: small JSON stores with a mutex and an atomic
// temp-file-then-rename write. The file backend below generalizes that
// exact pattern to worlds/agents/chats/memory; the sqlite backend
// generalizes "one transaction per mutation" from leapmux-leapmux's
// internal/hub/db package (modernc.org/sqlite + pressly/goose migrations).
package storage

import (
	"context"

	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// Storage is the persistence contract every backend implements identically.
// LoadX methods return (nil, nil) when the entity does not exist — callers
// that need a hard error (e.g. deleting something that must exist) check
// for nil themselves, matching spec §7's "NotFound returned as null/empty
// result to callers that can tolerate it".
type Storage interface {
	SaveWorld(ctx context.Context, w *worldmodel.World) error
	LoadWorld(ctx context.Context, worldID string) (*worldmodel.World, error)
	DeleteWorld(ctx context.Context, worldID string) error
	ListWorlds(ctx context.Context) ([]*worldmodel.World, error)

	SaveAgent(ctx context.Context, a *worldmodel.Agent) error
	LoadAgent(ctx context.Context, worldID, agentID string) (*worldmodel.Agent, error)
	DeleteAgent(ctx context.Context, worldID, agentID string) error
	ListAgents(ctx context.Context, worldID string) ([]*worldmodel.Agent, error)

	// SaveAgentMemory fully replaces an agent's memory, atomically.
	SaveAgentMemory(ctx context.Context, worldID, agentID string, messages []worldmodel.AgentMessage) error
	LoadAgentMemory(ctx context.Context, worldID, agentID string) ([]worldmodel.AgentMessage, error)

	// ArchiveAgentMemory moves the agent's current memory to a timestamped
	// archive before it is wiped (spec §4.7's "Memory archiving on clear").
	// It does not itself clear the memory; callers archive then
	// SaveAgentMemory(..., nil) to clear.
	ArchiveAgentMemory(ctx context.Context, worldID, agentID string) error

	SaveChat(ctx context.Context, c *worldmodel.Chat) error
	LoadChatData(ctx context.Context, worldID, chatID string) (*worldmodel.Chat, error)
	LoadChats(ctx context.Context, worldID string) ([]*worldmodel.Chat, error)
	DeleteChat(ctx context.Context, worldID, chatID string) error
}
