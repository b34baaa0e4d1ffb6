// Package chatmanager implements the Chat Manager of spec.md §4.5:
// newChat/restoreChat/deleteChat/listChats, with messageCount always
// derived from persisted memory rather than cached.
//
// Grounded on the teacher's pkg/state.Manager atomic-save pattern (already
// generalized into pkg/storage) — this package adds no persistence of its
// own, it only sequences storage calls and subscription refresh the way
// the teacher's command handlers sequence state + bus notifications.
package chatmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworld/agentworld/internal/apierr"
	"github.com/agentworld/agentworld/pkg/storage"
	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// Refresher is the narrow slice of subscription.Subscription that chat
// mutations need: a best-effort refresh triggered after every successful
// mutation (spec §4.5). Declared here so chatmanager does not import
// subscription; *subscription.Subscription satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) (*apierr.RefreshWarning, error)
}

// ChatDTO is a chat plus its derived message count, the shape callers get
// back instead of the bare worldmodel.Chat.
type ChatDTO struct {
	Chat         worldmodel.Chat
	MessageCount int
}

// Manager sequences chat mutations against storage and triggers a
// best-effort subscription refresh afterward.
type Manager struct {
	store storage.Storage
}

// New builds a Manager backed by store.
func New(store storage.Storage) *Manager {
	return &Manager{store: store}
}

// NewChat creates a fresh chat in worldID and sets it current, returning
// the updated world.
func (m *Manager) NewChat(ctx context.Context, worldID string, refresher Refresher) (*worldmodel.World, *apierr.RefreshWarning, error) {
	world, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, nil, fmt.Errorf("new chat: load world: %w", err)
	}
	if world == nil {
		return nil, nil, fmt.Errorf("%w: world %s", apierr.ErrNotFound, worldID)
	}

	now := time.Now()
	chat := &worldmodel.Chat{
		ID:        worldmodel.NewMessageID(),
		WorldID:   worldID,
		Name:      "New Chat",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveChat(ctx, chat); err != nil {
		return nil, nil, fmt.Errorf("new chat: save chat: %w", err)
	}

	world.CurrentChatID = chat.ID
	world.LastUpdated = now
	if err := m.store.SaveWorld(ctx, world); err != nil {
		return nil, nil, fmt.Errorf("new chat: save world: %w", err)
	}

	return world, m.refresh(ctx, refresher), nil
}

// RestoreChat validates that chatID exists in storage, sets it current, and
// returns the updated world. It checks storage only; no running world
// instance is consulted. A missing chat
// returns (nil, nil, nil) — spec §4.5's "returns null without mutating
// world state if not found" — rather than an error.
func (m *Manager) RestoreChat(ctx context.Context, worldID, chatID string, refresher Refresher) (*worldmodel.World, *apierr.RefreshWarning, error) {
	world, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, nil, fmt.Errorf("restore chat: load world: %w", err)
	}
	if world == nil {
		return nil, nil, fmt.Errorf("%w: world %s", apierr.ErrNotFound, worldID)
	}

	chat, err := m.store.LoadChatData(ctx, worldID, chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("restore chat: load chat: %w", err)
	}
	if chat == nil {
		return nil, nil, nil
	}

	if world.CurrentChatID == chatID {
		// Idempotent: restoring the already-current chat is a no-op
		// (spec §8's "restoreChat(w,c) called twice has the same effect
		// as once").
		return world, nil, nil
	}

	world.CurrentChatID = chatID
	world.LastUpdated = time.Now()
	if err := m.store.SaveWorld(ctx, world); err != nil {
		return nil, nil, fmt.Errorf("restore chat: save world: %w", err)
	}

	return world, m.refresh(ctx, refresher), nil
}

// DeleteChat removes chatID and every agent-memory message tagged with it,
// clearing currentChatId if it was current. Returns false if the chat did
// not exist.
func (m *Manager) DeleteChat(ctx context.Context, worldID, chatID string, refresher Refresher) (bool, *apierr.RefreshWarning, error) {
	world, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		return false, nil, fmt.Errorf("delete chat: load world: %w", err)
	}
	if world == nil {
		return false, nil, fmt.Errorf("%w: world %s", apierr.ErrNotFound, worldID)
	}

	chat, err := m.store.LoadChatData(ctx, worldID, chatID)
	if err != nil {
		return false, nil, fmt.Errorf("delete chat: load chat: %w", err)
	}
	if chat == nil {
		return false, nil, nil
	}

	agents, err := m.store.ListAgents(ctx, worldID)
	if err != nil {
		return false, nil, fmt.Errorf("delete chat: list agents: %w", err)
	}
	for _, agent := range agents {
		memory, err := m.store.LoadAgentMemory(ctx, worldID, agent.ID)
		if err != nil {
			return false, nil, fmt.Errorf("delete chat: load memory for %s: %w", agent.ID, err)
		}
		kept := make([]worldmodel.AgentMessage, 0, len(memory))
		for _, msg := range memory {
			if msg.ChatID != chatID {
				kept = append(kept, msg)
			}
		}
		if len(kept) != len(memory) {
			if err := m.store.SaveAgentMemory(ctx, worldID, agent.ID, kept); err != nil {
				return false, nil, fmt.Errorf("delete chat: save memory for %s: %w", agent.ID, err)
			}
		}
	}

	if err := m.store.DeleteChat(ctx, worldID, chatID); err != nil {
		return false, nil, fmt.Errorf("delete chat: %w", err)
	}

	if world.CurrentChatID == chatID {
		world.CurrentChatID = ""
		world.LastUpdated = time.Now()
		if err := m.store.SaveWorld(ctx, world); err != nil {
			return false, nil, fmt.Errorf("delete chat: save world: %w", err)
		}
	}

	return true, m.refresh(ctx, refresher), nil
}

// ListChats returns every chat in worldID with its derived message count.
func (m *Manager) ListChats(ctx context.Context, worldID string) ([]ChatDTO, error) {
	chats, err := m.store.LoadChats(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	counts, err := m.messageCounts(ctx, worldID)
	if err != nil {
		return nil, err
	}

	dtos := make([]ChatDTO, 0, len(chats))
	for _, c := range chats {
		dtos = append(dtos, ChatDTO{Chat: *c, MessageCount: counts[c.ID]})
	}
	return dtos, nil
}

// messageCounts derives {chatId: count} from every agent's memory, since
// messageCount is never cached (spec §4.5).
func (m *Manager) messageCounts(ctx context.Context, worldID string) (map[string]int, error) {
	agents, err := m.store.ListAgents(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("list chats: list agents: %w", err)
	}
	counts := make(map[string]int)
	seen := make(map[string]bool) // dedupe by messageId: the same user turn is copied into every agent's memory
	for _, agent := range agents {
		memory, err := m.store.LoadAgentMemory(ctx, worldID, agent.ID)
		if err != nil {
			return nil, fmt.Errorf("list chats: load memory for %s: %w", agent.ID, err)
		}
		for _, msg := range memory {
			key := msg.ChatID + "/" + msg.MessageID
			if seen[key] {
				continue
			}
			seen[key] = true
			counts[msg.ChatID]++
		}
	}
	return counts, nil
}

func (m *Manager) refresh(ctx context.Context, refresher Refresher) *apierr.RefreshWarning {
	if refresher == nil {
		return nil
	}
	warning, _ := refresher.Refresh(ctx)
	return warning
}
