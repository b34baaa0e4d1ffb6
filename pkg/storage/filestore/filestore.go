// Package filestore is the file-based Storage backend of spec.md §4.7:
// one directory per world/agent, JSON files, temp-file + rename for atomic
// writes. Layout:
//
//	<root>/worlds/<worldId>/world.json
//	<root>/worlds/<worldId>/agents/<agentId>/config.json
//	<root>/worlds/<worldId>/agents/<agentId>/memory.json
//	<root>/worlds/<worldId>/agents/<agentId>/archives/memory_<ISO8601>.json
//	<root>/worlds/<worldId>/chats/<chatId>.json
//
// Grounded on the teacher's pkg/state.TopicMappingStore.saveAtomic and
// pkg/memory.RelationStore: both write to a .tmp sibling and os.Rename
// into place so a crash mid-write never leaves a half-written file.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentworld/agentworld/internal/apierr"
	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// Store is the file-based Storage backend. The zero value is not usable;
// use New.
type Store struct {
	root string
	mu   sync.Mutex // serializes writes across all keys, per spec §5's "Storage... serializes writes per key"; a single mutex is the simple, correct reading for a directory-tree-wide backend
}

// New creates a file-based store rooted at root, creating it if absent.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "worlds"), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data root: %v", apierr.ErrStorage, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) worldDir(worldID string) string {
	return filepath.Join(s.root, "worlds", worldID)
}

func (s *Store) agentDir(worldID, agentID string) string {
	return filepath.Join(s.worldDir(worldID), "agents", agentID)
}

func (s *Store) chatsDir(worldID string) string {
	return filepath.Join(s.worldDir(worldID), "chats")
}

// writeAtomic marshals v and writes it to path via a temp-file-then-rename,
// so a crash mid-write never leaves path half-written.
func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir: %v", apierr.ErrStorage, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", apierr.ErrStorage, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write temp file: %v", apierr.ErrStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename temp file: %v", apierr.ErrStorage, err)
	}
	return nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: read %s: %v", apierr.ErrStorage, path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: unmarshal %s: %v", apierr.ErrStorage, path, err)
	}
	return true, nil
}

// --- Worlds ---

func (s *Store) SaveWorld(ctx context.Context, w *worldmodel.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(s.worldDir(w.ID), "world.json"), w)
}

func (s *Store) LoadWorld(ctx context.Context, worldID string) (*worldmodel.World, error) {
	var w worldmodel.World
	ok, err := readJSON(filepath.Join(s.worldDir(worldID), "world.json"), &w)
	if err != nil || !ok {
		return nil, err
	}
	return &w, nil
}

func (s *Store) DeleteWorld(ctx context.Context, worldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.worldDir(worldID)); err != nil {
		return fmt.Errorf("%w: delete world dir: %v", apierr.ErrStorage, err)
	}
	return nil
}

func (s *Store) ListWorlds(ctx context.Context) ([]*worldmodel.World, error) {
	worldsRoot := filepath.Join(s.root, "worlds")
	entries, err := os.ReadDir(worldsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list worlds: %v", apierr.ErrStorage, err)
	}
	var out []*worldmodel.World
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		w, err := s.LoadWorld(ctx, e.Name())
		if err != nil {
			return nil, err
		}
		if w != nil {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Agents ---

func (s *Store) SaveAgent(ctx context.Context, a *worldmodel.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(s.agentDir(a.WorldID, a.ID), "config.json"), a)
}

func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*worldmodel.Agent, error) {
	var a worldmodel.Agent
	ok, err := readJSON(filepath.Join(s.agentDir(worldID, agentID), "config.json"), &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.agentDir(worldID, agentID)); err != nil {
		return fmt.Errorf("%w: delete agent dir: %v", apierr.ErrStorage, err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*worldmodel.Agent, error) {
	agentsRoot := filepath.Join(s.worldDir(worldID), "agents")
	entries, err := os.ReadDir(agentsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list agents: %v", apierr.ErrStorage, err)
	}
	var out []*worldmodel.Agent
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		a, err := s.LoadAgent(ctx, worldID, e.Name())
		if err != nil {
			return nil, err
		}
		if a != nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Agent memory ---

func (s *Store) memoryPath(worldID, agentID string) string {
	return filepath.Join(s.agentDir(worldID, agentID), "memory.json")
}

func (s *Store) SaveAgentMemory(ctx context.Context, worldID, agentID string, messages []worldmodel.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messages == nil {
		messages = []worldmodel.AgentMessage{}
	}
	return writeAtomic(s.memoryPath(worldID, agentID), messages)
}

func (s *Store) LoadAgentMemory(ctx context.Context, worldID, agentID string) ([]worldmodel.AgentMessage, error) {
	var messages []worldmodel.AgentMessage
	_, err := readJSON(s.memoryPath(worldID, agentID), &messages)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) ArchiveAgentMemory(ctx context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.memoryPath(worldID, agentID)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing to archive
		}
		return fmt.Errorf("%w: read memory for archive: %v", apierr.ErrStorage, err)
	}

	archiveDir := filepath.Join(s.agentDir(worldID, agentID), "archives")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir archives: %v", apierr.ErrStorage, err)
	}
	ts := time.Now().UTC().Format("20060102T150405.000Z")
	dst := filepath.Join(archiveDir, fmt.Sprintf("memory_%s.json", ts))
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write archive: %v", apierr.ErrStorage, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename archive: %v", apierr.ErrStorage, err)
	}
	return nil
}

// --- Chats ---

func (s *Store) chatPath(worldID, chatID string) string {
	return filepath.Join(s.chatsDir(worldID), chatID+".json")
}

func (s *Store) SaveChat(ctx context.Context, c *worldmodel.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.chatPath(c.WorldID, c.ID), c)
}

func (s *Store) LoadChatData(ctx context.Context, worldID, chatID string) (*worldmodel.Chat, error) {
	var c worldmodel.Chat
	ok, err := readJSON(s.chatPath(worldID, chatID), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (s *Store) LoadChats(ctx context.Context, worldID string) ([]*worldmodel.Chat, error) {
	entries, err := os.ReadDir(s.chatsDir(worldID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list chats: %v", apierr.ErrStorage, err)
	}
	var out []*worldmodel.Chat
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		chatID := e.Name()
		if filepath.Ext(chatID) == ".json" {
			chatID = chatID[:len(chatID)-len(".json")]
		}
		c, err := s.LoadChatData(ctx, worldID, chatID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.chatPath(worldID, chatID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete chat: %v", apierr.ErrStorage, err)
	}
	return nil
}
