package worldapi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/internal/apierr"
	"github.com/agentworld/agentworld/pkg/eventbus"
	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// fakeStore is a minimal in-memory storage.Storage with real CRUD
// semantics (unlike pkg/chatmanager's fixture, which stubs out the agent
// side), since worldapi exercises agent create/update/delete directly.
type fakeStore struct {
	worlds         map[string]*worldmodel.World
	agents         map[string]map[string]*worldmodel.Agent // worldID -> agentID -> agent
	memory         map[string][]worldmodel.AgentMessage     // worldID+"/"+agentID
	chats          map[string]map[string]*worldmodel.Chat   // worldID -> chatID -> chat
	archivedAgents []string                                  // worldID+"/"+agentID, in call order
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		worlds: make(map[string]*worldmodel.World),
		agents: make(map[string]map[string]*worldmodel.Agent),
		memory: make(map[string][]worldmodel.AgentMessage),
		chats:  make(map[string]map[string]*worldmodel.Chat),
	}
}

func memKey(worldID, agentID string) string { return worldID + "/" + agentID }

func (s *fakeStore) SaveWorld(ctx context.Context, w *worldmodel.World) error {
	cp := *w
	s.worlds[w.ID] = &cp
	return nil
}
func (s *fakeStore) LoadWorld(ctx context.Context, worldID string) (*worldmodel.World, error) {
	w, ok := s.worlds[worldID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}
func (s *fakeStore) DeleteWorld(ctx context.Context, worldID string) error {
	delete(s.worlds, worldID)
	return nil
}
func (s *fakeStore) ListWorlds(ctx context.Context) ([]*worldmodel.World, error) {
	var out []*worldmodel.World
	for _, w := range s.worlds {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) SaveAgent(ctx context.Context, a *worldmodel.Agent) error {
	if s.agents[a.WorldID] == nil {
		s.agents[a.WorldID] = make(map[string]*worldmodel.Agent)
	}
	cp := *a
	s.agents[a.WorldID][a.ID] = &cp
	return nil
}
func (s *fakeStore) LoadAgent(ctx context.Context, worldID, agentID string) (*worldmodel.Agent, error) {
	a, ok := s.agents[worldID][agentID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}
func (s *fakeStore) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	delete(s.agents[worldID], agentID)
	return nil
}
func (s *fakeStore) ListAgents(ctx context.Context, worldID string) ([]*worldmodel.Agent, error) {
	var out []*worldmodel.Agent
	for _, a := range s.agents[worldID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) SaveAgentMemory(ctx context.Context, worldID, agentID string, messages []worldmodel.AgentMessage) error {
	s.memory[memKey(worldID, agentID)] = append([]worldmodel.AgentMessage(nil), messages...)
	return nil
}
func (s *fakeStore) LoadAgentMemory(ctx context.Context, worldID, agentID string) ([]worldmodel.AgentMessage, error) {
	return append([]worldmodel.AgentMessage(nil), s.memory[memKey(worldID, agentID)]...), nil
}
func (s *fakeStore) ArchiveAgentMemory(ctx context.Context, worldID, agentID string) error {
	s.archivedAgents = append(s.archivedAgents, memKey(worldID, agentID))
	return nil
}

func (s *fakeStore) SaveChat(ctx context.Context, c *worldmodel.Chat) error {
	if s.chats[c.WorldID] == nil {
		s.chats[c.WorldID] = make(map[string]*worldmodel.Chat)
	}
	cp := *c
	s.chats[c.WorldID][c.ID] = &cp
	return nil
}
func (s *fakeStore) LoadChatData(ctx context.Context, worldID, chatID string) (*worldmodel.Chat, error) {
	c, ok := s.chats[worldID][chatID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}
func (s *fakeStore) LoadChats(ctx context.Context, worldID string) ([]*worldmodel.Chat, error) {
	var out []*worldmodel.Chat
	for _, c := range s.chats[worldID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}
func (s *fakeStore) DeleteChat(ctx context.Context, worldID, chatID string) error {
	delete(s.chats[worldID], chatID)
	return nil
}

func TestCreateWorldRejectsEmptyName(t *testing.T) {
	mgr := New(newFakeStore())
	_, err := mgr.CreateWorld(context.Background(), CreateWorldParams{Name: "  ", TurnLimit: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrValidation))
}

func TestCreateWorldRejectsTurnLimitBelowOne(t *testing.T) {
	mgr := New(newFakeStore())
	_, err := mgr.CreateWorld(context.Background(), CreateWorldParams{Name: "W1", TurnLimit: 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrValidation))
}

func TestCreateWorldRejectsMalformedMCPConfig(t *testing.T) {
	mgr := New(newFakeStore())
	_, err := mgr.CreateWorld(context.Background(), CreateWorldParams{Name: "W1", TurnLimit: 1, MCPConfig: "{not json"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrValidation))
}

func TestCreateWorldRejectsUnknownCurrentChat(t *testing.T) {
	mgr := New(newFakeStore())
	_, err := mgr.CreateWorld(context.Background(), CreateWorldParams{ID: "W1", Name: "W1", TurnLimit: 1, CurrentChatID: "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrValidation))
}

func TestCreateWorldPersistsAndRejectsDuplicateID(t *testing.T) {
	store := newFakeStore()
	mgr := New(store)

	world, err := mgr.CreateWorld(context.Background(), CreateWorldParams{ID: "W1", Name: "World One", TurnLimit: 5})
	require.NoError(t, err)
	assert.Equal(t, "W1", world.ID)
	assert.NotNil(t, store.worlds["W1"])

	_, err = mgr.CreateWorld(context.Background(), CreateWorldParams{ID: "W1", Name: "Dupe", TurnLimit: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrConflict))
}

func TestUpdateWorldRejectsInvalidTurnLimitAndLeavesWorldUnchanged(t *testing.T) {
	store := newFakeStore()
	store.worlds["W1"] = &worldmodel.World{ID: "W1", Name: "World One", TurnLimit: 5}
	mgr := New(store)

	turnLimit := 0
	_, err := mgr.UpdateWorld(context.Background(), "W1", UpdateWorldParams{TurnLimit: &turnLimit})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrValidation))
	assert.Equal(t, 5, store.worlds["W1"].TurnLimit)
}

func TestUpdateWorldMissingReturnsNotFound(t *testing.T) {
	mgr := New(newFakeStore())
	name := "new name"
	_, err := mgr.UpdateWorld(context.Background(), "missing", UpdateWorldParams{Name: &name})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrNotFound))
}

func TestCreateAgentRejectsEmptyProvider(t *testing.T) {
	store := newFakeStore()
	store.worlds["W1"] = &worldmodel.World{ID: "W1"}
	mgr := New(store)

	_, err := mgr.CreateAgent(context.Background(), "W1", CreateAgentParams{Name: "a1", Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrValidation))
}

func TestCreateAgentRegistersWithWorld(t *testing.T) {
	store := newFakeStore()
	store.worlds["W1"] = &worldmodel.World{ID: "W1"}
	mgr := New(store)

	agent, err := mgr.CreateAgent(context.Background(), "W1", CreateAgentParams{
		ID: "a1", Name: "a1", Provider: "openai", Model: "gpt-4o-mini", AutoReply: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", agent.ID)
	assert.True(t, store.worlds["W1"].HasAgent("a1"))
}

func TestDeleteAgentArchivesMemoryBeforeRemoving(t *testing.T) {
	store := newFakeStore()
	store.worlds["W1"] = &worldmodel.World{ID: "W1"}
	store.worlds["W1"].AddAgent("a1")
	store.agents["W1"] = map[string]*worldmodel.Agent{"a1": {ID: "a1", WorldID: "W1"}}
	store.memory[memKey("W1", "a1")] = []worldmodel.AgentMessage{{MessageID: "m1"}}
	mgr := New(store)

	err := mgr.DeleteAgent(context.Background(), "W1", "a1")
	require.NoError(t, err)

	assert.Equal(t, []string{"W1/a1"}, store.archivedAgents)
	assert.Nil(t, store.agents["W1"]["a1"])
	assert.False(t, store.worlds["W1"].HasAgent("a1"))
}

func TestDeleteAgentMissingReturnsNotFound(t *testing.T) {
	store := newFakeStore()
	store.worlds["W1"] = &worldmodel.World{ID: "W1"}
	mgr := New(store)

	err := mgr.DeleteAgent(context.Background(), "W1", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrNotFound))
}

func TestDeleteWorldCascadesAgentsAndChats(t *testing.T) {
	store := newFakeStore()
	store.worlds["W1"] = &worldmodel.World{ID: "W1"}
	store.worlds["W1"].AddAgent("a1")
	store.agents["W1"] = map[string]*worldmodel.Agent{"a1": {ID: "a1", WorldID: "W1"}}
	store.chats["W1"] = map[string]*worldmodel.Chat{"c1": {ID: "c1", WorldID: "W1"}}
	mgr := New(store)

	err := mgr.DeleteWorld(context.Background(), "W1")
	require.NoError(t, err)

	assert.Nil(t, store.worlds["W1"])
	assert.Empty(t, store.agents["W1"])
	assert.Empty(t, store.chats["W1"])
	assert.Equal(t, []string{"W1/a1"}, store.archivedAgents)
}

func TestGetMemoryDedupesAcrossAgentsAndSortsByCreatedAt(t *testing.T) {
	store := newFakeStore()
	store.worlds["W1"] = &worldmodel.World{ID: "W1"}
	store.agents["W1"] = map[string]*worldmodel.Agent{
		"a1": {ID: "a1", WorldID: "W1"},
		"a2": {ID: "a2", WorldID: "W1"},
	}
	shared := worldmodel.AgentMessage{MessageID: "m1", ChatID: "c1", Content: "hi"}
	store.memory[memKey("W1", "a1")] = []worldmodel.AgentMessage{shared}
	store.memory[memKey("W1", "a2")] = []worldmodel.AgentMessage{shared, {MessageID: "m2", ChatID: "c1", Content: "reply"}}
	mgr := New(store)

	memory, err := mgr.GetMemory(context.Background(), "W1", "c1")
	require.NoError(t, err)
	require.Len(t, memory, 2)
	assert.Equal(t, "m1", memory[0].MessageID)
	assert.Equal(t, "m2", memory[1].MessageID)
}

func TestPublishMessageDefaultsToCurrentChatAndPublishes(t *testing.T) {
	world := &worldmodel.World{ID: "W1", CurrentChatID: "c1"}
	mgr := New(newFakeStore())
	bus := eventbus.New()
	ch, unsubscribe := bus.Subscribe(eventbus.TopicMessage, "", 4)
	defer unsubscribe()

	messageID, err := mgr.PublishMessage(context.Background(), bus, world, "hi", "human", "")
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)

	env := <-ch
	payload := env.Payload.(eventbus.MessagePayload)
	assert.Equal(t, "c1", payload.ChatID)
	assert.Equal(t, "human", payload.Role)
	assert.Equal(t, messageID, payload.MessageID)
}

func TestPublishMessageRejectsEmptyContent(t *testing.T) {
	world := &worldmodel.World{ID: "W1", CurrentChatID: "c1"}
	mgr := New(newFakeStore())
	bus := eventbus.New()

	_, err := mgr.PublishMessage(context.Background(), bus, world, "", "human", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrValidation))
}

func TestPublishMessageWithNoChatFailsValidation(t *testing.T) {
	world := &worldmodel.World{ID: "W1"}
	mgr := New(newFakeStore())
	bus := eventbus.New()

	_, err := mgr.PublishMessage(context.Background(), bus, world, "hi", "human", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrValidation))
}

func TestConfigureLLMProviderRejectsEmptyModel(t *testing.T) {
	store := newFakeStore()
	store.worlds["W1"] = &worldmodel.World{ID: "W1"}
	mgr := New(store)

	_, err := mgr.ConfigureLLMProvider(context.Background(), "W1", "anthropic", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrValidation))
}

func TestConfigureLLMProviderPersists(t *testing.T) {
	store := newFakeStore()
	store.worlds["W1"] = &worldmodel.World{ID: "W1"}
	mgr := New(store)

	world, err := mgr.ConfigureLLMProvider(context.Background(), "W1", "anthropic", "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", world.ChatLLMProvider)
	assert.Equal(t, "claude-sonnet-4-5", store.worlds["W1"].ChatLLMModel)
}
