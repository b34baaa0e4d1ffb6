package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/pkg/worldmodel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestWorldRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	want := &worldmodel.World{
		ID: "W1", Name: "Test World", TurnLimit: 5,
		Variables: map[string]string{"workingDirectory": "/tmp"},
		CreatedAt: now, LastUpdated: now,
	}
	require.NoError(t, s.SaveWorld(ctx, want))

	got, err := s.LoadWorld(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.TurnLimit, got.TurnLimit)
	assert.Equal(t, want.Variables, got.Variables)
}

func TestLoadWorldMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadWorld(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadWorldDerivesAgentIDsFromAgentsTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.SaveWorld(ctx, &worldmodel.World{ID: "W1", CreatedAt: now, LastUpdated: now}))
	require.NoError(t, s.SaveAgent(ctx, &worldmodel.Agent{ID: "a1", WorldID: "W1", CreatedAt: now, LastActive: now}))

	got, err := s.LoadWorld(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, got.AgentIDs)
}

func TestAgentRoundTripWithOptionalFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	temp := 0.7
	maxTokens := 4096
	want := &worldmodel.Agent{
		ID: "a1", WorldID: "W1", Name: "Agent One", Provider: "openai", Model: "gpt-4o-mini",
		Temperature: &temp, MaxTokens: &maxTokens, AutoReply: true,
		Status: worldmodel.AgentActive, LLMCallCount: 2, LastLLMCall: &now,
		CreatedAt: now, LastActive: now,
	}
	require.NoError(t, s.SaveAgent(ctx, want))

	got, err := s.LoadAgent(ctx, "W1", "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Name, got.Name)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, temp, *got.Temperature)
	require.NotNil(t, got.LastLLMCall)
	assert.Equal(t, want.Status, got.Status)
}

func TestDeleteAgentCascadesMemory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.SaveAgent(ctx, &worldmodel.Agent{ID: "a1", WorldID: "W1", CreatedAt: now, LastActive: now}))
	require.NoError(t, s.SaveAgentMemory(ctx, "W1", "a1", []worldmodel.AgentMessage{{MessageID: "M1", ChatID: "c1", CreatedAt: now}}))

	require.NoError(t, s.DeleteAgent(ctx, "W1", "a1"))

	memory, err := s.LoadAgentMemory(ctx, "W1", "a1")
	require.NoError(t, err)
	assert.Empty(t, memory)
}

func TestAgentMemoryRoundTripWithUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	messages := []worldmodel.AgentMessage{
		{MessageID: "M1", ChatID: "c1", Role: worldmodel.RoleUser, Content: "hi", CreatedAt: now},
		{MessageID: "M2", ChatID: "c1", Role: worldmodel.RoleAssistant, Content: "hello", CreatedAt: now.Add(time.Second),
			Usage: &worldmodel.Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}},
	}
	require.NoError(t, s.SaveAgentMemory(ctx, "W1", "a1", messages))

	got, err := s.LoadAgentMemory(ctx, "W1", "a1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "M1", got[0].MessageID)
	require.NotNil(t, got[1].Usage)
	assert.Equal(t, 3, got[1].Usage.TotalTokens)
}

func TestSaveAgentMemoryReplacesRatherThanAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.SaveAgentMemory(ctx, "W1", "a1", []worldmodel.AgentMessage{{MessageID: "M1", ChatID: "c1", CreatedAt: now}}))
	require.NoError(t, s.SaveAgentMemory(ctx, "W1", "a1", []worldmodel.AgentMessage{{MessageID: "M2", ChatID: "c1", CreatedAt: now}}))

	got, err := s.LoadAgentMemory(ctx, "W1", "a1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "M2", got[0].MessageID)
}

func TestChatRoundTripAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	chat := &worldmodel.Chat{ID: "c1", WorldID: "W1", Name: "General", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.SaveChat(ctx, chat))

	got, err := s.LoadChatData(ctx, "W1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "General", got.Name)

	all, err := s.LoadChats(ctx, "W1")
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.DeleteChat(ctx, "W1", "c1"))
	got, err = s.LoadChatData(ctx, "W1", "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
