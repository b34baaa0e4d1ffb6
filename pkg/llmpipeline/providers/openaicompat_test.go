package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/pkg/llmpipeline"
)

func TestAdaptMessagesPreservesOrderAndCount(t *testing.T) {
	msgs := []llmpipeline.Message{
		{Role: llmpipeline.RoleSystem, Content: "be terse"},
		{Role: llmpipeline.RoleUser, Content: "hi"},
		{Role: llmpipeline.RoleAssistant, Content: "hello"},
		{Role: llmpipeline.RoleTool, Content: "42", ToolCallID: "call-1"},
	}
	out := adaptMessages(msgs)
	require.Len(t, out, 4)
	for i, want := range []string{"be terse", "hi", "hello", "42"} {
		data, err := json.Marshal(out[i])
		require.NoError(t, err)
		assert.Contains(t, string(data), want)
	}
}

func TestAdaptMessagesToolMessageCarriesCallID(t *testing.T) {
	out := adaptMessages([]llmpipeline.Message{{Role: llmpipeline.RoleTool, Content: "result", ToolCallID: "call-1"}})
	require.Len(t, out, 1)
	data, err := json.Marshal(out[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "call-1")
	assert.Contains(t, string(data), "result")
}

func TestAdaptToolsCarriesNameAndDescription(t *testing.T) {
	tools := []llmpipeline.ToolDefinition{{
		Name:        "lookup",
		Description: "look something up",
		Parameters:  map[string]any{"type": "object"},
	}}
	out := adaptTools(tools)
	require.Len(t, out, 1)
	data, err := json.Marshal(out[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "lookup")
	assert.Contains(t, string(data), "look something up")
}
