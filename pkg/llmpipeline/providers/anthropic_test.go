package providers

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/pkg/llmpipeline"
)

func TestBuildParamsSeparatesSystemFromMessages(t *testing.T) {
	req := llmpipeline.Request{
		Model: "claude-sonnet-4",
		Messages: []llmpipeline.Message{
			{Role: llmpipeline.RoleSystem, Content: "be terse"},
			{Role: llmpipeline.RoleUser, Content: "hi"},
		},
	}
	params, err := buildParams(req)
	require.NoError(t, err)
	require.Len(t, params.System, 1)
	assert.Equal(t, "be terse", params.System[0].Text)
	assert.Len(t, params.Messages, 1)
}

func TestBuildParamsDefaultsMaxTokens(t *testing.T) {
	params, err := buildParams(llmpipeline.Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), params.MaxTokens)
}

func TestBuildParamsHonorsExplicitMaxTokensAndTemperature(t *testing.T) {
	maxTokens := 256
	temp := 0.2
	req := llmpipeline.Request{
		Model:   "claude-sonnet-4",
		Options: llmpipeline.Options{MaxTokens: &maxTokens, Temperature: &temp},
	}
	params, err := buildParams(req)
	require.NoError(t, err)
	assert.Equal(t, int64(256), params.MaxTokens)
	assert.Equal(t, anthropic.Float(0.2), params.Temperature)
}

func TestTranslateToolsCarriesNameDescriptionAndRequired(t *testing.T) {
	tools := []llmpipeline.ToolDefinition{{
		Name:        "lookup",
		Description: "look something up",
		Parameters: map[string]any{
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []string{"query"},
		},
	}}
	out := translateTools(tools)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].OfTool)
	assert.Equal(t, "lookup", out[0].OfTool.Name)
	assert.Equal(t, []string{"query"}, out[0].OfTool.InputSchema.Required)
}
