// OpenAICompat backs every OpenAI-wire-format provider the pipeline
// dispatches to: OpenAI itself, Azure-OpenAI, generic OpenAI-compatible
// endpoints, xAI, Ollama, and Google (via its OpenAI-compatibility
// endpoint). One adapter, parameterized by base URL + API key, because all
// six speak the same Chat Completions streaming wire shape.
//
// Grounded on intelligencedev-manifold's internal/llm/openai.Client:
// openai-go/v3 NewStreaming + manual per-chunk tool-call accumulation by
// index (providers interleave partial tool_calls[i].function.arguments
// across chunks), and on its constructor pattern of swapping option.WithBaseURL
// per self-hosted/compatible target.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/agentworld/agentworld/pkg/llmpipeline"
)

// OpenAICompat adapts any OpenAI Chat Completions-wire-compatible backend.
type OpenAICompat struct {
	client openai.Client
}

func newOpenAICompat(apiKey, baseURL string) *OpenAICompat {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompat{client: openai.NewClient(opts...)}
}

// NewOpenAI talks to api.openai.com directly.
func NewOpenAI(apiKey string) *OpenAICompat { return newOpenAICompat(apiKey, "") }

// NewAzureOpenAI talks to an Azure OpenAI deployment. It resolves the
// {resourceName, deploymentName, apiVersion} triple into a single request
// URL itself, since the wire format downstream is identical OpenAI Chat
// Completions JSON.
func NewAzureOpenAI(apiKey, resourceName, deploymentName, apiVersion string) *OpenAICompat {
	baseURL := fmt.Sprintf("https://%s.openai.azure.com/openai/deployments/%s?api-version=%s", resourceName, deploymentName, apiVersion)
	return newOpenAICompat(apiKey, baseURL)
}

// NewOpenAICompatible talks to any self-declared OpenAI-compatible endpoint.
func NewOpenAICompatible(apiKey, baseURL string) *OpenAICompat {
	return newOpenAICompat(apiKey, baseURL)
}

// NewXAI talks to xAI's OpenAI-compatible endpoint.
func NewXAI(apiKey string) *OpenAICompat {
	return newOpenAICompat(apiKey, "https://api.x.ai/v1")
}

// NewOllama talks to a local/remote Ollama server's OpenAI-compatible route.
func NewOllama(baseURL string) *OpenAICompat {
	return newOpenAICompat("ollama", baseURL+"/v1")
}

// NewGoogle talks to Gemini's OpenAI-compatibility endpoint.
func NewGoogle(apiKey string) *OpenAICompat {
	return newOpenAICompat(apiKey, "https://generativelanguage.googleapis.com/v1beta/openai")
}

func (p *OpenAICompat) Stream(ctx context.Context, req llmpipeline.Request) (<-chan llmpipeline.StreamEvent, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: adaptMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = adaptTools(req.Tools)
	}
	if req.Options.Temperature != nil {
		params.Temperature = openai.Float(*req.Options.Temperature)
	}
	if req.Options.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.Options.MaxTokens))
	}
	params.StreamOptions.IncludeUsage = openai.Bool(true)

	out := make(chan llmpipeline.StreamEvent, 16)
	go func() {
		defer close(out)

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		toolCalls := map[int64]*llmpipeline.ToolCall{}
		rawArgs := map[int64]string{}
		var order []int64
		var usage *llmpipeline.Usage

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				sendEvent(ctx, out, llmpipeline.StreamEvent{Kind: llmpipeline.EventTextDelta, TextDelta: delta.Content})
			}
			for _, tc := range delta.ToolCalls {
				idx := tc.Index
				tcall, seen := toolCalls[idx]
				if !seen {
					tcall = &llmpipeline.ToolCall{ID: tc.ID}
					toolCalls[idx] = tcall
					order = append(order, idx)
				}
				if tc.Function.Name != "" {
					tcall.Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					rawArgs[idx] += tc.Function.Arguments
					var parsed map[string]any
					if json.Unmarshal([]byte(rawArgs[idx]), &parsed) == nil {
						tcall.Arguments = parsed
					}
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				usage = &llmpipeline.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
		if err := stream.Err(); err != nil {
			sendErr(ctx, out, fmt.Errorf("openai-compatible stream: %w", err))
			return
		}

		for _, idx := range order {
			sendEvent(ctx, out, llmpipeline.StreamEvent{Kind: llmpipeline.EventToolCall, ToolCall: *toolCalls[idx]})
		}
		sendEvent(ctx, out, llmpipeline.StreamEvent{Kind: llmpipeline.EventFinish, Usage: usage})
	}()
	return out, nil
}

func adaptMessages(msgs []llmpipeline.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llmpipeline.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llmpipeline.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case llmpipeline.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case llmpipeline.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func adaptTools(tools []llmpipeline.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  shared.FunctionParameters(t.Parameters),
		}))
	}
	return out
}
