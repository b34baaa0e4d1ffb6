// Package providers holds the LLM Pipeline's per-vendor adapters (spec.md
// §4.4). Anthropic is grounded directly on the teacher's
// pkg/providers.ClaudeProvider.Chat/buildClaudeParams/parseClaudeResponse,
// converted from single-shot Chat to the streaming contract llmpipeline
// requires.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentworld/agentworld/pkg/llmpipeline"
)

// Anthropic adapts the Anthropic Messages API to llmpipeline.Provider.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic builds an adapter authenticating with apiKey.
func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (a *Anthropic) Stream(ctx context.Context, req llmpipeline.Request) (<-chan llmpipeline.StreamEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan llmpipeline.StreamEvent, 16)
	go func() {
		defer close(out)

		stream := a.client.Messages.NewStreaming(ctx, params)
		var acc anthropic.Message

		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				sendErr(ctx, out, err)
				return
			}
			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
					sendEvent(ctx, out, llmpipeline.StreamEvent{Kind: llmpipeline.EventTextDelta, TextDelta: text.Text})
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
		if err := stream.Err(); err != nil {
			sendErr(ctx, out, fmt.Errorf("anthropic stream: %w", err))
			return
		}

		for _, tc := range extractToolCalls(acc) {
			sendEvent(ctx, out, llmpipeline.StreamEvent{Kind: llmpipeline.EventToolCall, ToolCall: tc})
		}
		sendEvent(ctx, out, llmpipeline.StreamEvent{
			Kind: llmpipeline.EventFinish,
			Usage: &llmpipeline.Usage{
				InputTokens:  int(acc.Usage.InputTokens),
				OutputTokens: int(acc.Usage.OutputTokens),
				TotalTokens:  int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
			},
		})
	}()
	return out, nil
}

func extractToolCalls(msg anthropic.Message) []llmpipeline.ToolCall {
	var calls []llmpipeline.ToolCall
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		tu := block.AsToolUse()
		var args map[string]any
		if err := json.Unmarshal(tu.Input, &args); err != nil {
			args = map[string]any{"raw": string(tu.Input)}
		}
		calls = append(calls, llmpipeline.ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
	}
	return calls
}

func buildParams(req llmpipeline.Request) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	for _, msg := range req.Messages {
		switch msg.Role {
		case llmpipeline.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case llmpipeline.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case llmpipeline.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == nil {
						args = map[string]any{}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
				}
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			} else {
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case llmpipeline.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}

	maxTokens := int64(4096)
	if req.Options.MaxTokens != nil {
		maxTokens = int64(*req.Options.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Options.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Options.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = translateTools(req.Tools)
	}
	return params, nil
}

func translateTools(tools []llmpipeline.ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		if req, ok := t.Parameters["required"].([]string); ok {
			tool.InputSchema.Required = req
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func sendEvent(ctx context.Context, out chan<- llmpipeline.StreamEvent, ev llmpipeline.StreamEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func sendErr(ctx context.Context, out chan<- llmpipeline.StreamEvent, err error) {
	sendEvent(ctx, out, llmpipeline.StreamEvent{Kind: llmpipeline.EventError, Err: err})
}
