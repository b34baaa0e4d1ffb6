package llmpipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agentworld/agentworld/internal/apierr"
	"github.com/agentworld/agentworld/internal/obslog"
	streamnotify "github.com/agentworld/agentworld/pkg/bus"
	"github.com/agentworld/agentworld/pkg/eventbus"
	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// DefaultTimeout is the wall-clock budget for one outer pipeline attempt
// (spec §4.4 step 4, §5).
const DefaultTimeout = 30 * time.Second

// chunkFlushInterval throttles how often an in-progress response is
// published to the sse topic. A provider can emit a text delta per token;
// publishing every one of those as its own bus envelope would dominate
// event-bus traffic for no benefit to a UI that just re-renders the latest
// text. sse{chunk} instead carries the text generated since the previous
// chunk, flushed at this interval and once more when the stream ends.
const chunkFlushInterval = 120 * time.Millisecond

// Registry resolves an agent's configured provider name to the adapter
// that serves it, mirroring the teacher's provider-name dispatch in
// pkg/providers but generalized to every adapter in ./providers.
type Registry struct {
	adapters map[string]Provider
}

// NewRegistry builds an empty registry; register adapters with Register.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Provider)}
}

// Register binds name (an agent's "provider" field) to adapter.
func (r *Registry) Register(name string, adapter Provider) {
	r.adapters[name] = adapter
}

func (r *Registry) resolve(name string) (Provider, error) {
	p, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: no provider registered for %q", apierr.ErrProvider, name)
	}
	return p, nil
}

// Result is what Run returns on a non-error completion: the assembled
// response text plus whatever usage is known (estimated if the provider
// never reported authoritative counts).
type Result struct {
	Content string
	Usage   worldmodel.Usage
}

// ToolExecutor runs one tool call the model requested and returns its result.
type ToolExecutor func(ctx context.Context, call ToolCall) (result string, err error)

// Run executes the LLM Pipeline of spec.md §4.4 for one agent turn: builds
// the prompt, dispatches to the agent's provider, translates the stream
// into sse/tool events on bus, follows up on tool calls, and returns the
// assembled text. Publish uses chatID to scope every emitted event.
//
// toolExec, if non-nil, is invoked for each assembled tool call the model
// requests; its result is appended as a "tool" message and the pipeline
// loops back to the provider (step 3's follow-up turn). A nil toolExec
// means the agent offers no tools; if the provider still requests tool
// calls, Run logs a warning and completes the turn with the text streamed
// so far.
func Run(ctx context.Context, bus *eventbus.Bus, registry *Registry, world *worldmodel.World, agent *worldmodel.Agent, memory []worldmodel.AgentMessage, userMessage worldmodel.AgentMessage, messageID string, tools []ToolDefinition, toolExec ToolExecutor) (Result, error) {
	log := obslog.New("llmpipeline")

	provider, err := registry.resolve(agent.Provider)
	if err != nil {
		return emitPipelineError(ctx, bus, userMessage.ChatID, messageID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	messages := buildPrompt(agent, world, memory, userMessage)
	opts := Options{Temperature: agent.Temperature, MaxTokens: agent.MaxTokens}

	bus.Publish(ctx, eventbus.TopicSSE, userMessage.ChatID, eventbus.SSEPayload{
		EventType: eventbus.SSEStart,
		MessageID: messageID,
		AgentName: agent.Name,
		ChatID:    userMessage.ChatID,
	})

	var buffer strings.Builder
	var finalUsage *Usage

	for {
		req := Request{Model: agent.Model, Messages: messages, Tools: tools, Options: opts}
		events, err := provider.Stream(ctx, req)
		if err != nil {
			return emitPipelineError(ctx, bus, userMessage.ChatID, messageID, fmt.Errorf("%w: %v", apierr.ErrProvider, err))
		}

		var pendingCalls []ToolCall
		streamErr := error(nil)

		notifier := streamnotify.NewStreamNotifier(chunkFlushInterval, func(delta string, _ int) {
			bus.Publish(ctx, eventbus.TopicSSE, userMessage.ChatID, eventbus.SSEPayload{
				EventType: eventbus.SSEChunk,
				MessageID: messageID,
				AgentName: agent.Name,
				Content:   delta,
				ChatID:    userMessage.ChatID,
			})
		})

	drain:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					break drain
				}
				switch ev.Kind {
				case EventTextDelta:
					buffer.WriteString(ev.TextDelta)
					notifier.Append(ev.TextDelta)
				case EventToolCall:
					pendingCalls = append(pendingCalls, ev.ToolCall)
					bus.Publish(ctx, eventbus.TopicTool, userMessage.ChatID, eventbus.ToolPayload{
						EventType: eventbus.ToolStart,
						ToolUseID: ev.ToolCall.ID,
						ToolName:  ev.ToolCall.Name,
						ToolInput: ev.ToolCall.Arguments,
						ChatID:    userMessage.ChatID,
					})
				case EventFinish:
					finalUsage = ev.Usage
				case EventError:
					streamErr = ev.Err
				}
			case <-ctx.Done():
				notifier.Flush()
				bus.Publish(ctx, eventbus.TopicSSE, userMessage.ChatID, eventbus.SSEPayload{
					EventType: eventbus.SSEError,
					MessageID: messageID,
					AgentName: agent.Name,
					Error:     "timeout",
					ChatID:    userMessage.ChatID,
				})
				return Result{}, fmt.Errorf("%w: llm pipeline exceeded %s", apierr.ErrTimeout, DefaultTimeout)
			}
		}
		notifier.Flush()

		if streamErr != nil {
			return emitPipelineError(ctx, bus, userMessage.ChatID, messageID, fmt.Errorf("%w: %v", apierr.ErrProvider, streamErr))
		}

		if len(pendingCalls) == 0 {
			break
		}

		if toolExec == nil {
			log.WarnCF("provider requested tools but agent has none configured", map[string]any{
				"agent": agent.Name, "calls": len(pendingCalls),
			})
			break
		}

		// Step 3 follow-up: append the assistant turn that requested the
		// calls, execute each, append its result, loop back to the provider.
		messages = append(messages, Message{Role: RoleAssistant, Content: buffer.String(), ToolCalls: pendingCalls})
		buffer.Reset()

		for _, call := range pendingCalls {
			result, err := toolExec(ctx, call)
			if err != nil {
				bus.Publish(ctx, eventbus.TopicTool, userMessage.ChatID, eventbus.ToolPayload{
					EventType: eventbus.ToolError,
					ToolUseID: call.ID,
					ToolName:  call.Name,
					Error:     err.Error(),
					ChatID:    userMessage.ChatID,
				})
				result = fmt.Sprintf("error: %v", err)
			} else {
				bus.Publish(ctx, eventbus.TopicTool, userMessage.ChatID, eventbus.ToolPayload{
					EventType: eventbus.ToolResult,
					ToolUseID: call.ID,
					ToolName:  call.Name,
					Result:    result,
					ChatID:    userMessage.ChatID,
				})
			}
			messages = append(messages, Message{Role: RoleTool, Content: result, ToolCallID: call.ID})
		}
	}

	usage := resolveUsage(finalUsage, buffer.String())

	bus.Publish(ctx, eventbus.TopicSSE, userMessage.ChatID, eventbus.SSEPayload{
		EventType: eventbus.SSEEnd,
		MessageID: messageID,
		AgentName: agent.Name,
		ChatID:    userMessage.ChatID,
		Usage:     &eventbus.UsageInfo{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens, TotalTokens: usage.TotalTokens},
	})

	return Result{Content: buffer.String(), Usage: usage}, nil
}

func emitPipelineError(ctx context.Context, bus *eventbus.Bus, chatID, messageID string, err error) (Result, error) {
	bus.Publish(ctx, eventbus.TopicSSE, chatID, eventbus.SSEPayload{
		EventType: eventbus.SSEError,
		MessageID: messageID,
		Error:     err.Error(),
		ChatID:    chatID,
	})
	return Result{}, err
}

// resolveUsage prefers the provider's authoritative counts; absent those,
// it estimates outputTokens per spec §4.4's ceil(len(buffer)/4) rule.
func resolveUsage(u *Usage, buffer string) worldmodel.Usage {
	if u != nil {
		return worldmodel.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, TotalTokens: u.TotalTokens}
	}
	est := int(math.Ceil(float64(len(buffer)) / 4))
	return worldmodel.Usage{OutputTokens: est, TotalTokens: est}
}

// buildPrompt assembles the provider-bound message list per spec §4.4 step
// 1: a system turn (agent.systemPrompt with {{var}} substitution plus the
// mandatory trailing working-directory line), the agent's memory in order,
// then the triggering message.
func buildPrompt(agent *worldmodel.Agent, world *worldmodel.World, memory []worldmodel.AgentMessage, userMessage worldmodel.AgentMessage) []Message {
	system := substituteVars(agent.SystemPrompt, world.Variables)
	wd := world.Variables["workingDirectory"]
	if wd == "" {
		wd = "./"
	}
	system = strings.TrimRight(system, "\n") + "\nworking directory: " + wd

	messages := make([]Message, 0, len(memory)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	for _, m := range memory {
		messages = append(messages, Message{
			Role:       toRole(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	messages = append(messages, Message{Role: toRole(userMessage.Role), Content: userMessage.Content})
	return messages
}

func toRole(r worldmodel.MessageRole) Role {
	switch r {
	case worldmodel.RoleSystem:
		return RoleSystem
	case worldmodel.RoleAssistant:
		return RoleAssistant
	case worldmodel.RoleTool:
		return RoleTool
	default:
		return RoleUser
	}
}

// substituteVars replaces every {{key}} occurrence in s with vars[key],
// leaving unknown keys untouched.
func substituteVars(s string, vars map[string]string) string {
	if len(vars) == 0 {
		return s
	}
	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "{{")
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		end += start
		key := strings.TrimSpace(s[start+2 : end])
		b.WriteString(s[i:start])
		if v, ok := vars[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[start : end+2])
		}
		i = end + 2
	}
	return b.String()
}
