// Package agentruntime implements the Agent Runtime actor of spec.md §4.3:
// one mailbox and one dedicated worker goroutine per agent, the
// should-respond decision, turn-limit reset/suppression/notification, and
// mention extraction.
//
// Grounded on the teacher's pkg/agent.AgentLoop.Run/routeMessages: a
// dedicated goroutine drains a channel and processes strictly in arrival
// order. The teacher serializes one mailbox per whole process and diverts
// same-session messages into an interrupt channel mid-turn; this runtime
// instead gives every agent its own mailbox (spec §4.3's "N concurrent
// workers") and has no interrupt concept, since an agent never re-enters
// itself mid-turn (spec: "No re-entrancy").
package agentruntime

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentworld/agentworld/internal/obslog"
	"github.com/agentworld/agentworld/pkg/eventbus"
	"github.com/agentworld/agentworld/pkg/llmpipeline"
	"github.com/agentworld/agentworld/pkg/metrics"
	"github.com/agentworld/agentworld/pkg/semanticmemory"
	"github.com/agentworld/agentworld/pkg/storage"
	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// recallLimit bounds how many past exchanges semantic recall folds into a
// turn's prompt.
const recallLimit = 3

// turnLimitPattern matches the notification text an agent itself ignores,
// preventing a turn-limit notice from ever triggering another one.
var turnLimitPattern = regexp.MustCompile(`(?i)^turn limit reached \(\d+ llm calls\)`)

// InboundMessage is what the runtime routes to an agent's mailbox. Role is
// the sender classification the should-respond decision cares about:
// "human" (interactive user), "agent" (another agent in the world),
// "system"/"world" (runtime-originated, always resets llmCallCount). It is
// distinct from worldmodel.MessageRole, which classifies persisted memory
// entries (system/user/assistant/tool) rather than senders.
type InboundMessage struct {
	MessageID        string
	ChatID           string
	Role             string
	Sender           string
	Content          string
	ReplyToMessageID string
	CreatedAt        time.Time
}

func isResetRole(role string) bool {
	switch role {
	case "human", "system", "world":
		return true
	default:
		return false
	}
}

// decision is the should-respond outcome (spec §4.3 steps 1-6).
type decision int

const (
	decisionIgnore decision = iota
	decisionNoop
	decisionNotifyTurnLimit
	decisionRespond
)

// decide is the pure should-respond function: no side effects, callers
// apply the reset themselves. alreadyNotified suppresses repeat
// turn-limit notices once the first has fired for this streak.
func decide(msg InboundMessage, agent *worldmodel.Agent, turnLimit int, alreadyNotified bool) (d decision, reset bool) {
	if msg.Sender == agent.ID {
		return decisionIgnore, false
	}
	if turnLimitPattern.MatchString(strings.TrimSpace(msg.Content)) {
		return decisionIgnore, false
	}

	callCount := agent.LLMCallCount
	if isResetRole(msg.Role) {
		reset = true
		callCount = 0
	}

	if callCount >= turnLimit {
		if alreadyNotified {
			return decisionNoop, reset
		}
		return decisionNotifyTurnLimit, reset
	}

	if shouldRespondMention(msg, agent) {
		return decisionRespond, reset
	}
	return decisionNoop, reset
}

// shouldRespondMention implements spec §4.3 step 5's mention policy.
func shouldRespondMention(msg InboundMessage, agent *worldmodel.Agent) bool {
	if msg.Role == "human" {
		return true
	}
	if mentionsAgent(msg.Content, agent.Name) {
		return true
	}
	if agent.AutoReply && msg.Role != "agent" {
		return true
	}
	return agent.Broadcast
}

// mentionsAgent reports whether content mentions name as "@name" at the
// start of any paragraph (paragraphs split on a blank line), case
// insensitive, word-bounded (spec §4.3's mention extraction).
func mentionsAgent(content, name string) bool {
	if name == "" {
		return false
	}
	re := mentionPattern(name)
	for _, p := range strings.Split(content, "\n\n") {
		if re.MatchString(strings.TrimSpace(p)) {
			return true
		}
	}
	return false
}

func mentionPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(name) + `\b`)
}

// stripSelfMentions removes "@name" occurrences of the agent's own name
// from its response before persistence, so an agent never loops by
// addressing itself (spec §4.3).
func stripSelfMentions(response, name string) string {
	if name == "" {
		return response
	}
	re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(name) + `\b\s*`)
	return strings.TrimSpace(re.ReplaceAllString(response, ""))
}

// Deps is what every Actor needs to process its mailbox. World is a
// snapshot; it is replaced wholesale when the owning subscription refreshes
// (callers reconstruct actors' Deps on refresh rather than mutate in place).
type Deps struct {
	Store    storage.Storage
	Bus      *eventbus.Bus
	Registry *llmpipeline.Registry
	World    *worldmodel.World
	Tools    []llmpipeline.ToolDefinition
	ToolExec llmpipeline.ToolExecutor

	// Ledger records usage accounting for every completed turn, if set.
	// Nil disables accounting entirely; a turn never fails because
	// accounting failed.
	Ledger *metrics.Ledger

	// Semantic gives an agent recall over past exchanges beyond its
	// in-window memory, if set. Nil disables recall entirely.
	Semantic *semanticmemory.Store
}

// Actor owns one agent's mailbox and its dedicated worker goroutine.
type Actor struct {
	agent *worldmodel.Agent
	deps  Deps
	log   *obslog.Logger

	mailbox chan eventbus.Envelope
	stop    chan struct{}

	mu                sync.Mutex // guards agent state mutated across turns
	notifiedTurnLimit bool
}

// NewActor builds an actor for agent. Run must be started in its own
// goroutine to begin processing.
func NewActor(agent *worldmodel.Agent, deps Deps) *Actor {
	return &Actor{
		agent:   agent,
		deps:    deps,
		log:     obslog.New("agentruntime"),
		mailbox: make(chan eventbus.Envelope, 64),
		stop:    make(chan struct{}),
	}
}

// Agent returns the actor's current agent state (status, llmCallCount,
// etc). Safe to call concurrently with Run.
func (a *Actor) Agent() *worldmodel.Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *a.agent
	return &cp
}

// Enqueue routes env to this agent's mailbox. "message" envelopes carry the
// bus's own blocking-ordering guarantee (spec §5: the message topic blocks
// rather than drops) one hop further: Enqueue blocks until the mailbox has
// room or ctx is cancelled, so a full per-agent mailbox cannot silently
// reintroduce the drop the bus was built to prevent for that topic. Every
// other topic keeps the non-blocking, drop-on-full policy, since only
// "message" carries an ordering guarantee worth propagating through a slow
// agent.
func (a *Actor) Enqueue(ctx context.Context, env eventbus.Envelope) {
	if env.Topic != eventbus.TopicMessage {
		select {
		case a.mailbox <- env:
		default:
			a.log.WarnCF("agent mailbox full, dropping message", map[string]any{"agent": a.agent.Name, "topic": string(env.Topic)})
		}
		return
	}

	select {
	case a.mailbox <- env:
	case <-ctx.Done():
		a.log.WarnCF("context cancelled waiting for mailbox room", map[string]any{"agent": a.agent.Name})
	}
}

// Run processes the mailbox in arrival order until ctx is cancelled or Stop
// is called. One message is fully processed before the next is read, so an
// agent never re-enters itself mid-turn.
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case env := <-a.mailbox:
			a.process(ctx, env)
		}
	}
}

// Stop ends Run's loop after its current message finishes processing.
func (a *Actor) Stop() { close(a.stop) }

func (a *Actor) process(ctx context.Context, env eventbus.Envelope) {
	payload, ok := env.Payload.(eventbus.MessagePayload)
	if !ok {
		return
	}
	inbound := InboundMessage{
		MessageID:        payload.MessageID,
		ChatID:           payload.ChatID,
		Role:             payload.Role,
		Sender:           payload.Sender,
		Content:          payload.Content,
		ReplyToMessageID: payload.ReplyToMessageID,
		CreatedAt:        time.Unix(0, payload.CreatedAt),
	}

	a.mu.Lock()
	d, reset := decide(inbound, a.agent, a.deps.World.TurnLimit, a.notifiedTurnLimit)
	if reset {
		a.agent.LLMCallCount = 0
		a.notifiedTurnLimit = false
	}
	if d == decisionIgnore {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	// Every agent keeps a copy of every message it doesn't ignore, so it
	// has full conversational context for whichever turn it next responds
	// to, even turns it did not itself answer.
	a.appendMemory(ctx, worldmodel.AgentMessage{
		MessageID:        inbound.MessageID,
		ChatID:           inbound.ChatID,
		Role:             worldmodel.RoleUser,
		Sender:           inbound.Sender,
		Content:          inbound.Content,
		CreatedAt:        inbound.CreatedAt,
		ReplyToMessageID: inbound.ReplyToMessageID,
	})

	switch d {
	case decisionNotifyTurnLimit:
		a.mu.Lock()
		a.notifiedTurnLimit = true
		limit := a.deps.World.TurnLimit
		a.mu.Unlock()
		a.publishTurnLimitNotice(ctx, inbound.ChatID, limit)
	case decisionRespond:
		a.respond(ctx, inbound)
	}

	a.persistAgent(ctx)
}

func (a *Actor) publishTurnLimitNotice(ctx context.Context, chatID string, limit int) {
	messageID := worldmodel.NewMessageID()
	content := fmt.Sprintf("Turn limit reached (%d LLM calls)", limit)
	a.deps.Bus.Publish(ctx, eventbus.TopicMessage, chatID, eventbus.MessagePayload{
		MessageID: messageID,
		ChatID:    chatID,
		Role:      "world",
		Sender:    "@human",
		Content:   content,
		CreatedAt: time.Now().UnixNano(),
	})
}

func (a *Actor) respond(ctx context.Context, inbound InboundMessage) {
	a.mu.Lock()
	a.agent.Status = worldmodel.AgentActive
	a.agent.LLMCallCount++
	now := time.Now()
	a.agent.LastLLMCall = &now
	a.agent.LastActive = now
	agentSnapshot := *a.agent
	a.mu.Unlock()

	memory, err := a.deps.Store.LoadAgentMemory(ctx, a.deps.World.ID, a.agent.ID)
	if err != nil {
		a.fail(ctx, inbound, err)
		return
	}

	userMsg := worldmodel.AgentMessage{
		MessageID: inbound.MessageID,
		ChatID:    inbound.ChatID,
		Role:      worldmodel.RoleUser,
		Sender:    inbound.Sender,
		Content:   inbound.Content,
		CreatedAt: inbound.CreatedAt,
	}
	responseID := worldmodel.NewMessageID()

	if a.deps.Semantic != nil {
		if recalled, err := a.deps.Semantic.Recall(ctx, a.agent.ID, inbound.Content, recallLimit); err != nil {
			a.log.WarnCF("semantic recall failed", map[string]any{"agent": a.agent.Name, "error": err.Error()})
		} else if text := semanticmemory.FormatRecall(recalled); text != "" {
			memory = append([]worldmodel.AgentMessage{{
				Role:    worldmodel.RoleSystem,
				Content: text,
			}}, memory...)
		}
	}

	result, err := llmpipeline.Run(ctx, a.deps.Bus, a.deps.Registry, a.deps.World, &agentSnapshot, memory, userMsg, responseID, a.deps.Tools, a.deps.ToolExec)
	if err != nil {
		a.fail(ctx, inbound, err)
		return
	}

	content := stripSelfMentions(result.Content, a.agent.Name)
	if !strings.Contains(content, "@") && inbound.Role == "agent" {
		content = "@" + inbound.Sender + " " + content
	}

	if a.deps.Semantic != nil {
		go a.deps.Semantic.IndexExchange(context.Background(), a.agent.ID, responseID, inbound.Content, content)
	}

	assistantMsg := worldmodel.AgentMessage{
		MessageID:        responseID,
		ChatID:           inbound.ChatID,
		Role:             worldmodel.RoleAssistant,
		Sender:           a.agent.Name,
		Content:          content,
		CreatedAt:        time.Now(),
		ReplyToMessageID: inbound.MessageID,
		Usage:            &result.Usage,
	}
	a.appendMemory(ctx, assistantMsg)

	if a.deps.Ledger != nil {
		if err := a.deps.Ledger.Record(a.deps.World.ID, a.agent.ID, responseID, a.agent.Provider, a.agent.Model, result.Usage); err != nil {
			a.log.WarnCF("failed to record usage", map[string]any{"agent": a.agent.Name, "error": err.Error()})
		}
	}

	a.deps.Bus.Publish(ctx, eventbus.TopicMessage, inbound.ChatID, eventbus.MessagePayload{
		MessageID:        assistantMsg.MessageID,
		ChatID:           assistantMsg.ChatID,
		Role:             string(worldmodel.RoleAssistant),
		Sender:           assistantMsg.Sender,
		Content:          assistantMsg.Content,
		ReplyToMessageID: assistantMsg.ReplyToMessageID,
		CreatedAt:        assistantMsg.CreatedAt.UnixNano(),
	})

	a.mu.Lock()
	a.agent.Status = worldmodel.AgentInactive
	a.mu.Unlock()
}

// fail marks the agent errored after a failed turn. An error returned by
// llmpipeline.Run has already been published as sse{error}; a failure to
// load memory, before the pipeline starts, publishes no sse event. A failed
// turn never produces a persisted assistant message (spec §7).
func (a *Actor) fail(ctx context.Context, inbound InboundMessage, err error) {
	a.log.ErrorCF("agent llm turn failed", map[string]any{"agent": a.agent.Name, "error": err.Error()})
	a.mu.Lock()
	a.agent.Status = worldmodel.AgentError
	a.mu.Unlock()
}

func (a *Actor) appendMemory(ctx context.Context, msg worldmodel.AgentMessage) {
	current, err := a.deps.Store.LoadAgentMemory(ctx, a.deps.World.ID, a.agent.ID)
	if err != nil {
		a.log.ErrorCF("failed to load agent memory", map[string]any{"agent": a.agent.Name, "error": err.Error()})
		return
	}
	current = append(current, msg)
	if err := a.deps.Store.SaveAgentMemory(ctx, a.deps.World.ID, a.agent.ID, current); err != nil {
		a.log.ErrorCF("failed to persist agent memory", map[string]any{"agent": a.agent.Name, "error": err.Error()})
	}
}

func (a *Actor) persistAgent(ctx context.Context) {
	a.mu.Lock()
	snapshot := *a.agent
	a.mu.Unlock()
	if err := a.deps.Store.SaveAgent(ctx, &snapshot); err != nil {
		a.log.ErrorCF("failed to persist agent state", map[string]any{"agent": a.agent.Name, "error": err.Error()})
	}
}

// Manager owns one Actor per agent in a world and feeds the world's
// "message" topic into every actor's mailbox (spec §4.3: "a world contains
// N concurrent workers").
type Manager struct {
	mu     sync.Mutex
	actors map[string]*Actor
}

// NewManager builds an empty Manager; Spawn one Actor per agent.
func NewManager() *Manager {
	return &Manager{actors: make(map[string]*Actor)}
}

// Spawn creates and starts an actor for agent, running under ctx.
func (m *Manager) Spawn(ctx context.Context, agent *worldmodel.Agent, deps Deps) *Actor {
	actor := NewActor(agent, deps)
	m.mu.Lock()
	m.actors[agent.ID] = actor
	m.mu.Unlock()
	go actor.Run(ctx)
	return actor
}

// Stop halts and forgets the actor for agentID, if any.
func (m *Manager) Stop(agentID string) {
	m.mu.Lock()
	actor, ok := m.actors[agentID]
	delete(m.actors, agentID)
	m.mu.Unlock()
	if ok {
		actor.Stop()
	}
}

// Dispatch routes env to every live actor's mailbox, blocking on each in
// turn (bounded by ctx) for "message" envelopes so the bus's per-topic
// ordering guarantee survives the fan-out to individual agents. Intended as
// the handler bound to a world subscription's "message" topic listener.
func (m *Manager) Dispatch(ctx context.Context, env eventbus.Envelope) {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()
	for _, a := range actors {
		a.Enqueue(ctx, env)
	}
}

// Actor looks up the actor for agentID, if spawned.
func (m *Manager) Actor(agentID string) (*Actor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[agentID]
	return a, ok
}
