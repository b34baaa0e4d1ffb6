// Package eventbus implements the per-world typed emitter of spec.md §4.1:
// six topics (message, sse, tool, activity, system, log), synchronous
// dispatch, and a per-topic delivery policy (spec §5): the message topic
// blocks the publisher until each listener accepts, preserving order; every
// other topic drops the oldest queued event instead of stalling the
// publisher.
//
// Grounded on the teacher's pkg/bus.StreamNotifier — there, one accumulator
// throttles deltas to a single Telegram-edit callback; here, the same
// "never let a slow consumer block the producer" idea is generalized to N
// heterogeneous listeners per topic, each with its own bounded channel.
package eventbus

import (
	"context"
	"sync"

	"github.com/agentworld/agentworld/internal/obslog"
)

// Topic names one of the six typed channels of spec §4.1.
type Topic string

const (
	TopicMessage  Topic = "message"
	TopicSSE      Topic = "sse"
	TopicTool     Topic = "tool"
	TopicActivity Topic = "activity"
	TopicSystem   Topic = "system"
	TopicLog      Topic = "log"
)

// SSEEventType enumerates spec §4.1's sse payload kinds.
type SSEEventType string

const (
	SSEStart SSEEventType = "start"
	SSEChunk SSEEventType = "chunk"
	SSEEnd   SSEEventType = "end"
	SSEError SSEEventType = "error"
)

// ToolEventType enumerates spec §4.1's tool payload kinds.
type ToolEventType string

const (
	ToolStart    ToolEventType = "tool-start"
	ToolProgress ToolEventType = "tool-progress"
	ToolResult   ToolEventType = "tool-result"
	ToolError    ToolEventType = "tool-error"
)

// ActivityEventType enumerates spec §4.1's activity payload kinds.
type ActivityEventType string

const (
	ActivityResponseStart ActivityEventType = "response-start"
	ActivityUpdate        ActivityEventType = "update"
	ActivityIdle          ActivityEventType = "idle"
	ActivityResponseEnd   ActivityEventType = "response-end"
)

// MessagePayload is the spec §4.1 "message" topic payload.
type MessagePayload struct {
	MessageID        string
	ChatID           string
	Role             string
	Sender           string
	Content          string
	ReplyToMessageID string
	CreatedAt        int64 // unix nano, avoids importing worldmodel here
}

// SSEPayload is the spec §4.1 "sse" topic payload. Every streaming payload
// carries ChatID so subscribers can filter by chat.
type SSEPayload struct {
	EventType SSEEventType
	MessageID string
	AgentName string
	Content   string
	Error     string
	ChatID    string
	Usage     *UsageInfo
}

// UsageInfo mirrors worldmodel.Usage without importing that package.
type UsageInfo struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ToolPayload is the spec §4.1 "tool" topic payload.
type ToolPayload struct {
	EventType ToolEventType
	ToolUseID string
	ToolName  string
	ToolInput map[string]any
	Result    string
	Error     string
	ChatID    string
}

// ActivityPayload is the spec §4.1 "activity" topic payload.
type ActivityPayload struct {
	EventType         ActivityEventType
	PendingOperations int
	ActivityID        string
	Source            string
	ActiveSources     []string
	ChatID            string
}

// SystemPayload carries a structured notification, e.g. "chat-title-updated".
type SystemPayload struct {
	Kind string
	Data map[string]any
}

// Envelope is what a subscriber receives: the topic, an optional chat
// scope for filtering, and the typed payload.
type Envelope struct {
	Topic   Topic
	ChatID  string // "" for world-scoped (not chat-bound) events
	Payload any
}

// deliveryPolicy controls what Publish does when a listener's channel is full.
type deliveryPolicy int

const (
	policyBlock      deliveryPolicy = iota // message topic: preserve ordering
	policyDropOldest                       // sse/tool: never stall the producer
)

func policyFor(t Topic) deliveryPolicy {
	switch t {
	case TopicMessage:
		return policyBlock
	default:
		return policyDropOldest
	}
}

type listener struct {
	id     uint64
	topic  Topic
	chatID string // "" = unfiltered
	ch     chan Envelope
}

// Bus is one world's event bus. The zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Topic]map[uint64]*listener
	nextID    uint64
	log       *obslog.Logger
}

// New creates a fresh, empty event bus. Subscription refresh (spec §4.2)
// always constructs a new Bus rather than mutating an existing one, so the
// old bus can be verified to deliver nothing further.
func New() *Bus {
	return &Bus{
		listeners: make(map[Topic]map[uint64]*listener),
		log:       obslog.New("eventbus"),
	}
}

// Subscribe registers a listener on topic, optionally filtered to chatID
// ("" subscribes to every event on the topic regardless of chat). bufSize
// sizes the listener's channel; Unsubscribe detaches and closes it.
func (b *Bus) Subscribe(topic Topic, chatID string, bufSize int) (<-chan Envelope, func()) {
	if bufSize <= 0 {
		bufSize = 32
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	l := &listener{id: id, topic: topic, chatID: chatID, ch: make(chan Envelope, bufSize)}
	if b.listeners[topic] == nil {
		b.listeners[topic] = make(map[uint64]*listener)
	}
	b.listeners[topic][id] = l
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if m, ok := b.listeners[topic]; ok {
			if _, present := m[id]; present {
				delete(m, id)
				close(l.ch)
			}
		}
		b.mu.Unlock()
	}
	return l.ch, unsubscribe
}

// ListenerCount returns the number of live listeners, across all topics if
// topic is "". Used by tests asserting refresh leaves zero listeners.
func (b *Bus) ListenerCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if topic == "" {
		total := 0
		for _, m := range b.listeners {
			total += len(m)
		}
		return total
	}
	return len(b.listeners[topic])
}

// Publish dispatches payload to every listener subscribed to topic,
// respecting each listener's chat filter. Dispatch is synchronous from the
// publisher's point of view but per-listener delivery never blocks except
// for the "message" topic, which blocks to preserve total ordering (spec
// §5). ctx bounds how long a blocking "message" send may wait.
func (b *Bus) Publish(ctx context.Context, topic Topic, chatID string, payload any) {
	env := Envelope{Topic: topic, ChatID: chatID, Payload: payload}

	b.mu.RLock()
	targets := make([]*listener, 0, len(b.listeners[topic]))
	for _, l := range b.listeners[topic] {
		if l.chatID != "" && l.chatID != chatID {
			continue
		}
		targets = append(targets, l)
	}
	b.mu.RUnlock()

	policy := policyFor(topic)
	for _, l := range targets {
		switch policy {
		case policyBlock:
			select {
			case l.ch <- env:
			case <-ctx.Done():
				return
			}
		case policyDropOldest:
			select {
			case l.ch <- env:
			default:
				select {
				case <-l.ch:
				default:
				}
				select {
				case l.ch <- env:
				default:
					b.log.WarnCF("dropped event, listener channel full", map[string]any{
						"topic": string(topic),
					})
				}
			}
		}
	}
}
