package agentruntime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentworld/agentworld/pkg/worldmodel"
)

func testAgent(llmCallCount int, autoReply, broadcast bool) *worldmodel.Agent {
	return &worldmodel.Agent{ID: "a1", Name: "a1", AutoReply: autoReply, Broadcast: broadcast, LLMCallCount: llmCallCount}
}

func TestDecideIgnoresSelf(t *testing.T) {
	agent := testAgent(0, true, false)
	d, reset := decide(InboundMessage{Sender: "a1", Content: "hi"}, agent, 5, false)
	assert.Equal(t, decisionIgnore, d)
	assert.False(t, reset)
}

func TestDecideIgnoresTurnLimitNotification(t *testing.T) {
	agent := testAgent(0, true, false)
	d, _ := decide(InboundMessage{Sender: "world", Content: "Turn limit reached (5 LLM calls)"}, agent, 5, false)
	assert.Equal(t, decisionIgnore, d)
}

func TestDecideResetsOnHumanSystemOrWorldRole(t *testing.T) {
	for _, role := range []string{"human", "system", "world"} {
		agent := testAgent(4, false, false)
		_, reset := decide(InboundMessage{Sender: "human", Role: role, Content: "hi"}, agent, 5, false)
		assert.True(t, reset, "role %s should reset", role)
	}
}

func TestDecideDoesNotResetOnAgentRole(t *testing.T) {
	agent := testAgent(4, false, false)
	_, reset := decide(InboundMessage{Sender: "other", Role: "agent", Content: "@a1 hi"}, agent, 5, false)
	assert.False(t, reset)
}

func TestDecideSuppressesAtTurnLimitAndNotifiesOnce(t *testing.T) {
	agent := testAgent(5, false, false)
	d, _ := decide(InboundMessage{Sender: "other", Role: "agent", Content: "@a1 hi"}, agent, 5, false)
	assert.Equal(t, decisionNotifyTurnLimit, d)

	d, _ = decide(InboundMessage{Sender: "other", Role: "agent", Content: "@a1 hi again"}, agent, 5, true)
	assert.Equal(t, decisionNoop, d)
}

func TestDecideRespondsToHumanSender(t *testing.T) {
	agent := testAgent(0, false, false)
	d, _ := decide(InboundMessage{Sender: "human", Role: "human", Content: "hi"}, agent, 5, false)
	assert.Equal(t, decisionRespond, d)
}

func TestDecideRespondsToMention(t *testing.T) {
	agent := testAgent(0, false, false)
	d, _ := decide(InboundMessage{Sender: "other", Role: "agent", Content: "@a1 ping"}, agent, 5, false)
	assert.Equal(t, decisionRespond, d)
}

func TestDecideRespondsOnAutoReplyToNonAgent(t *testing.T) {
	agent := testAgent(0, true, false)
	d, _ := decide(InboundMessage{Sender: "human", Role: "human", Content: "hello"}, agent, 5, false)
	assert.Equal(t, decisionRespond, d)
}

func TestDecideDoesNotAutoReplyToOtherAgents(t *testing.T) {
	agent := testAgent(0, true, false)
	d, _ := decide(InboundMessage{Sender: "other", Role: "agent", Content: "hello, not mentioning anyone"}, agent, 5, false)
	assert.Equal(t, decisionNoop, d)
}

func TestDecideBroadcastAlwaysResponds(t *testing.T) {
	agent := testAgent(0, false, true)
	d, _ := decide(InboundMessage{Sender: "other", Role: "agent", Content: "announcement"}, agent, 5, false)
	assert.Equal(t, decisionRespond, d)
}

func TestMentionsAgentRequiresParagraphStart(t *testing.T) {
	assert.True(t, mentionsAgent("@a1 hello", "a1"))
	assert.True(t, mentionsAgent("@A1 hello", "a1"), "case insensitive")
	assert.True(t, mentionsAgent("first paragraph\n\n@a1 second paragraph", "a1"))
	assert.False(t, mentionsAgent("hello @a1", "a1"), "mid-paragraph mention does not count")
	assert.False(t, mentionsAgent("@a10 hello", "a1"), "word boundary excludes longer names")
}

func TestStripSelfMentions(t *testing.T) {
	assert.Equal(t, "hello there", stripSelfMentions("@a1 hello there", "a1"))
	assert.Equal(t, "no mention here", stripSelfMentions("no mention here", "a1"))
}
