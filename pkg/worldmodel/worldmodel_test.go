package worldmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMessageIDIsUniqueAndNonEmpty(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestWorldAddAgentIsIdempotent(t *testing.T) {
	w := &World{}
	w.AddAgent("a1")
	w.AddAgent("a1")
	assert.Equal(t, []string{"a1"}, w.AgentIDs)
}

func TestWorldHasAgent(t *testing.T) {
	w := &World{AgentIDs: []string{"a1", "a2"}}
	assert.True(t, w.HasAgent("a1"))
	assert.False(t, w.HasAgent("a3"))
}

func TestWorldRemoveAgent(t *testing.T) {
	w := &World{AgentIDs: []string{"a1", "a2", "a3"}}
	w.RemoveAgent("a2")
	assert.Equal(t, []string{"a1", "a3"}, w.AgentIDs)

	w.RemoveAgent("does-not-exist")
	assert.Equal(t, []string{"a1", "a3"}, w.AgentIDs)
}
