// Package memorymutation implements the delete-from-message operation of
// spec.md §4.6: removeMessagesFrom deletes a target message and everything
// after it in the same chat, from every agent's memory, while leaving
// every other chat untouched.
//
// Grounded on the teacher's pkg/state atomic-replace idiom generalized to
// per-agent memory (already implemented as storage.Storage.SaveAgentMemory's
// full-replacement contract); this package only computes which messages to
// keep and aggregates per-agent outcomes.
package memorymutation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentworld/agentworld/pkg/storage"
	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// maxConcurrentAgents bounds how many agents' memories are rewritten at
// once: worlds can hold many agents, and filestore's per-agent JSON files
// make the fan-out embarrassingly parallel, but an unbounded fan-out would
// let a single removeMessagesFrom call open hundreds of files at once.
const maxConcurrentAgents = 4

// FailedAgent records one agent's removal failure.
type FailedAgent struct {
	AgentID string
	Error   string
}

// RemovalResult aggregates the outcome of removeMessagesFrom across every
// agent in the world (spec §4.6 step 5).
type RemovalResult struct {
	Success              bool
	ProcessedAgents      []string
	FailedAgents         []FailedAgent
	MessagesRemovedTotal int
}

// RemoveMessagesFrom deletes messageID and every later message in chatID
// from every agent's memory in worldID, per-agent, continuing past
// individual failures.
func RemoveMessagesFrom(ctx context.Context, store storage.Storage, worldID, messageID, chatID string) (RemovalResult, error) {
	agents, err := store.ListAgents(ctx, worldID)
	if err != nil {
		return RemovalResult{}, fmt.Errorf("remove messages from: list agents: %w", err)
	}

	result := RemovalResult{Success: true}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(maxConcurrentAgents)

	for _, agent := range agents {
		agent := agent
		if err := sem.Acquire(ctx, 1); err != nil {
			// ctx cancelled: record as a failure rather than silently
			// dropping the agent from the result.
			mu.Lock()
			result.Success = false
			result.FailedAgents = append(result.FailedAgents, FailedAgent{AgentID: agent.ID, Error: err.Error()})
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			removed, err := removeForAgent(ctx, store, worldID, agent.ID, messageID, chatID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Success = false
				result.FailedAgents = append(result.FailedAgents, FailedAgent{AgentID: agent.ID, Error: err.Error()})
				return
			}
			result.ProcessedAgents = append(result.ProcessedAgents, agent.ID)
			result.MessagesRemovedTotal += removed
		}()
	}
	wg.Wait()
	return result, nil
}

// removeForAgent applies spec §4.6 steps 1-4 to a single agent's memory.
func removeForAgent(ctx context.Context, store storage.Storage, worldID, agentID, messageID, chatID string) (int, error) {
	memory, err := store.LoadAgentMemory(ctx, worldID, agentID)
	if err != nil {
		return 0, fmt.Errorf("load memory: %w", err)
	}

	var target *worldmodel.AgentMessage
	for i := range memory {
		if memory[i].MessageID == messageID && memory[i].ChatID == chatID {
			target = &memory[i]
			break
		}
	}
	if target == nil {
		// Absent for this agent: processed with 0 removals, not a failure.
		return 0, nil
	}

	cutoff := target.CreatedAt
	if cutoff.IsZero() {
		// Defensive only: storage guarantees chronological insert order,
		// so createdAt should never be missing in practice.
		cutoff = time.Now()
	}

	kept := make([]worldmodel.AgentMessage, 0, len(memory))
	for _, m := range memory {
		ts := m.CreatedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		if m.ChatID != chatID || ts.Before(cutoff) {
			kept = append(kept, m)
		}
	}

	removed := len(memory) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if err := store.SaveAgentMemory(ctx, worldID, agentID, kept); err != nil {
		return 0, fmt.Errorf("save memory: %w", err)
	}
	return removed, nil
}
