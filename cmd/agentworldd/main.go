// Command agentworldd is a minimal demonstration host: it wires
// runtimeconfig → storage → a world with one auto-reply agent → the
// Subscription Manager → the Agent Runtime, and prints every "message" and
// "sse" event to stdout. It exists to exercise the wiring end to end, not
// as a production server (spec.md has no HTTP surface in scope).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/agentworld/agentworld/internal/obslog"
	"github.com/agentworld/agentworld/internal/providerregistry"
	"github.com/agentworld/agentworld/internal/runtimeconfig"
	"github.com/agentworld/agentworld/pkg/agentruntime"
	"github.com/agentworld/agentworld/pkg/eventbus"
	"github.com/agentworld/agentworld/pkg/metrics"
	"github.com/agentworld/agentworld/pkg/semanticmemory"
	"github.com/agentworld/agentworld/pkg/storage"
	"github.com/agentworld/agentworld/pkg/subscription"
	"github.com/agentworld/agentworld/pkg/worldapi"
	"github.com/agentworld/agentworld/pkg/worldmodel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentworldd:", err)
		os.Exit(1)
	}
}

func run() error {
	log := obslog.New("agentworldd")

	cfg, err := runtimeconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	registry := providerregistry.Build(cfg)

	ledger, err := metrics.NewLedger(cfg.Storage.DataPath)
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}

	semantic := buildSemanticMemory(cfg, log)
	api := worldapi.New(store)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	world, err := ensureDemoWorld(ctx, store, api)
	if err != nil {
		return fmt.Errorf("ensure demo world: %w", err)
	}
	agents, err := store.ListAgents(ctx, world.ID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	subMgr := subscription.New(store)
	runtimeMgr := agentruntime.NewManager()

	sub, err := subMgr.Subscribe(ctx, "", world.ID, []subscription.ListenerSpec{
		{Topic: eventbus.TopicMessage, BufSize: 64, Handle: printEnvelope},
		{Topic: eventbus.TopicSSE, BufSize: 64, Handle: printEnvelope},
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Destroy()

	for _, agent := range agents {
		deps := agentruntime.Deps{
			Store: store, Bus: sub.Bus(), Registry: registry, World: sub.World(),
			Ledger: ledger, Semantic: semantic,
		}
		runtimeMgr.Spawn(ctx, agent, deps)
	}
	// The Agent Runtime consumes from the same bus the printer listens on:
	// each agent gets its own copy of every "message" event via Dispatch.
	unsubscribe := subscribeDispatch(ctx, sub.Bus(), runtimeMgr)
	defer unsubscribe()

	log.InfoCF("demo world ready", map[string]any{"worldId": world.ID, "agents": len(agents)})

	if _, err := api.PublishMessage(ctx, sub.Bus(), sub.World(), "hi", "human", ""); err != nil {
		return fmt.Errorf("publish demo message: %w", err)
	}

	<-ctx.Done()
	return nil
}

// subscribeDispatch binds the runtime manager's fan-out as one more "message"
// listener on bus, alongside the printer's own subscription.
func subscribeDispatch(ctx context.Context, bus *eventbus.Bus, mgr *agentruntime.Manager) func() {
	ch, unsubscribe := bus.Subscribe(eventbus.TopicMessage, "", 64)
	go func() {
		for env := range ch {
			mgr.Dispatch(ctx, env)
		}
	}()
	return unsubscribe
}

// buildSemanticMemory wires up per-agent recall if an embedding-capable
// provider key is configured, mirroring the teacher's resolveEmbeddingFunc
// fallback from a direct OpenAI key to an OpenAI-compatible endpoint.
// Returns nil (recall disabled) rather than an error when no key is set,
// since semantic memory is an enhancement, not a requirement.
func buildSemanticMemory(cfg *runtimeconfig.Config, log *obslog.Logger) *semanticmemory.Store {
	var embeddingFn chromem.EmbeddingFunc
	switch {
	case cfg.Providers.OpenAI.APIKey != "":
		embeddingFn = chromem.NewEmbeddingFuncOpenAI(cfg.Providers.OpenAI.APIKey, chromem.EmbeddingModelOpenAI("text-embedding-3-small"))
	case cfg.Providers.OpenAICompatible.APIKey != "" && cfg.Providers.OpenAICompatible.BaseURL != "":
		embeddingFn = chromem.NewEmbeddingFuncOpenAICompat(cfg.Providers.OpenAICompatible.BaseURL, cfg.Providers.OpenAICompatible.APIKey, "text-embedding-3-small", nil)
	default:
		log.InfoCF("no embedding-capable provider key set, semantic memory disabled", nil)
		return nil
	}

	store, err := semanticmemory.New(cfg.Storage.DataPath, embeddingFn)
	if err != nil {
		log.WarnCF("failed to initialize semantic memory, disabling", map[string]any{"error": err.Error()})
		return nil
	}
	return store
}

func printEnvelope(env eventbus.Envelope) {
	b, err := json.Marshal(env.Payload)
	if err != nil {
		return
	}
	fmt.Printf("[%s] %s\n", env.Topic, string(b))
}

// ensureDemoWorld loads the "demo" world, creating it with a single
// auto-reply agent on first run. The initial chat is saved to storage
// directly; the world and agent are created through the same validated
// worldapi path a front-end would use.
func ensureDemoWorld(ctx context.Context, store storage.Storage, api *worldapi.Manager) (*worldmodel.World, error) {
	const worldID = "demo"
	world, err := store.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	if world != nil {
		return world, nil
	}

	now := time.Now()
	chat := &worldmodel.Chat{ID: worldmodel.NewMessageID(), WorldID: worldID, Name: "Main", CreatedAt: now, UpdatedAt: now}
	if err := store.SaveChat(ctx, chat); err != nil {
		return nil, err
	}

	world, err = api.CreateWorld(ctx, worldapi.CreateWorldParams{
		ID:            worldID,
		Name:          "Demo World",
		TurnLimit:     5,
		CurrentChatID: chat.ID,
		Variables:     map[string]string{"workingDirectory": "./"},
	})
	if err != nil {
		return nil, err
	}

	temp := 0.7
	if _, err := api.CreateAgent(ctx, worldID, worldapi.CreateAgentParams{
		ID:           "a1",
		Name:         "a1",
		Type:         "assistant",
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are a helpful assistant in a multi-agent world.",
		Temperature:  &temp,
		AutoReply:    true,
	}); err != nil {
		return nil, err
	}

	return store.LoadWorld(ctx, worldID)
}
