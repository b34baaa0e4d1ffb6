// Package subscription implements the Subscription Manager of spec.md §4.2:
// create/refresh/destroy world subscriptions, rebinding listeners across
// refreshes under a stable subscriptionId, with best-effort rebind and a
// non-fatal RefreshWarning on partial failure.
//
// Grounded on the teacher's session lifecycle in pkg/agent (one *Agent per
// chat, looked up/created on demand, released when its last caller is
// done) generalized here to ref-counted *worldmodel.World + *eventbus.Bus
// pairs shared by every subscription on the same world.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworld/agentworld/internal/apierr"
	"github.com/agentworld/agentworld/internal/obslog"
	"github.com/agentworld/agentworld/pkg/eventbus"
	"github.com/agentworld/agentworld/pkg/storage"
	"github.com/agentworld/agentworld/pkg/worldmodel"
)

// ListenerSpec describes one listener a subscriber wants bound on a world's
// event bus: a topic, an optional chat filter, and the handler that drains
// the resulting channel. Handle is started in its own goroutine by bindListener and
// stopped when the channel closes (on Unsubscribe/refresh).
type ListenerSpec struct {
	Topic   eventbus.Topic
	ChatID  string
	BufSize int
	Handle  func(eventbus.Envelope)
}

// boundListener is a ListenerSpec paired with its live channel + unsubscribe.
type boundListener struct {
	spec        ListenerSpec
	unsubscribe func()
	stop        chan struct{}
}

// worldEntry is a refcounted (World, Bus) pair shared by every Subscription
// on the same worldId.
type worldEntry struct {
	world    *worldmodel.World
	bus      *eventbus.Bus
	refCount int
}

// Subscription is a live handle returned by Manager.Subscribe. Refresh and
// Destroy are safe to call concurrently with event delivery.
type Subscription struct {
	ID      string
	WorldID string

	mgr *Manager

	mu        sync.Mutex
	world     *worldmodel.World
	bus       *eventbus.Bus
	specs     []ListenerSpec
	listeners []*boundListener
}

// World returns the subscription's current world snapshot. The returned
// pointer is replaced wholesale on Refresh, never mutated in place.
func (s *Subscription) World() *worldmodel.World {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world
}

// Bus returns the subscription's current event bus. Replaced wholesale on
// Refresh; callers must not cache it across a Refresh call.
func (s *Subscription) Bus() *eventbus.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus
}

func bindListener(bus *eventbus.Bus, spec ListenerSpec) *boundListener {
	ch, unsubscribe := bus.Subscribe(spec.Topic, spec.ChatID, spec.BufSize)
	stop := make(chan struct{})
	go func() {
		for env := range ch {
			spec.Handle(env)
		}
		close(stop)
	}()
	return &boundListener{spec: spec, unsubscribe: unsubscribe, stop: stop}
}

// Refresh replaces the subscription's world instance: reloads it from
// storage, builds a fresh event bus, unsubscribes every listener from the
// old bus and rebinds it to the new one under the same ID (spec §4.2). If a
// listener fails to rebind, refresh continues best-effort for the rest and
// returns a RefreshWarning describing the partial failure; it never
// returns a hard error for a rebind failure, only for the reload itself.
func (s *Subscription) Refresh(ctx context.Context) (*apierr.RefreshWarning, error) {
	newWorld, err := s.mgr.store.LoadWorld(ctx, s.WorldID)
	if err != nil {
		return nil, fmt.Errorf("refresh: reload world: %w", err)
	}
	if newWorld == nil {
		return nil, fmt.Errorf("%w: world %s no longer exists", apierr.ErrNotFound, s.WorldID)
	}

	s.mu.Lock()
	oldListeners := s.listeners
	specs := s.specs
	s.mu.Unlock()

	for _, l := range oldListeners {
		l.unsubscribe()
	}

	newBus := eventbus.New()
	var rebound []*boundListener
	var failed int
	for _, spec := range specs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					failed++
					s.mgr.log.ErrorCF("listener rebind panicked", map[string]any{
						"subscriptionId": s.ID, "topic": string(spec.Topic), "panic": fmt.Sprint(r),
					})
				}
			}()
			rebound = append(rebound, bindListener(newBus, spec))
		}()
	}

	s.mu.Lock()
	s.world = newWorld
	s.bus = newBus
	s.listeners = rebound
	s.mu.Unlock()

	s.mgr.replaceEntry(s.WorldID, newWorld, newBus)

	if failed > 0 {
		return apierr.NewRefreshWarning(fmt.Sprintf("%d of %d listeners failed to rebind", failed, len(specs))), nil
	}
	return nil, nil
}

// Destroy detaches all listeners and releases this subscription's
// reference to the shared world entry. When the last subscription on a
// world is destroyed, the world instance itself is released from the
// manager.
func (s *Subscription) Destroy() {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.unsubscribe()
	}
	s.mgr.release(s.WorldID)
	s.mgr.forget(s.ID)
}

// Manager tracks shared world entries and live subscriptions. The zero
// value is not usable; use New.
type Manager struct {
	store storage.Storage
	log   *obslog.Logger

	mu            sync.Mutex
	entries       map[string]*worldEntry    // worldID -> shared (world, bus)
	subscriptions map[string]*Subscription  // subscriptionID -> handle
}

// New creates a Manager backed by store.
func New(store storage.Storage) *Manager {
	return &Manager{
		store:         store,
		log:           obslog.New("subscription"),
		entries:       make(map[string]*worldEntry),
		subscriptions: make(map[string]*Subscription),
	}
}

func (m *Manager) replaceEntry(worldID string, world *worldmodel.World, bus *eventbus.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[worldID]; ok {
		e.world = world
		e.bus = bus
	}
}

func (m *Manager) release(worldID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[worldID]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(m.entries, worldID)
	}
}

func (m *Manager) forget(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, subscriptionID)
}

// Subscribe loads worldID (creating its shared event bus if this is the
// first subscriber) and binds specs to it under a fresh subscriptionId.
// Re-subscribing with an existing id that already targets the same world
// is a no-op returning the existing handle (spec §4.2 idempotence).
func (m *Manager) Subscribe(ctx context.Context, id, worldID string, specs []ListenerSpec) (*Subscription, error) {
	m.mu.Lock()
	if id != "" {
		if existing, ok := m.subscriptions[id]; ok {
			m.mu.Unlock()
			if existing.WorldID == worldID {
				return existing, nil
			}
			return nil, fmt.Errorf("%w: subscription %s already bound to a different world", apierr.ErrConflict, id)
		}
	}
	m.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	entry, ok := m.entries[worldID]
	m.mu.Unlock()
	if !ok {
		world, err := m.store.LoadWorld(ctx, worldID)
		if err != nil {
			return nil, fmt.Errorf("subscribe: load world: %w", err)
		}
		if world == nil {
			return nil, fmt.Errorf("%w: world %s", apierr.ErrNotFound, worldID)
		}
		entry = &worldEntry{world: world, bus: eventbus.New()}
		m.mu.Lock()
		if existing, ok := m.entries[worldID]; ok {
			entry = existing // another goroutine created it first
		} else {
			m.entries[worldID] = entry
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	entry.refCount++
	m.mu.Unlock()

	sub := &Subscription{
		ID:      id,
		WorldID: worldID,
		mgr:     m,
		world:   entry.world,
		bus:     entry.bus,
		specs:   specs,
	}
	for _, spec := range specs {
		sub.listeners = append(sub.listeners, bindListener(entry.bus, spec))
	}

	m.mu.Lock()
	m.subscriptions[id] = sub
	m.mu.Unlock()

	return sub, nil
}
