package registry

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"
)

const memoryShards = 16

var _ Registry = (*Memory)(nil)

// Memory is an in-process registry. Connections are spread over shards, each
// with its own lock and its own topic index, so updates to different
// connections rarely contend.
type Memory struct {
	clock  clock.Clock
	shards [memoryShards]*memoryShard
}

type memoryShard struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	topics map[string]map[string]struct{}
}

func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.WallClock
	}
	m := &Memory{clock: c}
	for i := range m.shards {
		m.shards[i] = &memoryShard{
			conns:  make(map[string]*Connection),
			topics: make(map[string]map[string]struct{}),
		}
	}
	return m
}

func (m *Memory) shard(id string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return m.shards[h.Sum32()%memoryShards]
}

func (m *Memory) AddConnection(_ context.Context, id string, expiresAt time.Time) error {
	s := m.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.conns[id]; ok {
		if !existing.Expired(m.clock.Now()) {
			return ErrAlreadyExists
		}
		s.unindex(existing)
	}
	s.conns[id] = &Connection{ID: id, Subscriptions: []string{}, ExpiresAt: expiresAt}
	return nil
}

func (m *Memory) RemoveConnection(_ context.Context, id string) error {
	s := m.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conns[id]; ok {
		s.unindex(c)
		delete(s.conns, id)
	}
	return nil
}

func (m *Memory) UpdateSubscriptions(_ context.Context, id string, topics []string) error {
	s := m.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[id]
	if !ok {
		return ErrNotFound
	}
	s.unindex(c)
	c.Subscriptions = NormalizeTopics(topics)
	for _, t := range c.Subscriptions {
		ids, ok := s.topics[t]
		if !ok {
			ids = make(map[string]struct{})
			s.topics[t] = ids
		}
		ids[id] = struct{}{}
	}
	return nil
}

func (m *Memory) FindBySubscription(_ context.Context, topic string) ([]string, error) {
	var out []string
	for _, s := range m.shards {
		s.mu.RLock()
		for id := range s.topics[topic] {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) Refresh(_ context.Context, id string, expiresAt time.Time) error {
	s := m.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[id]
	if !ok {
		return ErrNotFound
	}
	c.ExpiresAt = expiresAt
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Connection, error) {
	s := m.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conns[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return Connection{ID: c.ID, Subscriptions: slices.Clone(c.Subscriptions), ExpiresAt: c.ExpiresAt}, nil
}

func (m *Memory) Sweep(_ context.Context, grace time.Duration) (int, error) {
	cutoff := m.clock.Now().Add(-grace)
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for id, c := range s.conns {
			if c.Expired(cutoff) {
				s.unindex(c)
				delete(s.conns, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of registered connections.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// unindex must be called with s.mu held.
func (s *memoryShard) unindex(c *Connection) {
	for _, t := range c.Subscriptions {
		ids := s.topics[t]
		delete(ids, c.ID)
		if len(ids) == 0 {
			delete(s.topics, t)
		}
	}
}
