package main

import (
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Guild Registry
// ============================================================================

var (
	globalRegistry *Registry
	onceRegistry   sync.Once
)

// Registry tracks the live playback queue and anchor message per guild.
type Registry struct {
	mu       sync.Mutex
	queues   map[snowflake.ID]*PlaybackQueue
	messages map[snowflake.ID]*QueueMessage
}

func GetRegistry() *Registry {
	onceRegistry.Do(func() {
		globalRegistry = &Registry{
			queues:   make(map[snowflake.ID]*PlaybackQueue),
			messages: make(map[snowflake.ID]*QueueMessage),
		}
	})
	return globalRegistry
}

func (r *Registry) Queue(guildID snowflake.ID) *PlaybackQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[guildID]
}

// GetOrCreateQueue returns the guild's queue, invoking create under the
// registry lock when none exists yet.
func (r *Registry) GetOrCreateQueue(guildID snowflake.ID, create func() *PlaybackQueue) *PlaybackQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[guildID]; ok {
		return q
	}
	q := create()
	r.queues[guildID] = q
	return q
}

// RemoveQueue unregisters q, but only if it is still the guild's
// current queue. A destroyed queue must not evict its replacement.
func (r *Registry) RemoveQueue(guildID snowflake.ID, q *PlaybackQueue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queues[guildID] == q {
		delete(r.queues, guildID)
	}
}

func (r *Registry) Message(guildID snowflake.ID) *QueueMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[guildID]
}

func (r *Registry) SetMessage(guildID snowflake.ID, m *QueueMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[guildID] = m
}

func (r *Registry) Queues() []*PlaybackQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PlaybackQueue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}
