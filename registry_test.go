package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareQueue(guildID snowflake.ID) *PlaybackQueue {
	return NewPlaybackQueue(context.Background(), guildID, QueueDeps{
		Player: &fakePlayer{},
		Link:   &fakeLink{},
		Cache:  newFakeCache(),
	})
}

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	r := GetRegistry()
	guildID := snowflake.ID(900001)
	t.Cleanup(func() { r.RemoveQueue(guildID, r.Queue(guildID)) })

	var wg sync.WaitGroup
	results := make([]*PlaybackQueue, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreateQueue(guildID, func() *PlaybackQueue {
				return newBareQueue(guildID)
			})
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for _, q := range results[1:] {
		assert.Same(t, results[0], q, "one queue per guild, ever")
	}
}

func TestRegistryRemoveOnlyCurrent(t *testing.T) {
	r := GetRegistry()
	guildID := snowflake.ID(900002)
	t.Cleanup(func() { r.RemoveQueue(guildID, r.Queue(guildID)) })

	old := r.GetOrCreateQueue(guildID, func() *PlaybackQueue { return newBareQueue(guildID) })
	r.RemoveQueue(guildID, old)
	replacement := r.GetOrCreateQueue(guildID, func() *PlaybackQueue { return newBareQueue(guildID) })

	// The stale queue finishing its teardown must not evict the new one
	r.RemoveQueue(guildID, old)
	assert.Same(t, replacement, r.Queue(guildID))
}

// Queue construction resolves the guild's anchor message before
// GetOrCreateQueue, the create callback runs under the registry lock
// and must never call back into the registry.
func TestRegistryCreateResolvesRendererUpFront(t *testing.T) {
	r := GetRegistry()
	guildID := snowflake.ID(900004)
	t.Cleanup(func() { r.RemoveQueue(guildID, r.Queue(guildID)) })

	anchor := GuildAnchor{ChannelID: snowflake.ID(1), MessageID: snowflake.ID(2)}
	msg := NewQueueMessage(bot.Client{}, nil, guildID, anchor)
	r.SetMessage(guildID, msg)

	done := make(chan *PlaybackQueue, 1)
	go func() {
		var renderer QueueRenderer
		if m := r.Message(guildID); m != nil {
			renderer = m
		}
		done <- r.GetOrCreateQueue(guildID, func() *PlaybackQueue {
			return NewPlaybackQueue(context.Background(), guildID, QueueDeps{
				Player:   &fakePlayer{},
				Link:     &fakeLink{},
				Cache:    newFakeCache(),
				Renderer: renderer,
			})
		})
	}()

	select {
	case q := <-done:
		require.NotNil(t, q)
		assert.Same(t, msg, q.renderer, "the anchor renderer reaches the new queue")
	case <-time.After(2 * time.Second):
		t.Fatal("queue construction wedged on the registry lock")
	}
}

func TestRegistryDestroyUnregisters(t *testing.T) {
	r := GetRegistry()
	guildID := snowflake.ID(900003)

	q := r.GetOrCreateQueue(guildID, func() *PlaybackQueue { return newBareQueue(guildID) })
	q.Destroy()

	assert.Nil(t, r.Queue(guildID))
}
