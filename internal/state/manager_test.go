package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil, NewMemoryStore(), "111@s.whatsapp.net")
	require.NoError(t, m.Load(context.Background()))
	return m
}

func TestLoadSeedsRootUser(t *testing.T) {
	m := testManager(t)
	assert.True(t, m.IsRoot("111@s.whatsapp.net"))
	assert.False(t, m.IsRoot("222@s.whatsapp.net"))
}

func TestLoadRestoresPersistedDocument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	m := NewManager(nil, store, "111@s.whatsapp.net")
	require.NoError(t, m.Load(ctx))
	unlock := m.LockChat("group-1@g.us")
	chat := m.EnsureChat("group-1@g.us", ChatTypeGroup)
	chat.DisplayNames["222@s.whatsapp.net"] = "Ada"
	unlock()
	require.NoError(t, m.Persist(ctx))

	fresh := NewManager(nil, store, "111@s.whatsapp.net")
	require.NoError(t, fresh.Load(ctx))
	restored, ok := fresh.Chat("group-1@g.us")
	require.True(t, ok)
	assert.Equal(t, "Ada", restored.DisplayNames["222@s.whatsapp.net"])
}

// Persist snapshots each chat under that chat's lock, so saving while other
// chats' pipelines are mutating their state must be safe. Run with -race.
func TestPersistConcurrentWithChatMutation(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	const chats = 4
	const rounds = 50

	var wg sync.WaitGroup
	for c := 0; c < chats; c++ {
		chatID := fmt.Sprintf("group-%d@g.us", c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				unlock := m.LockChat(chatID)
				chat := m.EnsureChat(chatID, ChatTypeGroup)
				chat.DisplayNames[fmt.Sprintf("%d@s.whatsapp.net", i)] = "User"
				chat.PutSession("999@s.whatsapp.net", &Session{
					Command: "add", Pending: []string{"amount"}, LastActive: time.Now(),
				})
				unlock()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			assert.NoError(t, m.Persist(ctx))
		}
	}()
	wg.Wait()

	require.NoError(t, m.Persist(ctx))
	fresh := NewManager(nil, m.store, "")
	require.NoError(t, fresh.Load(ctx))
	assert.Len(t, fresh.doc.Chats, chats)
}

// Root mutation under WithRoot and a concurrent Persist must not race either.
func TestPersistConcurrentWithRootMutation(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, m.WithRoot(ctx, func(root *RootState) error {
				root.Settings = map[string]any{"invokePrefixPattern": fmt.Sprintf("p%d", i)}
				return nil
			}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, m.Persist(ctx))
		}
	}()
	wg.Wait()
}

func TestMutateChatAppliesWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(nil, store, "")
	require.NoError(t, m.Load(ctx))

	before, _, err := store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, m.MutateChat(ctx, "group-2@g.us", ChatTypeGroup, func(chat *ChatState) error {
		chat.Enabled = false
		return nil
	}))
	after, _, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "mutation alone does not save")

	require.NoError(t, m.Persist(ctx))
	chat, ok := m.Chat("group-2@g.us")
	require.True(t, ok)
	assert.False(t, chat.Enabled)
}

func TestSweepSessionsExpiresIdle(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	unlock := m.LockChat("group-1@g.us")
	chat := m.EnsureChat("group-1@g.us", ChatTypeGroup)
	chat.PutSession("222@s.whatsapp.net", &Session{
		Command: "add", LastActive: time.Now().Add(-time.Hour),
	})
	chat.PutSession("333@s.whatsapp.net", &Session{
		Command: "add", LastActive: time.Now(),
	})
	unlock()

	require.NoError(t, m.SweepSessions(ctx, 10*time.Minute))
	_, stale := chat.Session("222@s.whatsapp.net")
	assert.False(t, stale)
	_, live := chat.Session("333@s.whatsapp.net")
	assert.True(t, live)
}
