package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager owns the in-memory document and its persistence. The message
// router serializes all work on a chat through LockChat, held across
// permission checks and handler execution; root-state mutation takes a
// global lock. Persist saves the whole aggregate atomically.
type Manager struct {
	logger      *slog.Logger
	store       Store
	initialRoot string

	mu  sync.Mutex // guards the chat map
	doc *Document

	rootMu    sync.Mutex
	persistMu sync.Mutex // serializes snapshot-and-save cycles
	lockMu    sync.Mutex
	locks     map[string]*sync.Mutex
}

func NewManager(log *slog.Logger, store Store, initialRootUser string) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		logger:      log.With(slog.String("service", "state")),
		store:       store,
		initialRoot: initialRootUser,
		locks:       map[string]*sync.Mutex{},
	}
}

// Load reads the persisted document or seeds a fresh one with the configured
// root user on first boot.
func (m *Manager) Load(ctx context.Context) error {
	data, found, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !found {
		m.doc = &Document{
			Root: RootState{
				Enabled:  true,
				Settings: map[string]any{},
			},
			Chats: map[string]*ChatState{},
		}
		if m.initialRoot != "" {
			m.doc.Root.RootUsers = []string{m.initialRoot}
		}
		m.logger.Info("state seeded", slog.String("root_user", m.initialRoot))
		return m.saveLocked(ctx)
	}
	doc, err := unmarshalDocument(data)
	if err != nil {
		return err
	}
	if doc.Chats == nil {
		doc.Chats = map[string]*ChatState{}
	}
	m.doc = doc
	m.logger.Info("state loaded", slog.Int("chats", len(doc.Chats)))
	return nil
}

// LockChat takes the chat-scoped lock and returns its release. The caller
// holds it across the whole processing pipeline for that chat.
func (m *Manager) LockChat(chatID string) func() {
	m.lockMu.Lock()
	lock, ok := m.locks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[chatID] = lock
	}
	m.lockMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// EnsureChat returns the chat state, creating it lazily on first contact.
// The caller must hold the chat lock when mutating the result.
func (m *Manager) EnsureChat(chatID, chatType string) *ChatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.doc.Chats[chatID]
	if !ok {
		chat = &ChatState{
			ChatType:     chatType,
			Enabled:      true,
			Services:     map[string]*ServiceInstance{},
			DisplayNames: map[string]string{},
		}
		m.doc.Chats[chatID] = chat
		m.logger.Info("chat created", slog.String("chat_id", chatID), slog.String("chat_type", chatType))
	}
	return chat
}

// Chat returns the chat state without creating it.
func (m *Manager) Chat(chatID string) (*ChatState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.doc.Chats[chatID]
	return chat, ok
}

// ChatsWith returns the ids of every chat that has the service installed.
func (m *Manager) ChatsWith(service string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, chat := range m.doc.Chats {
		if _, ok := chat.Services[service]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// MutateChat locks another chat and applies fn. Must not be called for a
// chat whose lock the caller already holds. The caller persists afterwards;
// the router does so once per pipeline run.
func (m *Manager) MutateChat(ctx context.Context, chatID, chatType string, fn func(*ChatState) error) error {
	unlock := m.LockChat(chatID)
	defer unlock()
	chat := m.EnsureChat(chatID, chatType)
	return fn(chat)
}

// WithRoot applies fn to the root state under the global root lock. The
// caller persists afterwards.
func (m *Manager) WithRoot(ctx context.Context, fn func(*RootState) error) error {
	m.rootMu.Lock()
	defer m.rootMu.Unlock()
	return fn(&m.doc.Root)
}

// ReadRoot applies fn to the root state without persisting.
func (m *Manager) ReadRoot(fn func(*RootState)) {
	m.rootMu.Lock()
	defer m.rootMu.Unlock()
	fn(&m.doc.Root)
}

// IsRoot reports whether the user is a root operator.
func (m *Manager) IsRoot(userID string) bool {
	var root bool
	m.ReadRoot(func(r *RootState) { root = r.IsRoot(userID) })
	return root
}

// Persist saves the whole aggregate through the store. It snapshots every
// chat under that chat's own lock, so it must not be called while the caller
// still holds one; the router persists after releasing the pipeline lock.
func (m *Manager) Persist(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	snap, err := m.snapshot()
	if err != nil {
		return err
	}
	data, err := marshalDocument(snap)
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, data); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// snapshot deep-copies the document, taking the same locks mutators take:
// the root lock for root state and each chat's lock for that chat.
func (m *Manager) snapshot() (*Document, error) {
	snap := &Document{Chats: map[string]*ChatState{}}

	m.rootMu.Lock()
	root, err := cloneRoot(&m.doc.Root)
	m.rootMu.Unlock()
	if err != nil {
		return nil, err
	}
	snap.Root = *root

	m.mu.Lock()
	ids := make([]string, 0, len(m.doc.Chats))
	for id := range m.doc.Chats {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		unlock := m.LockChat(id)
		m.mu.Lock()
		chat, ok := m.doc.Chats[id]
		m.mu.Unlock()
		var clone *ChatState
		if ok {
			clone, err = cloneChat(chat)
		}
		unlock()
		if err != nil {
			return nil, err
		}
		if clone != nil {
			snap.Chats[id] = clone
		}
	}
	return snap, nil
}

func (m *Manager) saveLocked(ctx context.Context) error {
	data, err := marshalDocument(m.doc)
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, data); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Handle returns the chat-scoped state surface handed to command handlers.
// The router creates it while holding the chat lock.
func (m *Manager) Handle(chat *ChatState) *Handle {
	return &Handle{chat: chat}
}

// Handle exposes chat-scoped helpers to handlers. All methods operate on a
// chat whose lock the router already holds.
type Handle struct {
	chat *ChatState
}

// Chat exposes the underlying chat state to the administrative handlers that
// mutate it directly.
func (h *Handle) Chat() *ChatState {
	return h.chat
}

func (h *Handle) UsersWithRole(ctx context.Context, service, role string) ([]string, error) {
	inst, ok := h.chat.Service(service)
	if !ok {
		return nil, fmt.Errorf("service %s not installed", service)
	}
	return append([]string(nil), inst.Roles[role]...), nil
}

func (h *Handle) AddUserRole(ctx context.Context, service, role, userID string) error {
	inst, ok := h.chat.Service(service)
	if !ok {
		return fmt.Errorf("service %s not installed", service)
	}
	inst.AddRole(role, userID)
	return nil
}

func (h *Handle) RemoveUserRole(ctx context.Context, service, role, userID string) error {
	inst, ok := h.chat.Service(service)
	if !ok {
		return fmt.Errorf("service %s not installed", service)
	}
	inst.RemoveRole(role, userID)
	return nil
}

// ResolveUserName returns the display label recorded for a user, falling
// back to the id itself.
func (h *Handle) ResolveUserName(ctx context.Context, userID string) string {
	if name, ok := h.chat.DisplayNames[userID]; ok && name != "" {
		return name
	}
	return userID
}

// Session returns the live session for a user in this chat, if any.
func (c *ChatState) Session(userID string) (*Session, bool) {
	s, ok := c.Sessions[userID]
	return s, ok
}

// PutSession records the single live session for a user in this chat.
func (c *ChatState) PutSession(userID string, s *Session) {
	if c.Sessions == nil {
		c.Sessions = map[string]*Session{}
	}
	c.Sessions[userID] = s
}

// DeleteSession removes a user's session.
func (c *ChatState) DeleteSession(userID string) {
	delete(c.Sessions, userID)
}

// SweepSessions deletes every session idle past the timeout, across all
// chats, and persists when anything was removed. Used by the periodic
// expiry sweeper; expiry is also checked lazily on the next message.
func (m *Manager) SweepSessions(ctx context.Context, timeout time.Duration) error {
	now := time.Now()
	removed := 0
	m.mu.Lock()
	chats := make(map[string]*ChatState, len(m.doc.Chats))
	for id, chat := range m.doc.Chats {
		chats[id] = chat
	}
	m.mu.Unlock()
	for chatID, chat := range chats {
		unlock := m.LockChat(chatID)
		for userID, sess := range chat.Sessions {
			if sess.Expired(now, timeout) {
				chat.DeleteSession(userID)
				removed++
			}
		}
		unlock()
	}
	if removed == 0 {
		return nil
	}
	m.logger.Debug("expired sessions swept", slog.Int("count", removed))
	return m.Persist(ctx)
}
