package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wappabot/wappa/internal/audit"
	"github.com/wappabot/wappa/internal/help"
	"github.com/wappabot/wappa/internal/parser"
	"github.com/wappabot/wappa/internal/permission"
	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/services"
	"github.com/wappabot/wappa/internal/session"
	"github.com/wappabot/wappa/internal/state"
	"github.com/wappabot/wappa/internal/storage"
	"github.com/wappabot/wappa/internal/typeparse"
)

const (
	rootUser  = "root@s.whatsapp.net"
	adminA    = "a@s.whatsapp.net"
	memberB   = "b@s.whatsapp.net"
	memberC   = "c@s.whatsapp.net"
	groupChat = "g1@g.us"
)

type sentMessage struct {
	ChatID    string
	Text      string
	ReplyToID string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *fakeSender) SendMessage(ctx context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (s *fakeSender) SendReply(ctx context.Context, chatID, text, replyToID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{ChatID: chatID, Text: text, ReplyToID: replyToID})
	return nil
}

func (s *fakeSender) last() (sentMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentMessage{}, false
	}
	return s.sent[len(s.sent)-1], true
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeParticipants struct{}

func (fakeParticipants) Participants(ctx context.Context, chatID string) ([]services.Participant, error) {
	return []services.Participant{
		{ID: adminA, Name: "Ada", IsAdmin: true},
		{ID: memberB, Name: "Ben"},
		{ID: memberC, Name: "Cleo"},
	}, nil
}

type harness struct {
	router *Router
	states *state.Manager
	sender *fakeSender
	sink   *audit.MemorySink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	loader, err := schema.NewLoader(nil)
	require.NoError(t, err)

	types := typeparse.New(loader)
	states := state.NewManager(nil, state.NewMemoryStore(), rootUser)
	require.NoError(t, states.Load(context.Background()))

	require.NoError(t, services.Register(services.Deps{
		Loader:       loader,
		Types:        types,
		Help:         help.NewRenderer(loader, types),
		States:       states,
		Participants: fakeParticipants{},
	}))

	sender := &fakeSender{}
	sink := audit.NewMemorySink()
	r := New(
		nil,
		loader,
		parser.New(nil, loader, types),
		types,
		permission.NewManager(nil, loader),
		session.NewEngine(nil, loader, types, 0),
		storage.NewManager(nil, loader),
		states,
		sink,
		sender,
	)
	return &harness{router: r, states: states, sender: sender, sink: sink}
}

func (h *harness) say(t *testing.T, userID, body string) string {
	t.Helper()
	before := h.sender.count()
	h.router.Process(context.Background(), Message{
		ID:       "m-" + body,
		ChatID:   groupChat,
		ChatType: state.ChatTypeGroup,
		UserID:   userID,
		Body:     body,
	})
	if h.sender.count() == before {
		return ""
	}
	last, _ := h.sender.last()
	return last.Text
}

// installExp installs the expense service and grants memberC the child role.
func (h *harness) installExp(t *testing.T) {
	t.Helper()
	reply := h.say(t, rootUser, ".root install exp")
	require.Contains(t, reply, "Installed exp")
	reply = h.say(t, adminA, ".admin role-add exp child "+memberC)
	require.Contains(t, reply, "Added 1 users")
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "Pong", h.say(t, memberB, ".ping"))
}

func TestHelpOverview(t *testing.T) {
	h := newHarness(t)
	reply := h.say(t, memberB, ".help")
	require.True(t, strings.HasPrefix(reply, "*Commands*"))
	ping := strings.Index(reply, "- .ping")
	help := strings.Index(reply, "- .help")
	id := strings.Index(reply, "- .id")
	assert.True(t, ping >= 0 && ping < help && help < id, "builtin bullets in declaration order")
}

func TestInstallAssignsRoles(t *testing.T) {
	h := newHarness(t)
	reply := h.say(t, rootUser, ".root install exp")
	assert.Contains(t, reply, "Installed exp (1 admins, 2 members)")

	chat, ok := h.states.Chat(groupChat)
	require.True(t, ok)
	inst, ok := chat.Service("exp")
	require.True(t, ok)
	assert.Equal(t, []string{adminA}, inst.Roles["admin"])
	assert.ElementsMatch(t, []string{memberB, memberC}, inst.Roles["member"])
}

func TestInteractiveExpenseAdd(t *testing.T) {
	h := newHarness(t)
	h.installExp(t)

	reply := h.say(t, memberC, ".exp add")
	lines := strings.Split(reply, "\n")
	assert.Equal(t, "*Amount?* _(whole number)_", lines[len(lines)-1])

	reply = h.say(t, memberC, "50")
	assert.Equal(t, "*Item?* _(free text)_", reply)

	reply = h.say(t, memberC, "Lunch")
	assert.Equal(t, "Added: Lunch - 50 (new total: 50)", reply)

	chat, _ := h.states.Chat(groupChat)
	_, open := chat.Session(memberC)
	assert.False(t, open, "session closed after completion")
}

func TestEditSyntaxBindingAndDenial(t *testing.T) {
	h := newHarness(t)
	h.installExp(t)
	h.say(t, memberC, ".exp add 50 Lunch")

	// child binds against syntax 0; the trailing token is discarded.
	reply := h.say(t, memberC, ".exp edit 1 2 3 4")
	assert.Equal(t, "Updated: 3 - 2", reply)

	// a plain member matches no syntax of edit.
	reply = h.say(t, memberB, ".exp edit 1 2 3 4")
	assert.Contains(t, reply, "permission")
}

func TestArgsOnlyMode(t *testing.T) {
	h := newHarness(t)
	h.installExp(t)
	reply := h.say(t, adminA, `.admin set argsOnlyCommand "exp add"`)
	require.Contains(t, reply, "Set argsOnlyCommand")

	reply = h.say(t, memberC, "75 Coffee")
	assert.Equal(t, "Added: Coffee - 75 (new total: 75)", reply)

	reply = h.say(t, memberC, "hello world")
	assert.Equal(t, "", reply, "non-binding bare text stays silent")
}

func TestParticipantPromoteAndLeave(t *testing.T) {
	h := newHarness(t)
	h.installExp(t)
	ctx := context.Background()

	h.router.ProcessParticipants(ctx, ParticipantsEvent{
		ChatID: groupChat,
		Action: "promote",
		Users:  []ParticipantUpdate{{ID: memberB}},
	})
	chat, _ := h.states.Chat(groupChat)
	inst, _ := chat.Service("exp")
	assert.ElementsMatch(t, []string{adminA, memberB}, inst.Roles["admin"])
	assert.NotContains(t, inst.Roles["member"], memberB)

	h.router.ProcessParticipants(ctx, ParticipantsEvent{
		ChatID: groupChat,
		Action: "leave",
		Users:  []ParticipantUpdate{{ID: memberB}},
	})
	for role, members := range inst.Roles {
		assert.NotContains(t, members, memberB, "role %s still lists the departed user", role)
	}
}

func TestUnknownCommandGetsHelpHint(t *testing.T) {
	h := newHarness(t)
	reply := h.say(t, memberB, ".bogus")
	assert.Contains(t, reply, "Unknown command")
	assert.Contains(t, reply, ".help")
}

func TestMultiCommandMessageJoinsReplies(t *testing.T) {
	h := newHarness(t)
	reply := h.say(t, memberB, ".ping\n.id")
	lines := strings.Split(reply, "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "Pong", lines[0])
	assert.Contains(t, reply, "Chat: "+groupChat)
}

func TestSelfMessagesSkipped(t *testing.T) {
	h := newHarness(t)
	h.router.Process(context.Background(), Message{
		ID: "m1", ChatID: groupChat, ChatType: state.ChatTypeGroup,
		UserID: memberB, Body: ".ping", FromMe: true,
	})
	assert.Equal(t, 0, h.sender.count())
	assert.Empty(t, h.sink.Snapshot(), "self messages are not audited")
}

func TestAuditOrderPerUser(t *testing.T) {
	h := newHarness(t)
	h.router.Dispatch(Message{ID: "m1", ChatID: groupChat, ChatType: state.ChatTypeGroup, UserID: memberB, Body: ".ping"})
	h.router.Dispatch(Message{ID: "m2", ChatID: groupChat, ChatType: state.ChatTypeGroup, UserID: memberB, Body: ".id"})
	require.NoError(t, h.router.Shutdown(context.Background()))

	records := h.sink.Snapshot()
	require.Len(t, records, 2)
	assert.Equal(t, ".ping", records[0].RawMessage)
	assert.Equal(t, ".id", records[1].RawMessage)
	assert.Equal(t, audit.StatusSuccess, records[0].Status)
	assert.Equal(t, audit.StatusSuccess, records[1].Status)
}

func TestSessionSurvivesAcrossMessagesAndCancel(t *testing.T) {
	h := newHarness(t)
	h.installExp(t)

	h.say(t, memberC, ".exp add")
	reply := h.say(t, memberC, "cancel")
	assert.Equal(t, "Cancelled.", reply)

	// After cancelling, plain text is no longer swallowed by a session.
	reply = h.say(t, memberC, "50")
	assert.Equal(t, "", reply)
}

func TestPermissionDeniedForAdminScope(t *testing.T) {
	h := newHarness(t)
	h.installExp(t)
	reply := h.say(t, memberB, ".admin settings")
	assert.Contains(t, reply, "permission")
}

func TestChatDisableBlocksService(t *testing.T) {
	h := newHarness(t)
	h.installExp(t)
	reply := h.say(t, adminA, ".admin disable")
	require.Contains(t, reply, "disabled")

	reply = h.say(t, memberC, ".exp add 5 Tea")
	assert.Contains(t, reply, "disabled")

	reply = h.say(t, rootUser, ".root enable")
	require.Contains(t, reply, "enabled")
	// root enable is global; the chat stays disabled until admin enable.
	reply = h.say(t, adminA, ".admin enable")
	require.Contains(t, reply, "enabled")
	reply = h.say(t, memberC, ".exp add 5 Tea")
	assert.Contains(t, reply, "Added: Tea - 5")
}

func TestGlobalDisableLeavesRootReachable(t *testing.T) {
	h := newHarness(t)
	reply := h.say(t, rootUser, ".root disable")
	require.Contains(t, reply, "disabled")

	reply = h.say(t, memberB, ".ping")
	assert.Contains(t, reply, "disabled")

	// Root must be able to turn the bot back on.
	reply = h.say(t, rootUser, ".root enable")
	assert.Equal(t, "Bot enabled", reply)
	assert.Equal(t, "Pong", h.say(t, memberB, ".ping"))
}

func TestTrailingStringConsumesRemainingTokens(t *testing.T) {
	h := newHarness(t)
	h.installExp(t)
	reply := h.say(t, memberC, ".exp add 50 Lunch box")
	assert.Equal(t, "Added: Lunch box - 50 (new total: 50)", reply)
}

func TestPartiallySuppliedInteractiveRunsHandler(t *testing.T) {
	h := newHarness(t)
	h.installExp(t)

	// Arguments present but incomplete: no prompt session opens, the
	// handler answers with what it needs.
	reply := h.say(t, memberC, ".exp add 50")
	assert.Equal(t, "Item is required", reply)

	chat, _ := h.states.Chat(groupChat)
	_, open := chat.Session(memberC)
	assert.False(t, open)
}

// Different chats run concurrently; each pipeline run ends in a whole-
// document save. Run with -race.
func TestConcurrentChatsPersistSafely(t *testing.T) {
	h := newHarness(t)
	const messages = 20
	for i := 0; i < messages; i++ {
		h.router.Dispatch(Message{
			ID:       fmt.Sprintf("m%d", i),
			ChatID:   fmt.Sprintf("c%d@g.us", i%4),
			ChatType: state.ChatTypeGroup,
			UserID:   memberB,
			UserName: "Ben",
			Body:     ".ping",
		})
	}
	require.NoError(t, h.router.Shutdown(context.Background()))
	assert.Len(t, h.sink.Snapshot(), messages)
}

func TestBlacklistDenies(t *testing.T) {
	h := newHarness(t)
	h.installExp(t)
	reply := h.say(t, rootUser, ".root blacklist "+memberC)
	require.Contains(t, reply, "Blacklisted")

	reply = h.say(t, memberC, ".exp add 5 Tea")
	assert.Contains(t, reply, "blacklisted")

	reply = h.say(t, rootUser, ".root unblacklist "+memberC)
	require.Contains(t, reply, "Removed 1 blacklist entries")
	reply = h.say(t, memberC, ".exp add 5 Tea")
	assert.Contains(t, reply, "Added: Tea - 5")
}
