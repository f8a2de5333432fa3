package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wappabot/wappa/internal/parser"
	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/state"
	"github.com/wappabot/wappa/internal/typeparse"
)

const (
	testChat = "group-1@g.us"
	testUser = "222@s.whatsapp.net"
)

func testEngine(t *testing.T) (*Engine, *schema.Loader) {
	t.Helper()
	loader, err := schema.NewLoader(nil)
	require.NoError(t, err)
	return NewEngine(nil, loader, typeparse.New(loader), 0), loader
}

func addCommand(t *testing.T, loader *schema.Loader) *parser.Command {
	t.Helper()
	def, ok := loader.Command("exp", "add")
	require.True(t, ok)
	return &parser.Command{
		Scope:   "exp",
		Service: "exp",
		Name:    "add",
		Def:     def,
		Args:    map[string]any{},
		Missing: []string{"amount", "item"},
	}
}

func newChat() *state.ChatState {
	return &state.ChatState{ChatType: state.ChatTypeGroup, Enabled: true}
}

func TestOpenPromptsFirstParameter(t *testing.T) {
	e, loader := testEngine(t)
	chat := newChat()
	prompt, err := e.Open(context.Background(), chat, testChat, testUser, addCommand(t, loader), []string{"member"}, nil)
	require.NoError(t, err)
	lines := strings.Split(prompt, "\n")
	assert.Contains(t, lines[0], "cancel")
	assert.Equal(t, "*Amount?* _(whole number)_", lines[len(lines)-1])

	sess, ok := chat.Session(testUser)
	require.True(t, ok)
	assert.Equal(t, []string{"amount", "item"}, sess.Pending)
}

func TestResumeCollectsAndCompletes(t *testing.T) {
	e, loader := testEngine(t)
	chat := newChat()
	ctx := context.Background()
	_, err := e.Open(ctx, chat, testChat, testUser, addCommand(t, loader), []string{"member"}, nil)
	require.NoError(t, err)

	res, handled, err := e.Resume(ctx, chat, testChat, testUser, "50", nil)
	require.NoError(t, err)
	require.True(t, handled)
	assert.False(t, res.Done)
	assert.Equal(t, "*Item?* _(free text)_", res.Reply)

	res, handled, err = e.Resume(ctx, chat, testChat, testUser, "Lunch", nil)
	require.NoError(t, err)
	require.True(t, handled)
	require.True(t, res.Done)
	assert.Equal(t, "exp", res.Service)
	assert.Equal(t, "add", res.Command)
	assert.Equal(t, 50, res.Args["amount"])
	assert.Equal(t, "Lunch", res.Args["item"])

	_, ok := chat.Session(testUser)
	assert.False(t, ok, "session should be closed after completion")
}

func TestResumeRejectsInvalidValue(t *testing.T) {
	e, loader := testEngine(t)
	chat := newChat()
	ctx := context.Background()
	_, err := e.Open(ctx, chat, testChat, testUser, addCommand(t, loader), nil, nil)
	require.NoError(t, err)

	res, handled, err := e.Resume(ctx, chat, testChat, testUser, "soon", nil)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Contains(t, res.Reply, "not a whole number")
	assert.Contains(t, res.Reply, "*Amount?*")

	sess, ok := chat.Session(testUser)
	require.True(t, ok)
	assert.Equal(t, 0, sess.Index, "index stays on the failed parameter")
}

func TestResumeCancel(t *testing.T) {
	e, loader := testEngine(t)
	chat := newChat()
	ctx := context.Background()
	_, err := e.Open(ctx, chat, testChat, testUser, addCommand(t, loader), nil, nil)
	require.NoError(t, err)

	res, handled, err := e.Resume(ctx, chat, testChat, testUser, "Cancel", nil)
	require.NoError(t, err)
	require.True(t, handled)
	assert.True(t, res.Canceled)
	assert.Equal(t, CancelledReply, res.Reply)

	_, ok := chat.Session(testUser)
	assert.False(t, ok)
}

func TestSkipOnlyForOptional(t *testing.T) {
	e, loader := testEngine(t)
	chat := newChat()
	ctx := context.Background()

	// edit syntax 0 (child): itemNo required, price and item optional.
	def, ok := loader.Command("exp", "edit")
	require.True(t, ok)
	cmd := &parser.Command{
		Scope: "exp", Service: "exp", Name: "edit", Def: def,
		Args: map[string]any{},
	}
	_, err := e.Open(ctx, chat, testChat, testUser, cmd, []string{"child"}, nil)
	require.NoError(t, err)

	res, handled, err := e.Resume(ctx, chat, testChat, testUser, "skip", nil)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Contains(t, res.Reply, "cannot be skipped")

	_, _, err = e.Resume(ctx, chat, testChat, testUser, "2", nil)
	require.NoError(t, err)
	res, _, err = e.Resume(ctx, chat, testChat, testUser, "skip", nil)
	require.NoError(t, err)
	assert.Contains(t, res.Reply, `_or "skip"_`)
	res, _, err = e.Resume(ctx, chat, testChat, testUser, "skip", nil)
	require.NoError(t, err)
	require.True(t, res.Done)
	assert.Equal(t, 2, res.Args["itemNo"])

	// A skip binds nil; a parameter that was never asked stays unbound.
	price, bound := res.Args["price"]
	require.True(t, bound, "skipped optional is bound")
	assert.Nil(t, price)
	item, bound := res.Args["item"]
	require.True(t, bound)
	assert.Nil(t, item)
}

func TestOptionalPromptAdvertisesSkip(t *testing.T) {
	e, loader := testEngine(t)
	chat := newChat()
	ctx := context.Background()
	def, ok := loader.Command("exp", "edit")
	require.True(t, ok)
	cmd := &parser.Command{
		Scope: "exp", Service: "exp", Name: "edit", Def: def,
		Args: map[string]any{"itemNo": 1},
	}
	prompt, err := e.Open(ctx, chat, testChat, testUser, cmd, []string{"child"}, nil)
	require.NoError(t, err)
	assert.Contains(t, prompt, `_or "skip"_`)
}

func TestExpiredSessionFallsThrough(t *testing.T) {
	e, loader := testEngine(t)
	chat := newChat()
	ctx := context.Background()
	_, err := e.Open(ctx, chat, testChat, testUser, addCommand(t, loader), nil, nil)
	require.NoError(t, err)

	sess, _ := chat.Session(testUser)
	sess.LastActive = time.Now().Add(-time.Hour)

	_, handled, err := e.Resume(ctx, chat, testChat, testUser, "50", nil)
	require.NoError(t, err)
	assert.False(t, handled)
	_, ok := chat.Session(testUser)
	assert.False(t, ok, "expired session is dropped")
}

func TestContextHookRendersList(t *testing.T) {
	loader, err := schema.NewLoader(nil)
	require.NoError(t, err)
	loader.RegisterContextHook("exp", "edit", func(ctx context.Context, in schema.HookInput) (*schema.PromptContext, error) {
		if in.Param != "itemNo" {
			return nil, nil
		}
		return &schema.PromptContext{
			Message: "Your expenses:",
			List: []schema.PromptItem{
				{Label: "Lunch", Sublabel: "50"},
				{Label: "Bus", Sublabel: "3"},
			},
		}, nil
	})
	e := NewEngine(nil, loader, typeparse.New(loader), 0)
	chat := newChat()

	def, ok := loader.Command("exp", "edit")
	require.True(t, ok)
	cmd := &parser.Command{Scope: "exp", Service: "exp", Name: "edit", Def: def, Args: map[string]any{}}
	prompt, err := e.Open(context.Background(), chat, testChat, testUser, cmd, []string{"child"}, nil)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Your expenses:")
	assert.Contains(t, prompt, "1. Lunch (50)")
	assert.Contains(t, prompt, "2. Bus (3)")
	assert.Contains(t, prompt, "*expense number?*")
}

func TestRevalidationReprompts(t *testing.T) {
	e, loader := testEngine(t)
	chat := newChat()
	ctx := context.Background()
	_, err := e.Open(ctx, chat, testChat, testUser, addCommand(t, loader), nil, nil)
	require.NoError(t, err)

	// Simulate a persisted session whose collected value got corrupted.
	sess, _ := chat.Session(testUser)
	sess.Args["amount"] = "soon"
	sess.Index = 1

	res, handled, err := e.Resume(ctx, chat, testChat, testUser, "Lunch", nil)
	require.NoError(t, err)
	require.True(t, handled)
	assert.False(t, res.Done)
	assert.Contains(t, res.Reply, "*Amount?*")

	sess, ok := chat.Session(testUser)
	require.True(t, ok)
	assert.Equal(t, []string{"amount"}, sess.Pending)
}
