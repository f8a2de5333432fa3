// Package session runs interactive prompt sessions: when an interactive
// command arrives without its arguments, the bot collects them one question
// at a time. Sessions live inside the chat state, so they survive restarts
// and are scoped to one user per chat.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wappabot/wappa/internal/parser"
	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/state"
	"github.com/wappabot/wappa/internal/typeparse"
)

// Control words recognized while a session is open.
const (
	wordCancel = "cancel"
	wordSkip   = "skip"
)

// CancelledReply is sent when the user aborts a session.
const CancelledReply = "Cancelled."

// DefaultTimeout is the idle expiry of a session. Expiry is enforced lazily
// on the next message and by the periodic sweeper.
const DefaultTimeout = 5 * time.Minute

// cancelHint precedes the first prompt of a fresh session.
const cancelHint = `_Send "cancel" to abort._`

// Result is the outcome of feeding one message into a session.
type Result struct {
	Reply string // prompt, error or cancel text; empty means nothing to say

	Done     bool // all arguments collected and re-validated
	Canceled bool

	// Populated when Done: the command to dispatch.
	Scope       string
	Service     string
	Command     string
	SyntaxIndex int
	Args        map[string]any
	Roles       []string
}

// Engine drives prompt sessions. All methods operate on a chat whose lock
// the router already holds; the router persists afterwards.
type Engine struct {
	logger  *slog.Logger
	loader  *schema.Loader
	types   *typeparse.Parser
	timeout time.Duration
}

func NewEngine(log *slog.Logger, loader *schema.Loader, types *typeparse.Parser, timeout time.Duration) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		logger:  log.With(slog.String("service", "session")),
		loader:  loader,
		types:   types,
		timeout: timeout,
	}
}

// Timeout returns the configured idle expiry.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// Open starts a session for a parsed command whose arguments are still
// missing and returns the first prompt. Any previous session of the user in
// this chat is replaced.
func (e *Engine) Open(ctx context.Context, chat *state.ChatState, chatID, userID string, cmd *parser.Command, roles []string, store schema.Storage) (string, error) {
	syntax := cmd.Def.Syntax(cmd.SyntaxIndex)
	var pending []string
	for _, param := range syntax.Parameters {
		if _, bound := cmd.Args[param.Name]; !bound {
			pending = append(pending, param.Name)
		}
	}
	if len(pending) == 0 {
		return "", fmt.Errorf("session: command %s has nothing to prompt for", cmd.Name)
	}
	now := time.Now()
	sess := &state.Session{
		Scope:       cmd.Scope,
		Service:     cmd.Service,
		Command:     cmd.Name,
		SyntaxIndex: cmd.SyntaxIndex,
		Args:        copyArgs(cmd.Args),
		Pending:     pending,
		Roles:       append([]string(nil), roles...),
		StartedAt:   now,
		LastActive:  now,
	}
	chat.PutSession(userID, sess)
	e.logger.Debug("session opened",
		slog.String("user_id", userID),
		slog.String("command", cmd.Scope+"/"+cmd.Name),
		slog.Int("pending", len(pending)),
	)
	prompt, err := e.prompt(ctx, sess, chatID, userID, store, "")
	if err != nil {
		return "", err
	}
	return cancelHint + "\n" + prompt, nil
}

// Resume feeds a raw message into the user's open session. The second return
// is false when no live session exists; expired sessions are dropped and the
// message falls through to normal parsing.
func (e *Engine) Resume(ctx context.Context, chat *state.ChatState, chatID, userID, body string, store schema.Storage) (*Result, bool, error) {
	sess, ok := chat.Session(userID)
	if !ok {
		return nil, false, nil
	}
	if sess.Expired(time.Now(), e.timeout) {
		chat.DeleteSession(userID)
		e.logger.Debug("session expired", slog.String("user_id", userID))
		return nil, false, nil
	}

	input := strings.TrimSpace(body)
	switch strings.ToLower(input) {
	case wordCancel:
		chat.DeleteSession(userID)
		return &Result{Reply: CancelledReply, Canceled: true}, true, nil
	case wordSkip:
		return e.handleSkip(ctx, chat, sess, chatID, userID, store)
	}

	param, ok := e.currentParam(sess)
	if !ok {
		// Session references a command the catalog no longer declares.
		chat.DeleteSession(userID)
		return nil, false, nil
	}
	value, err := e.types.Parse(input, requiredView(param))
	if err != nil {
		reply, perr := e.prompt(ctx, sess, chatID, userID, store, err.Error())
		if perr != nil {
			return nil, true, perr
		}
		sess.LastActive = time.Now()
		return &Result{Reply: reply}, true, nil
	}
	sess.Args[param.Name] = value
	sess.Index++
	sess.LastActive = time.Now()
	return e.advance(ctx, chat, sess, chatID, userID, store)
}

// handleSkip skips the current parameter when it is optional.
func (e *Engine) handleSkip(ctx context.Context, chat *state.ChatState, sess *state.Session, chatID, userID string, store schema.Storage) (*Result, bool, error) {
	param, ok := e.currentParam(sess)
	if !ok {
		chat.DeleteSession(userID)
		return nil, false, nil
	}
	if !param.Optional {
		reply, err := e.prompt(ctx, sess, chatID, userID, store, "this value cannot be skipped")
		if err != nil {
			return nil, true, err
		}
		sess.LastActive = time.Now()
		return &Result{Reply: reply}, true, nil
	}
	// A skip binds nil, so the handler can tell a skipped parameter from
	// one that was never asked.
	sess.Args[param.Name] = nil
	sess.Index++
	sess.LastActive = time.Now()
	return e.advance(ctx, chat, sess, chatID, userID, store)
}

// advance either asks the next question or finishes the session.
func (e *Engine) advance(ctx context.Context, chat *state.ChatState, sess *state.Session, chatID, userID string, store schema.Storage) (*Result, bool, error) {
	if !sess.Complete() {
		reply, err := e.prompt(ctx, sess, chatID, userID, store, "")
		if err != nil {
			return nil, true, err
		}
		return &Result{Reply: reply}, true, nil
	}

	// Every collected value is re-validated before dispatch; a value that no
	// longer parses sends its parameter back to the queue.
	if name, verr := e.revalidate(sess); verr != nil {
		delete(sess.Args, name)
		sess.Pending = []string{name}
		sess.Index = 0
		reply, err := e.prompt(ctx, sess, chatID, userID, store, verr.Error())
		if err != nil {
			return nil, true, err
		}
		return &Result{Reply: reply}, true, nil
	}

	chat.DeleteSession(userID)
	return &Result{
		Done:        true,
		Scope:       sess.Scope,
		Service:     sess.Service,
		Command:     sess.Command,
		SyntaxIndex: sess.SyntaxIndex,
		Args:        sess.Args,
		Roles:       sess.Roles,
	}, true, nil
}

// revalidate re-parses every collected value against its definition and
// returns the first offending parameter name.
func (e *Engine) revalidate(sess *state.Session) (string, error) {
	def, ok := e.loader.Command(sess.Scope, sess.Command)
	if !ok {
		return "", nil
	}
	syntax := def.Syntax(sess.SyntaxIndex)
	for _, param := range syntax.Parameters {
		value, bound := sess.Args[param.Name]
		if !bound {
			if param.Optional || param.Default != nil {
				continue
			}
			return param.Name, fmt.Errorf("%s is required", param.Name)
		}
		// A nil value marks an explicit skip and needs no re-parse.
		if value == nil {
			continue
		}
		raw := rawForm(value)
		if _, err := e.types.Parse(raw, requiredView(param)); err != nil {
			return param.Name, err
		}
	}
	return "", nil
}

// prompt renders the question for the current parameter, preceded by an
// optional error line and the command's interactive context.
func (e *Engine) prompt(ctx context.Context, sess *state.Session, chatID, userID string, store schema.Storage, errLine string) (string, error) {
	param, ok := e.currentParam(sess)
	if !ok {
		return "", fmt.Errorf("session: no parameter to prompt for")
	}
	var b strings.Builder
	if errLine != "" {
		b.WriteString(errLine)
		b.WriteString("\n")
	}
	if hook, ok := e.loader.ContextHook(sess.Scope, sess.Command); ok {
		pc, err := hook(ctx, schema.HookInput{
			ChatID:  chatID,
			UserID:  userID,
			Args:    sess.Args,
			Param:   param.Name,
			Storage: store,
		})
		if err != nil {
			return "", fmt.Errorf("interactive context: %w", err)
		}
		if pc != nil && writeContext(&b, pc) {
			b.WriteString("\n")
		}
	}
	b.WriteString(renderQuestion(param, e.types.Describe(param.Type)))
	return b.String(), nil
}

// currentParam resolves the parameter definition awaiting input.
func (e *Engine) currentParam(sess *state.Session) (schema.ParameterDef, bool) {
	name := sess.Current()
	if name == "" {
		return schema.ParameterDef{}, false
	}
	def, ok := e.loader.Command(sess.Scope, sess.Command)
	if !ok {
		return schema.ParameterDef{}, false
	}
	for _, param := range def.Syntax(sess.SyntaxIndex).Parameters {
		if param.Name == name {
			return param, true
		}
	}
	return schema.ParameterDef{}, false
}

// renderQuestion formats one prompt line. The type description rides along
// in italics; optional parameters advertise the skip word.
func renderQuestion(param schema.ParameterDef, typeDesc string) string {
	label := param.Description
	if label == "" {
		label = param.Name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%s?* _(%s)_", label, typeDesc)
	if param.Optional {
		b.WriteString(` _or "skip"_`)
	}
	return b.String()
}

// writeContext renders the hook output and reports whether anything was
// written; a blank line then separates it from the question.
func writeContext(b *strings.Builder, pc *schema.PromptContext) bool {
	before := b.Len()
	if pc.Selected != "" {
		b.WriteString(pc.Selected)
		b.WriteString("\n")
	}
	if pc.Message != "" {
		b.WriteString(pc.Message)
		b.WriteString("\n")
	}
	switch {
	case len(pc.List) > 0:
		for i, item := range pc.List {
			fmt.Fprintf(b, "%d. %s", i+1, item.Label)
			if item.Sublabel != "" {
				fmt.Fprintf(b, " (%s)", item.Sublabel)
			}
			b.WriteString("\n")
		}
	case pc.EmptyMessage != "":
		b.WriteString(pc.EmptyMessage)
		b.WriteString("\n")
	}
	return b.Len() > before
}

// requiredView strips the optional and default markers so that a live answer
// must actually parse; skipping is handled separately.
func requiredView(param schema.ParameterDef) schema.ParameterDef {
	param.Optional = false
	param.Default = nil
	return param
}

// rawForm turns a collected value back into token form for re-validation.
// JSON round-trips leave numbers as float64; whole values print without a
// fraction.
func rawForm(value any) string {
	switch v := value.(type) {
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = rawForm(item)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
