// Package router drives the message pipeline: audit, session resumption,
// parsing, permission checks, interactive prompts, handler dispatch and
// persistence. One chat lock is held across the whole pipeline; messages of
// the same chat and user are processed strictly in arrival order.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/wappabot/wappa/internal/audit"
	"github.com/wappabot/wappa/internal/parser"
	"github.com/wappabot/wappa/internal/permission"
	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/session"
	"github.com/wappabot/wappa/internal/state"
	"github.com/wappabot/wappa/internal/storage"
	"github.com/wappabot/wappa/internal/typeparse"
)

// Prefix words selecting the fixed scopes on a prefixed line.
const (
	RootPrefix  = "root"
	AdminPrefix = "admin"
)

const errReply = "An error occurred while processing your command"

// Message is one inbound chat message.
type Message struct {
	ID          string
	ChatID      string
	ChatType    string
	UserID      string
	UserName    string
	Body        string
	FromMe      bool
	RepliedToID string
	QuotedBody  string
}

// ParticipantsEvent is a group membership change.
type ParticipantsEvent struct {
	ChatID string
	Action string // join, leave, promote, demote
	Users  []ParticipantUpdate
}

// ParticipantUpdate is one affected user of a membership change.
type ParticipantUpdate struct {
	ID   string
	Name string
}

// Router wires the pipeline together.
type Router struct {
	logger   *slog.Logger
	loader   *schema.Loader
	parser   *parser.Parser
	types    *typeparse.Parser
	perms    *permission.Manager
	sessions *session.Engine
	storage  *storage.Manager
	states   *state.Manager
	sink     audit.Sink
	sender   schema.Sender

	rootPrefix  string
	adminPrefix string

	queues *queueSet
}

func New(
	log *slog.Logger,
	loader *schema.Loader,
	p *parser.Parser,
	types *typeparse.Parser,
	perms *permission.Manager,
	sessions *session.Engine,
	store *storage.Manager,
	states *state.Manager,
	sink audit.Sink,
	sender schema.Sender,
) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		logger:   log.With(slog.String("service", "router")),
		loader:   loader,
		parser:   p,
		types:    types,
		perms:    perms,
		sessions: sessions,
		storage:  store,
		states:   states,
		sink:     sink,
		sender:   sender,

		rootPrefix:  RootPrefix,
		adminPrefix: AdminPrefix,

		queues: newQueueSet(),
	}
}

// SetPrefixes overrides the words selecting the root and admin scopes.
func (r *Router) SetPrefixes(rootPrefix, adminPrefix string) {
	if rootPrefix != "" {
		r.rootPrefix = rootPrefix
	}
	if adminPrefix != "" {
		r.adminPrefix = adminPrefix
	}
}

// Dispatch queues a message on its (chat, user) lane. Messages on the same
// lane run in arrival order; different lanes run concurrently.
func (r *Router) Dispatch(msg Message) {
	r.queues.enqueue(msg.ChatID+"|"+msg.UserID, func() {
		r.Process(context.Background(), msg)
	})
}

// DispatchParticipants queues a membership event on the chat's own lane.
func (r *Router) DispatchParticipants(ev ParticipantsEvent) {
	r.queues.enqueue(ev.ChatID, func() {
		r.ProcessParticipants(context.Background(), ev)
	})
}

// Shutdown drains the lanes.
func (r *Router) Shutdown(ctx context.Context) error {
	return r.queues.drain(ctx)
}

// Process runs the full pipeline for one message.
func (r *Router) Process(ctx context.Context, msg Message) {
	if msg.FromMe || strings.TrimSpace(msg.Body) == "" {
		return
	}
	rec := audit.NewRecord(msg.UserID, msg.ChatID, msg.Body)
	if err := r.sink.Append(ctx, rec); err != nil {
		r.logger.Error("audit append failed", slog.String("error", err.Error()))
	}

	response, err := r.process(ctx, msg)
	// Persisting runs after the chat lock is released; the save snapshots
	// every chat under its own lock.
	if perr := r.states.Persist(ctx); perr != nil {
		err = coalesce(err, perr)
	}

	status := audit.StatusSuccess
	errText := ""
	if err != nil {
		status = audit.StatusError
		errText = err.Error()
		r.logger.Error("message processing failed",
			slog.String("chat_id", msg.ChatID),
			slog.String("user_id", msg.UserID),
			slog.String("error", err.Error()),
		)
	}
	if aerr := r.sink.Resolve(ctx, rec.ID, status, response, errText); aerr != nil {
		r.logger.Error("audit resolve failed", slog.String("error", aerr.Error()))
	}
}

func (r *Router) process(ctx context.Context, msg Message) (string, error) {
	unlock := r.states.LockChat(msg.ChatID)
	defer unlock()

	chat := r.states.EnsureChat(msg.ChatID, msg.ChatType)
	if msg.UserName != "" {
		if chat.DisplayNames == nil {
			chat.DisplayNames = map[string]string{}
		}
		chat.DisplayNames[msg.UserID] = msg.UserName
	}

	// An open session consumes the message before any parsing.
	if reply, handled, err := r.resumeSession(ctx, chat, msg); handled || err != nil {
		if err != nil {
			reply = errReply
		}
		r.reply(ctx, msg, reply)
		return reply, err
	}

	commands := r.parser.Parse(msg.Body, r.chatContext(chat))
	if len(commands) == 0 {
		return "", nil
	}

	var (
		replies           []string
		firstErr          error
		interactiveOpened bool
		servicesSeen      = map[string]bool{}
	)
	root := r.rootSnapshot()
	for _, cmd := range commands {
		if cmd.Unknown {
			replies = append(replies, fmt.Sprintf("Unknown command %q. Try .help", cmd.Name))
			continue
		}

		// A service that declares one_cmd_per_msg only gets its first command
		// of the message.
		if svc, ok := r.loader.Get(cmd.Service); ok && svc.OneCmdPerMsg {
			if servicesSeen[cmd.Service] {
				continue
			}
			servicesSeen[cmd.Service] = true
		}

		decision := r.perms.Check(root, chat, msg.ChatID, msg.UserID, cmd)
		if !decision.Allowed {
			replies = append(replies, decision.Reason)
			continue
		}
		r.parser.Rebind(cmd, decision.SyntaxIndex)

		if cmd.ParseErr != "" {
			replies = append(replies, cmd.ParseErr)
			continue
		}
		if len(cmd.Missing) > 0 {
			if cmd.Interactive() {
				// A bare invocation opens a prompt session; at most one per
				// message. A partially supplied one still runs the handler,
				// which reports what it needs.
				if cmd.RawArgs == "" {
					if interactiveOpened {
						replies = append(replies, "Only one interactive command per message")
						continue
					}
					store, _ := r.scopeFor(chat, cmd.Service)
					prompt, err := r.sessions.Open(ctx, chat, msg.ChatID, msg.UserID, cmd, decision.EffectiveRoles, store)
					if err != nil {
						firstErr = coalesce(firstErr, err)
						replies = append(replies, errReply)
						continue
					}
					interactiveOpened = true
					replies = append(replies, prompt)
					continue
				}
			} else {
				replies = append(replies, "Missing: "+strings.Join(cmd.Missing, ", "))
				continue
			}
		}

		reply, err := r.execute(ctx, chat, msg, cmd.Scope, cmd.Service, cmd.Name, cmd.SyntaxIndex, cmd.Args, decision.EffectiveRoles)
		if err != nil {
			firstErr = coalesce(firstErr, err)
			replies = append(replies, errReply)
			continue
		}
		if reply != "" {
			replies = append(replies, reply)
		}
	}

	response := strings.Join(replies, "\n")
	r.reply(ctx, msg, response)
	return response, firstErr
}

// resumeSession feeds the message into the user's open session, if any. A
// completed session dispatches its command.
func (r *Router) resumeSession(ctx context.Context, chat *state.ChatState, msg Message) (string, bool, error) {
	sess, ok := chat.Session(msg.UserID)
	if !ok {
		return "", false, nil
	}
	store, _ := r.scopeFor(chat, sess.Service)
	res, handled, err := r.sessions.Resume(ctx, chat, msg.ChatID, msg.UserID, msg.Body, store)
	if err != nil {
		return "", true, err
	}
	if !handled {
		return "", false, nil
	}
	if !res.Done {
		return res.Reply, true, nil
	}

	// Collected commands go through the same permission gate as direct ones;
	// roles may have changed while the session was open.
	def, ok := r.loader.Command(res.Scope, res.Command)
	if !ok {
		return "", true, fmt.Errorf("session command %s/%s vanished from the catalog", res.Scope, res.Command)
	}
	cmd := &parser.Command{
		Scope:       res.Scope,
		Service:     res.Service,
		Name:        res.Command,
		Def:         def,
		Args:        res.Args,
		SyntaxIndex: res.SyntaxIndex,
	}
	decision := r.perms.Check(r.rootSnapshot(), chat, msg.ChatID, msg.UserID, cmd)
	if !decision.Allowed {
		return decision.Reason, true, nil
	}
	reply, err := r.execute(ctx, chat, msg, res.Scope, res.Service, res.Command, res.SyntaxIndex, res.Args, res.Roles)
	return reply, true, err
}

// execute runs one command handler with panic recovery.
func (r *Router) execute(ctx context.Context, chat *state.ChatState, msg Message, scope, service, name string, syntaxIndex int, args map[string]any, roles []string) (reply string, err error) {
	handler, ok := r.loader.Handler(scope, name)
	if !ok {
		return "", fmt.Errorf("no handler for %s/%s", scope, name)
	}
	var store schema.Storage
	if service != "" {
		store, err = r.scopeFor(chat, service)
		if err != nil {
			return "", err
		}
	}
	call := &schema.Call{
		Scope:       scope,
		Service:     service,
		Command:     name,
		SyntaxIndex: syntaxIndex,
		Args:        args,
		ChatID:      msg.ChatID,
		UserID:      msg.UserID,
		UserName:    msg.UserName,
		IsGroup:     chat.IsGroup(),
		RepliedToID: msg.RepliedToID,
		QuotedBody:  msg.QuotedBody,
		UserRoles:   roles,
		Storage:     store,
		State:       r.states.Handle(chat),
		Loader:      r.loader,
		Send:        r.sender,
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				slog.String("command", scope+"/"+name),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler %s/%s panicked: %v", scope, name, rec)
		}
	}()
	out, err := handler(ctx, call)
	if err != nil {
		return "", fmt.Errorf("handler %s/%s: %w", scope, name, err)
	}
	if out == nil {
		return "", nil
	}
	return out.Text, nil
}

// ProcessParticipants applies a group membership change to every installed
// service of the chat.
func (r *Router) ProcessParticipants(ctx context.Context, ev ParticipantsEvent) {
	if !r.applyParticipants(ev) {
		return
	}
	if err := r.states.Persist(ctx); err != nil {
		r.logger.Error("persist after membership change failed", slog.String("error", err.Error()))
	}
}

// applyParticipants mutates the chat under its lock and reports whether the
// chat existed. Persisting happens after the lock is released.
func (r *Router) applyParticipants(ev ParticipantsEvent) bool {
	unlock := r.states.LockChat(ev.ChatID)
	defer unlock()

	chat, ok := r.states.Chat(ev.ChatID)
	if !ok {
		return false
	}
	for _, user := range ev.Users {
		if user.Name != "" {
			if chat.DisplayNames == nil {
				chat.DisplayNames = map[string]string{}
			}
			chat.DisplayNames[user.ID] = user.Name
		}
		for _, inst := range chat.Services {
			switch ev.Action {
			case "join":
				inst.AddRole(schema.RoleMember, user.ID)
			case "leave":
				inst.RemoveUser(user.ID)
			case "promote":
				inst.RemoveRole(schema.RoleMember, user.ID)
				inst.AddRole(schema.RoleAdmin, user.ID)
			case "demote":
				inst.RemoveRole(schema.RoleAdmin, user.ID)
				inst.AddRole(schema.RoleMember, user.ID)
			}
		}
		if ev.Action == "leave" {
			chat.DeleteSession(user.ID)
		}
	}
	return true
}

// chatContext assembles the parser view of a chat.
func (r *Router) chatContext(chat *state.ChatState) parser.ChatContext {
	installed := make(map[string]bool, len(chat.Services))
	for id := range chat.Services {
		installed[id] = true
	}
	cctx := parser.ChatContext{
		RootPrefix:           r.rootPrefix,
		AdminPrefix:          r.adminPrefix,
		DisableServicePrefix: chat.AdminSettings.DisableServicePrefix,
		Installed:            installed,
		ReportArgsOnlyErrors: chat.AdminSettings.ReplyOnParsingError,
	}
	if a := chat.AdminSettings.ArgsOnlyCommand; a != nil {
		cctx.ArgsOnly = &parser.ArgsOnlyBinding{Service: a.Service, Command: a.Command}
	}
	r.states.ReadRoot(func(root *state.RootState) {
		if raw, ok := root.Settings["invokePrefixPattern"].(string); ok && raw != "" {
			if re, err := parser.CompileInvokePattern(raw); err == nil {
				cctx.InvokePattern = re
			}
		}
	})
	return cctx
}

func (r *Router) rootSnapshot() *state.RootState {
	snap := &state.RootState{}
	r.states.ReadRoot(func(root *state.RootState) {
		*snap = *root
	})
	return snap
}

func (r *Router) scopeFor(chat *state.ChatState, service string) (schema.Storage, error) {
	if service == "" {
		return nil, nil
	}
	inst, ok := chat.Service(service)
	if !ok {
		return nil, nil
	}
	scope, err := r.storage.Scope(inst, service)
	if err != nil {
		return nil, err
	}
	return scope, nil
}

func (r *Router) reply(ctx context.Context, msg Message, text string) {
	if text == "" || r.sender == nil {
		return
	}
	if err := r.sender.SendReply(ctx, msg.ChatID, text, msg.ID); err != nil {
		r.logger.Error("send reply failed",
			slog.String("chat_id", msg.ChatID),
			slog.String("error", err.Error()),
		)
	}
}

func coalesce(first, next error) error {
	if first != nil {
		return first
	}
	return next
}
