package schema

import (
	"context"
)

// Reply is what a handler hands back to the router. A nil *Reply means no
// reply is sent.
type Reply struct {
	Text string
}

// Text builds a plain reply.
func Text(s string) *Reply {
	return &Reply{Text: s}
}

// Storage is the record-list CRUD surface a handler sees, already scoped to
// one (chat, service) pair. Names refer to the storage lists the service
// declared; indices are 1-based.
type Storage interface {
	Add(ctx context.Context, name string, item map[string]any) (map[string]any, error)
	Get(ctx context.Context, name, id string) (map[string]any, bool, error)
	GetByIndex(ctx context.Context, name string, index int) (map[string]any, bool, error)
	Update(ctx context.Context, name, id string, patch map[string]any) (map[string]any, bool, error)
	UpdateByIndex(ctx context.Context, name string, index int, patch map[string]any) (map[string]any, bool, error)
	Delete(ctx context.Context, name, id string) (bool, error)
	DeleteByIndex(ctx context.Context, name string, index int) (bool, error)
	Clear(ctx context.Context, name string) error
	Query(ctx context.Context, name string, filter map[string]any) ([]map[string]any, error)
	Aggregate(ctx context.Context, name, field, op string, filter map[string]any) (float64, error)
	Paginate(ctx context.Context, name string, page, limit int) ([]map[string]any, int, error)
	Count(ctx context.Context, name string, filter map[string]any) (int, error)
}

// ChatState is the chat-scoped state surface a handler sees.
type ChatState interface {
	UsersWithRole(ctx context.Context, service, role string) ([]string, error)
	AddUserRole(ctx context.Context, service, role, userID string) error
	RemoveUserRole(ctx context.Context, service, role, userID string) error
	ResolveUserName(ctx context.Context, userID string) string
}

// Sender is the outbound side a handler may use for unsolicited messages.
// The returned reply still goes through the router.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SendReply(ctx context.Context, chatID, text, replyToID string) error
}

// Call is the execution context passed to a command handler.
type Call struct {
	Scope       string
	Service     string
	Command     string
	SyntaxIndex int

	Args        map[string]any
	ChatID      string
	UserID      string
	UserName    string
	IsGroup     bool
	RepliedToID string
	QuotedBody  string
	UserRoles   []string

	Storage Storage
	State   ChatState
	Loader  *Loader
	Send    Sender
}

// Arg returns the named argument, or nil when it was not bound.
func (c *Call) Arg(name string) any {
	if c == nil || c.Args == nil {
		return nil
	}
	return c.Args[name]
}

// Handler executes one command and returns the reply, if any.
type Handler func(ctx context.Context, call *Call) (*Reply, error)

// PromptItem is one entry of a list-shaped interactive context.
type PromptItem struct {
	Label    string
	Sublabel string
}

// PromptContext is the optional context a service contributes to an
// interactive prompt: a message, a numbered list, or an echoed selection.
type PromptContext struct {
	Message      string
	List         []PromptItem
	EmptyMessage string
	Selected     string
}

// HookInput is what an interactive context hook receives: the partially
// collected arguments and the parameter about to be prompted.
type HookInput struct {
	ChatID  string
	UserID  string
	Args    map[string]any
	Param   string
	Storage Storage
}

// ContextHook produces interactive prompt context for one command. A nil
// result means no extra context.
type ContextHook func(ctx context.Context, in HookInput) (*PromptContext, error)
