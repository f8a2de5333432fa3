// Package services implements the command handlers behind the catalog: the
// builtin, admin and root scopes plus the bundled services. Handlers are
// registered against the loader at boot and run under the chat lock held by
// the router.
package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wappabot/wappa/internal/help"
	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/state"
	"github.com/wappabot/wappa/internal/typeparse"
)

// Participant is one member of a group chat as the gateway reports it.
type Participant struct {
	ID      string
	Name    string
	IsAdmin bool
}

// ParticipantSource fetches the member list of a group chat.
type ParticipantSource interface {
	Participants(ctx context.Context, chatID string) ([]Participant, error)
}

// Deps carries everything the handlers need.
type Deps struct {
	Logger       *slog.Logger
	Loader       *schema.Loader
	Types        *typeparse.Parser
	Help         *help.Renderer
	States       *state.Manager
	Participants ParticipantSource
}

// Register binds every handler and hook to the loader and seals it.
func Register(d Deps) error {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With(slog.String("service", "handlers"))

	registerBuiltin(d)
	registerRoot(d)
	registerAdmin(d)
	registerExpense(d)

	return d.Loader.Seal()
}

// chatOf unwraps the mutable chat state from a handler call. Administrative
// handlers mutate it directly; the router persists afterwards.
func chatOf(call *schema.Call) (*state.ChatState, error) {
	h, ok := call.State.(*state.Handle)
	if !ok {
		return nil, fmt.Errorf("chat state not available")
	}
	return h.Chat(), nil
}

// argString returns a string argument, empty when unbound.
func argString(call *schema.Call, name string) string {
	if v, ok := call.Arg(name).(string); ok {
		return v
	}
	return ""
}

// argInt returns an int argument. Values restored from a persisted session
// arrive as float64.
func argInt(call *schema.Call, name string) (int, bool) {
	switch v := call.Arg(name).(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// argStrings normalizes a list argument: a single value stands for a
// one-element list, the wildcard collapses to nil (meaning "all").
func argStrings(call *schema.Call, name string) []string {
	switch v := call.Arg(name).(type) {
	case nil:
		return nil
	case string:
		if v == state.Wildcard {
			return nil
		}
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			s := fmt.Sprintf("%v", item)
			if s == state.Wildcard {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}
