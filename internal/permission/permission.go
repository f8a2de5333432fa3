// Package permission decides whether a parsed command may run and which of
// its syntaxes applies: role resolution, blacklist evaluation, and syntax
// selection.
package permission

import (
	"log/slog"
	"sort"

	"github.com/wappabot/wappa/internal/parser"
	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/state"
)

// RoleRoot marks the global super-user in an effective role set.
const RoleRoot = "root"

// Decision is the outcome of an authorization check. A denied decision
// carries a single human-readable reason.
type Decision struct {
	Allowed        bool
	Reason         string
	EffectiveRoles []string
	SyntaxIndex    int
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Manager evaluates command authorization against the state document.
type Manager struct {
	logger *slog.Logger
	loader *schema.Loader
}

func NewManager(log *slog.Logger, loader *schema.Loader) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		logger: log.With(slog.String("service", "permission")),
		loader: loader,
	}
}

// EffectiveRoles resolves the role set of a user for a command's service.
// Root users always carry root and admin.
func (m *Manager) EffectiveRoles(root *state.RootState, chat *state.ChatState, userID, service string) []string {
	set := map[string]struct{}{}
	if root.IsRoot(userID) {
		set[RoleRoot] = struct{}{}
		set[schema.RoleAdmin] = struct{}{}
	}
	if service != "" {
		if inst, ok := chat.Service(service); ok {
			for _, role := range inst.RolesOf(userID) {
				set[role] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for role := range set {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Check authorizes one parsed command. The caller holds the chat lock.
func (m *Manager) Check(root *state.RootState, chat *state.ChatState, chatID, userID string, cmd *parser.Command) Decision {
	// Root commands stay reachable while the bot is globally disabled;
	// someone has to be able to turn it back on.
	if !root.Enabled && cmd.Scope != schema.ScopeRoot {
		return deny("the bot is currently disabled")
	}
	// Root and admin commands stay reachable in a disabled chat; someone has
	// to be able to turn it back on.
	if !chat.Enabled && cmd.Scope != schema.ScopeRoot && cmd.Scope != schema.ScopeAdmin {
		return deny("the bot is disabled in this chat")
	}
	if reason, denied := m.blacklisted(root, chat, chatID, userID, cmd); denied {
		return deny(reason)
	}

	roles := m.EffectiveRoles(root, chat, userID, cmd.Service)
	isRoot := root.IsRoot(userID)

	switch cmd.Scope {
	case schema.ScopeBuiltin:
		return Decision{Allowed: true, EffectiveRoles: roles}
	case schema.ScopeRoot:
		if !isRoot {
			return deny("you do not have permission to use root commands")
		}
		return Decision{Allowed: true, EffectiveRoles: roles}
	case schema.ScopeAdmin:
		if isRoot {
			return Decision{Allowed: true, EffectiveRoles: roles}
		}
		if !chat.IsGroup() {
			return deny("admin commands require permission in a group chat")
		}
		if !m.holdsAdminAnywhere(chat, userID) {
			return deny("you do not have permission to use admin commands")
		}
		return Decision{Allowed: true, EffectiveRoles: roles}
	}

	// Service command.
	inst, ok := chat.Service(cmd.Service)
	if !ok {
		return deny("service " + cmd.Service + " is not installed in this chat")
	}
	if !inst.Enabled {
		return deny("service " + cmd.Service + " is disabled in this chat")
	}
	if !chat.IsGroup() {
		svc, _ := m.loader.Get(cmd.Service)
		if svc == nil || !svc.AllowInPrivateChat {
			return deny("service " + cmd.Service + " is not available in private chats")
		}
	}
	idx, ok := BestMatchingSyntax(roles, cmd.Def)
	if !ok {
		return deny("you do not have permission to use this command")
	}
	return Decision{Allowed: true, EffectiveRoles: roles, SyntaxIndex: idx}
}

// blacklisted evaluates the global then the group blacklist. Any match
// denies.
func (m *Manager) blacklisted(root *state.RootState, chat *state.ChatState, chatID, userID string, cmd *parser.Command) (string, bool) {
	for _, entry := range root.Blacklist {
		if entry.Matches(userID, chatID, cmd.Service, cmd.Name) {
			return "you are blacklisted from using this command", true
		}
	}
	for _, entry := range chat.Blacklist {
		if entry.Matches(userID, chatID, cmd.Service, cmd.Name) {
			return "you are blacklisted from using this command in this chat", true
		}
	}
	return "", false
}

// holdsAdminAnywhere reports whether the user holds the admin role in any
// installed service of the chat. Admin is a per-service role, not an
// inherent chat attribute.
func (m *Manager) holdsAdminAnywhere(chat *state.ChatState, userID string) bool {
	for _, inst := range chat.Services {
		if inst.HasRole(schema.RoleAdmin, userID) {
			return true
		}
	}
	return false
}

// BestMatchingSyntax returns the lowest-indexed syntax whose role set
// contains the wildcard or intersects the user's roles. There is no implicit
// admin bypass; admin must be listed to reach an admin-gated syntax.
func BestMatchingSyntax(roles []string, def *schema.CommandDef) (int, bool) {
	if def == nil {
		return 0, false
	}
	if len(def.Syntaxes) == 0 {
		fallback := schema.Syntax{AllowedRoles: def.AllowedRoles}
		if len(def.AllowedRoles) == 0 || fallback.AllowsAny(roles) {
			return 0, true
		}
		return 0, false
	}
	for i, syntax := range def.Syntaxes {
		if syntax.AllowsAny(roles) {
			return i, true
		}
	}
	return 0, false
}
