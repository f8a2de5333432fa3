// Package state owns the single mutable bot-state document: root
// configuration, per-chat state, installed service instances, sessions, and
// blacklists. All mutation happens under a chat-scoped lock and is persisted
// through a pluggable document store.
package state

import (
	"strings"
	"time"
)

// Chat types.
const (
	ChatTypeGroup   = "group"
	ChatTypePrivate = "private"
)

// Wildcard matches any id in a blacklist scope field.
const Wildcard = "*"

// Document is the whole persisted aggregate.
type Document struct {
	Root  RootState             `json:"root"`
	Chats map[string]*ChatState `json:"chats"`
}

// RootState is the global slice of the document.
type RootState struct {
	RootUsers []string         `json:"rootUsers"`
	Settings  map[string]any   `json:"settings,omitempty"`
	Enabled   bool             `json:"enabled"`
	Blacklist []BlacklistEntry `json:"blacklist,omitempty"`
}

// IsRoot reports whether the user is a root operator.
func (r *RootState) IsRoot(userID string) bool {
	for _, id := range r.RootUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// BlacklistEntry denies a user, optionally narrowed by group, service and
// command. An empty field means the same as the wildcard.
type BlacklistEntry struct {
	UserID   string   `json:"userId"`
	Groups   []string `json:"groups,omitempty"`
	Services []string `json:"services,omitempty"`
	Commands []string `json:"commands,omitempty"`
}

// Matches reports whether the entry denies the given invocation. Every
// populated scope field must match.
func (e BlacklistEntry) Matches(userID, chatID, service, command string) bool {
	if e.UserID != userID {
		return false
	}
	return scopeMatches(e.Groups, chatID) &&
		scopeMatches(e.Services, service) &&
		scopeMatches(e.Commands, command)
}

func scopeMatches(scope []string, id string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, entry := range scope {
		if entry == Wildcard || strings.EqualFold(entry, id) {
			return true
		}
	}
	return false
}

// ArgsOnlyCommand designates the service command bare lines bind to.
type ArgsOnlyCommand struct {
	Service string `json:"service"`
	Command string `json:"command"`
}

// AdminSettings are the per-chat settings owned by chat admins.
type AdminSettings struct {
	ArgsOnlyCommand      *ArgsOnlyCommand `json:"argsOnlyCommand,omitempty"`
	DisableServicePrefix string           `json:"disableServicePrefix,omitempty"`
	ReplyOnParsingError  bool             `json:"replyOnParsingError,omitempty"`
	Extra                map[string]any   `json:"extra,omitempty"`
}

// ChatState is the per-chat slice of the document, created lazily on the
// first message from a chat.
type ChatState struct {
	ChatType      string                      `json:"chatType"`
	Enabled       bool                        `json:"enabled"`
	AdminSettings AdminSettings               `json:"adminSettings"`
	Services      map[string]*ServiceInstance `json:"services,omitempty"`
	DisplayNames  map[string]string           `json:"displayNames,omitempty"`
	Blacklist     []BlacklistEntry            `json:"blacklist,omitempty"`
	Sessions      map[string]*Session         `json:"sessions,omitempty"`
}

// Service returns the installed instance for a service id, if any.
func (c *ChatState) Service(id string) (*ServiceInstance, bool) {
	inst, ok := c.Services[id]
	return inst, ok
}

// IsGroup reports whether the chat is a group chat.
func (c *ChatState) IsGroup() bool {
	return c.ChatType == ChatTypeGroup
}

// ServiceInstance is the per-(chat, service) runtime state.
type ServiceInstance struct {
	Enabled  bool                        `json:"enabled"`
	Roles    map[string][]string         `json:"roles"`
	Settings map[string]any              `json:"settings,omitempty"`
	Storage  map[string][]map[string]any `json:"storage,omitempty"`
}

// HasRole reports whether the user holds the role, either directly or via a
// wildcard member entry.
func (s *ServiceInstance) HasRole(role, userID string) bool {
	for _, id := range s.Roles[role] {
		if id == Wildcard || id == userID {
			return true
		}
	}
	return false
}

// RolesOf returns every role the user holds in this instance.
func (s *ServiceInstance) RolesOf(userID string) []string {
	var out []string
	for role := range s.Roles {
		if s.HasRole(role, userID) {
			out = append(out, role)
		}
	}
	return out
}

// AddRole adds the user to a role list, once.
func (s *ServiceInstance) AddRole(role, userID string) {
	if s.Roles == nil {
		s.Roles = map[string][]string{}
	}
	for _, id := range s.Roles[role] {
		if id == userID {
			return
		}
	}
	s.Roles[role] = append(s.Roles[role], userID)
}

// RemoveRole removes the user from a role list.
func (s *ServiceInstance) RemoveRole(role, userID string) {
	list := s.Roles[role]
	for i, id := range list {
		if id == userID {
			s.Roles[role] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// RemoveUser removes the user from every role list.
func (s *ServiceInstance) RemoveUser(userID string) {
	for role := range s.Roles {
		s.RemoveRole(role, userID)
	}
}

// Session is persisted conversational state collecting missing arguments.
// It lives inside the chat state so prompts survive restarts. At most one
// session exists per (chat, user).
type Session struct {
	Scope       string         `json:"scope"`
	Service     string         `json:"service,omitempty"`
	Command     string         `json:"command"`
	SyntaxIndex int            `json:"syntaxIndex"`
	Args        map[string]any `json:"args"`
	Pending     []string       `json:"pending"`
	Index       int            `json:"index"`
	Roles       []string       `json:"roles"`
	StartedAt   time.Time      `json:"startedAt"`
	LastActive  time.Time      `json:"lastActive"`
}

// Current returns the parameter name awaiting input.
func (s *Session) Current() string {
	if s.Index < 0 || s.Index >= len(s.Pending) {
		return ""
	}
	return s.Pending[s.Index]
}

// Complete reports whether every pending parameter has been collected.
func (s *Session) Complete() bool {
	return s.Index >= len(s.Pending)
}

// Expired reports whether the session idled past the given timeout.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActive) > timeout
}

// AuditStatus values of an audit record.
const (
	AuditPending = "pending"
	AuditSuccess = "success"
	AuditError   = "error"
)
