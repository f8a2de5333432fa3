// Package schema holds the immutable command catalog: argument types, scope
// and service definitions, and the registry that binds declared commands to
// handler implementations.
package schema

import (
	"strings"
)

// Scope names with a fixed command catalog. Any other scope is a service id.
const (
	ScopeBuiltin = "builtin"
	ScopeAdmin   = "admin"
	ScopeRoot    = "root"
)

// RoleWildcard grants a syntax or role list to every user.
const RoleWildcard = "*"

// Roles every service carries even when its definition omits them.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// TypeDef describes one entry of the argument type catalog.
type TypeDef struct {
	Description string   `yaml:"description" validate:"required"`
	DerivedFrom string   `yaml:"derived_from"`
	Examples    []string `yaml:"examples"`
}

// ParameterDef describes a single command parameter.
type ParameterDef struct {
	Name        string `yaml:"name" validate:"required"`
	Type        string `yaml:"type" validate:"required"`
	IsList      bool   `yaml:"is_list"`
	Optional    bool   `yaml:"optional"`
	Default     any    `yaml:"default"`
	Description string `yaml:"description"`
	Min         int    `yaml:"min"`
	Max         int    `yaml:"max"`
}

// Syntax pairs an ordered parameter list with the roles allowed to use it.
type Syntax struct {
	AllowedRoles []string       `yaml:"allowed_roles"`
	Parameters   []ParameterDef `yaml:"parameters" validate:"dive"`
}

// AllowsAny reports whether the syntax role set contains the wildcard or
// intersects the given roles.
func (s Syntax) AllowsAny(roles []string) bool {
	for _, allowed := range s.AllowedRoles {
		if allowed == RoleWildcard {
			return true
		}
		for _, have := range roles {
			if strings.EqualFold(allowed, have) {
				return true
			}
		}
	}
	return false
}

// CommandDef describes one command of a scope or service.
type CommandDef struct {
	Name         string   `yaml:"name" validate:"required"`
	Description  string   `yaml:"description"`
	Interactive  *bool    `yaml:"interactive"`
	AllowedRoles []string `yaml:"allowed_roles"`
	Syntaxes     []Syntax `yaml:"syntaxes" validate:"dive"`
}

// IsInteractive reports whether missing required arguments open a prompt
// session. Defaults to true when the catalog does not say otherwise.
func (c CommandDef) IsInteractive() bool {
	if c.Interactive == nil {
		return true
	}
	return *c.Interactive
}

// Syntax returns the syntax at index i, falling back to an empty syntax with
// the command-level role fallback when none are declared.
func (c CommandDef) Syntax(i int) Syntax {
	if len(c.Syntaxes) == 0 {
		return Syntax{AllowedRoles: c.AllowedRoles}
	}
	if i < 0 || i >= len(c.Syntaxes) {
		i = 0
	}
	return c.Syntaxes[i]
}

// SettingDef describes one declared setting of a scope or service.
type SettingDef struct {
	Description string `yaml:"description"`
	Default     any    `yaml:"default"`
}

// StorageDef declares a named record list owned by a service.
type StorageDef struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`
}

// ScopeDef is the command catalog of one of the fixed scopes.
type ScopeDef struct {
	Name     string                `yaml:"name"`
	Settings map[string]SettingDef `yaml:"settings"`
	Commands []CommandDef          `yaml:"commands" validate:"dive"`
}

// Command returns the scope command with the given name, case-insensitively.
func (s *ScopeDef) Command(name string) (*CommandDef, bool) {
	return findCommand(s.Commands, name)
}

// ServiceDef describes an installable service.
type ServiceDef struct {
	ID                 string                `yaml:"id" validate:"required"`
	DisplayName        string                `yaml:"display_name"`
	Description        string                `yaml:"description"`
	Roles              []string              `yaml:"roles"`
	AllowInPrivateChat bool                  `yaml:"allow_in_private_chat"`
	OneCmdPerMsg       bool                  `yaml:"one_cmd_per_msg"`
	Commands           []CommandDef          `yaml:"commands" validate:"dive"`
	Settings           map[string]SettingDef `yaml:"settings"`
	Storage            []StorageDef          `yaml:"storage" validate:"dive"`
}

// Command returns the service command with the given name, case-insensitively.
func (s *ServiceDef) Command(name string) (*CommandDef, bool) {
	return findCommand(s.Commands, name)
}

func findCommand(commands []CommandDef, name string) (*CommandDef, bool) {
	for i := range commands {
		if strings.EqualFold(commands[i].Name, name) {
			return &commands[i], true
		}
	}
	return nil, false
}
