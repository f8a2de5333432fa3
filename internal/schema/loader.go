package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed catalog/*.yaml catalog/services/*.yaml
var catalogFS embed.FS

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrScopeNotFound   = errors.New("scope not found")
	ErrCommandNotFound = errors.New("command not found")
)

// Loader presents an immutable view of the schema catalog and maps declared
// commands to their handler implementations. It is built once at boot and
// never mutated afterwards; Seal freezes the handler registry.
type Loader struct {
	logger   *slog.Logger
	types    map[string]TypeDef
	scopes   map[string]*ScopeDef
	services map[string]*ServiceDef
	order    []string

	handlers map[string]Handler
	hooks    map[string]ContextHook
	sealed   bool
}

// NewLoader parses and validates the embedded catalog.
func NewLoader(log *slog.Logger) (*Loader, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Loader{
		logger:   log.With(slog.String("service", "schema")),
		types:    map[string]TypeDef{},
		scopes:   map[string]*ScopeDef{},
		services: map[string]*ServiceDef{},
		handlers: map[string]Handler{},
		hooks:    map[string]ContextHook{},
	}
	if err := l.loadCatalog(catalogFS); err != nil {
		return nil, err
	}
	if err := l.validate(); err != nil {
		return nil, err
	}
	return l, nil
}

type catalogFile struct {
	Types    map[string]TypeDef `yaml:"types"`
	Scope    *ScopeDef          `yaml:"scope"`
	Service  *ServiceDef        `yaml:"service"`
	FileName string             `yaml:"-"`
}

func (l *Loader) loadCatalog(fsys fs.FS) error {
	var names []string
	err := fs.WalkDir(fsys, "catalog", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".yaml") {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk catalog: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		for typeName, def := range file.Types {
			if _, ok := l.types[typeName]; ok {
				return fmt.Errorf("%s: duplicate type %q", name, typeName)
			}
			l.types[typeName] = def
		}
		if file.Scope != nil {
			scope := file.Scope
			if scope.Name == "" {
				return fmt.Errorf("%s: scope name is required", name)
			}
			if _, ok := l.scopes[scope.Name]; ok {
				return fmt.Errorf("%s: duplicate scope %q", name, scope.Name)
			}
			l.scopes[scope.Name] = scope
		}
		if file.Service != nil {
			svc := file.Service
			if _, ok := l.services[svc.ID]; ok {
				return fmt.Errorf("%s: duplicate service %q", name, svc.ID)
			}
			ensureBaseRoles(svc)
			l.services[svc.ID] = svc
			l.order = append(l.order, svc.ID)
		}
	}
	return nil
}

// ensureBaseRoles adds the implicit admin and member roles when a service
// definition omits them. Admin always sorts first.
func ensureBaseRoles(svc *ServiceDef) {
	hasAdmin, hasMember := false, false
	for _, role := range svc.Roles {
		switch role {
		case RoleAdmin:
			hasAdmin = true
		case RoleMember:
			hasMember = true
		}
	}
	if !hasMember {
		svc.Roles = append(svc.Roles, RoleMember)
	}
	if !hasAdmin {
		svc.Roles = append([]string{RoleAdmin}, svc.Roles...)
	}
}

func (l *Loader) validate() error {
	v := validator.New()
	for _, scopeName := range []string{ScopeBuiltin, ScopeAdmin, ScopeRoot} {
		if _, ok := l.scopes[scopeName]; !ok {
			return fmt.Errorf("catalog: missing %s scope", scopeName)
		}
	}
	for name, scope := range l.scopes {
		if err := v.Struct(scope); err != nil {
			return fmt.Errorf("scope %s: %w", name, err)
		}
		if err := l.validateCommands(scope.Commands); err != nil {
			return fmt.Errorf("scope %s: %w", name, err)
		}
	}
	for id, svc := range l.services {
		if err := v.Struct(svc); err != nil {
			return fmt.Errorf("service %s: %w", id, err)
		}
		if err := l.validateCommands(svc.Commands); err != nil {
			return fmt.Errorf("service %s: %w", id, err)
		}
	}
	return nil
}

func (l *Loader) validateCommands(commands []CommandDef) error {
	for _, cmd := range commands {
		for si, syntax := range cmd.Syntaxes {
			for _, param := range syntax.Parameters {
				if err := l.validateParamType(param.Type); err != nil {
					return fmt.Errorf("command %s syntax %d parameter %s: %w", cmd.Name, si, param.Name, err)
				}
				if param.IsList && param.Max > 0 && param.Min > param.Max {
					return fmt.Errorf("command %s syntax %d parameter %s: min > max", cmd.Name, si, param.Name)
				}
			}
		}
	}
	return nil
}

func (l *Loader) validateParamType(name string) error {
	for _, branch := range strings.Split(name, "|") {
		branch = strings.TrimSpace(branch)
		if branch == RoleWildcard {
			continue
		}
		if _, ok := l.types[branch]; !ok {
			return fmt.Errorf("unknown type %q", branch)
		}
	}
	return nil
}

// Type returns the catalog entry for the given type name.
func (l *Loader) Type(name string) (TypeDef, bool) {
	def, ok := l.types[name]
	return def, ok
}

// Get returns the service definition with the given id.
func (l *Loader) Get(serviceID string) (*ServiceDef, bool) {
	svc, ok := l.services[serviceID]
	return svc, ok
}

// Services returns all service definitions in catalog order.
func (l *Loader) Services() []*ServiceDef {
	out := make([]*ServiceDef, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.services[id])
	}
	return out
}

// Scope returns one of the fixed scope definitions.
func (l *Loader) Scope(name string) (*ScopeDef, bool) {
	scope, ok := l.scopes[name]
	return scope, ok
}

// Command looks up a command by scope (fixed scope name or service id),
// case-insensitively. The returned definition carries the canonical name.
func (l *Loader) Command(scope, name string) (*CommandDef, bool) {
	if sc, ok := l.scopes[scope]; ok {
		return sc.Command(name)
	}
	if svc, ok := l.services[scope]; ok {
		return svc.Command(name)
	}
	return nil, false
}

// Roles returns the ordered role list of a service, defaulting to
// [admin, member] for unknown services.
func (l *Loader) Roles(serviceID string) []string {
	if svc, ok := l.services[serviceID]; ok {
		return append([]string(nil), svc.Roles...)
	}
	return []string{RoleAdmin, RoleMember}
}

// RegisterHandler binds a handler to a declared command. Panics when called
// after Seal or for a command the catalog does not declare; handler wiring is
// a boot-time programming error, not a runtime condition.
func (l *Loader) RegisterHandler(scope, command string, fn Handler) {
	if l.sealed {
		panic("schema: RegisterHandler after Seal")
	}
	cmd, ok := l.Command(scope, command)
	if !ok {
		panic(fmt.Sprintf("schema: handler for undeclared command %s/%s", scope, command))
	}
	l.handlers[handlerKey(scope, cmd.Name)] = fn
}

// RegisterContextHook binds an interactive context hook to a command.
func (l *Loader) RegisterContextHook(scope, command string, fn ContextHook) {
	if l.sealed {
		panic("schema: RegisterContextHook after Seal")
	}
	cmd, ok := l.Command(scope, command)
	if !ok {
		panic(fmt.Sprintf("schema: hook for undeclared command %s/%s", scope, command))
	}
	l.hooks[handlerKey(scope, cmd.Name)] = fn
}

// Handler resolves the implementation for a command. Exact name first, then
// the dash-to-camel transform of it.
func (l *Loader) Handler(scope, command string) (Handler, bool) {
	if fn, ok := l.handlers[handlerKey(scope, command)]; ok {
		return fn, true
	}
	fn, ok := l.handlers[handlerKey(scope, dashToCamel(command))]
	return fn, ok
}

// ContextHook resolves the interactive context hook for a command, if any.
func (l *Loader) ContextHook(scope, command string) (ContextHook, bool) {
	if fn, ok := l.hooks[handlerKey(scope, command)]; ok {
		return fn, true
	}
	fn, ok := l.hooks[handlerKey(scope, dashToCamel(command))]
	return fn, ok
}

func handlerKey(scope, command string) string {
	return scope + "/" + strings.ToLower(command)
}

// Seal verifies every declared command of the builtin, admin and root scopes
// and of every service has an implementation, then freezes the registry.
// Failing at boot beats failing at first invocation.
func (l *Loader) Seal() error {
	check := func(scope string, commands []CommandDef) error {
		for _, cmd := range commands {
			if _, ok := l.Handler(scope, cmd.Name); !ok {
				return fmt.Errorf("schema: command %s/%s has no handler", scope, cmd.Name)
			}
		}
		return nil
	}
	for name, scope := range l.scopes {
		if err := check(name, scope.Commands); err != nil {
			return err
		}
	}
	for id, svc := range l.services {
		if err := check(id, svc.Commands); err != nil {
			return err
		}
	}
	l.sealed = true
	l.logger.Info("catalog sealed",
		slog.Int("services", len(l.services)),
		slog.Int("handlers", len(l.handlers)),
	)
	return nil
}

// dashToCamel turns role-add into roleAdd.
func dashToCamel(name string) string {
	parts := strings.Split(name, "-")
	if len(parts) == 1 {
		return name
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
