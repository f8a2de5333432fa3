// Package help renders the command overview and per-command usage text from
// the catalog. Output is WhatsApp-flavored markdown: *bold* headings and
// _italic_ annotations.
package help

import (
	"fmt"
	"strings"

	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/typeparse"
)

// Renderer builds help text for the commands a user can actually see.
type Renderer struct {
	loader *schema.Loader
	types  *typeparse.Parser
}

func NewRenderer(loader *schema.Loader, types *typeparse.Parser) *Renderer {
	return &Renderer{loader: loader, types: types}
}

// View narrows help output to one user's perspective: which services are
// installed in the chat and which roles the user holds per service.
type View struct {
	Installed []string            // installed service ids, catalog order
	Roles     map[string][]string // roles per service id
	IsRoot    bool
}

// Overview renders the command list: builtins always, installed services per
// the user's roles, root and admin sections when the user qualifies.
func (r *Renderer) Overview(v View) string {
	var b strings.Builder
	b.WriteString("*Commands*\n")

	if builtin, ok := r.loader.Scope(schema.ScopeBuiltin); ok {
		writeScopeSection(&b, "", builtin.Commands, nil, true)
	}

	for _, id := range v.Installed {
		svc, ok := r.loader.Get(id)
		if !ok {
			continue
		}
		roles := v.Roles[id]
		if v.IsRoot {
			roles = append([]string{schema.RoleAdmin}, roles...)
		}
		visible := visibleCommands(svc.Commands, roles)
		if len(visible) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n*%s* _(%s)_\n", displayName(svc), svc.ID)
		writeScopeSection(&b, svc.ID+" ", visible, roles, false)
	}

	if hasRole(v, schema.RoleAdmin) || v.IsRoot {
		if admin, ok := r.loader.Scope(schema.ScopeAdmin); ok {
			b.WriteString("\n*Admin*\n")
			writeScopeSection(&b, "admin ", admin.Commands, nil, true)
		}
	}
	if v.IsRoot {
		if root, ok := r.loader.Scope(schema.ScopeRoot); ok {
			b.WriteString("\n*Root*\n")
			writeScopeSection(&b, "root ", root.Commands, nil, true)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Topic renders detailed help for one service or one command name. The
// boolean reports whether the topic resolved to anything.
func (r *Renderer) Topic(v View, topic string) (string, bool) {
	topic = strings.TrimSpace(topic)
	if topic == "" || topic == "*" {
		return r.Overview(v), true
	}
	if svc, ok := r.loader.Get(topic); ok {
		return r.serviceHelp(v, svc), true
	}
	// A bare command name searches builtins first, then installed services.
	if def, ok := r.loader.Command(schema.ScopeBuiltin, topic); ok {
		return r.CommandHelp("", def), true
	}
	for _, id := range v.Installed {
		if def, ok := r.loader.Command(id, topic); ok {
			return r.CommandHelp(id, def), true
		}
	}
	return "", false
}

func (r *Renderer) serviceHelp(v View, svc *schema.ServiceDef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* _(%s)_\n", displayName(svc), svc.ID)
	if svc.Description != "" {
		b.WriteString(svc.Description)
		b.WriteString("\n")
	}
	roles := v.Roles[svc.ID]
	if v.IsRoot {
		roles = append([]string{schema.RoleAdmin}, roles...)
	}
	for _, cmd := range visibleCommands(svc.Commands, roles) {
		b.WriteString("\n")
		b.WriteString(r.CommandHelp(svc.ID, &cmd))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// CommandHelp renders one command with every syntax and its parameters.
func (r *Renderer) CommandHelp(service string, def *schema.CommandDef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*", def.Name)
	if def.Description != "" {
		fmt.Fprintf(&b, ": %s", def.Description)
	}
	b.WriteString("\n")

	syntaxes := def.Syntaxes
	if len(syntaxes) == 0 {
		syntaxes = []schema.Syntax{{AllowedRoles: def.AllowedRoles}}
	}
	for _, syntax := range syntaxes {
		b.WriteString(usageLine(service, def.Name, syntax))
		b.WriteString("\n")
		for _, param := range syntax.Parameters {
			fmt.Fprintf(&b, "  %s _(%s)_", paramLabel(param), r.types.Describe(param.Type))
			if param.Description != "" {
				fmt.Fprintf(&b, " %s", param.Description)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// usageLine renders one invocation shape, e.g. `.exp add <amount> <item>`.
func usageLine(service, name string, syntax schema.Syntax) string {
	var b strings.Builder
	b.WriteString("`.")
	if service != "" {
		b.WriteString(service)
		b.WriteString(" ")
	}
	b.WriteString(name)
	for _, param := range syntax.Parameters {
		b.WriteString(" ")
		b.WriteString(paramLabel(param))
	}
	b.WriteString("`")
	return b.String()
}

func paramLabel(param schema.ParameterDef) string {
	name := param.Name
	if param.IsList {
		name += ",..."
	}
	if param.Optional || param.Default != nil {
		return "[" + name + "]"
	}
	return "<" + name + ">"
}

// writeScopeSection writes one bullet per command, in declaration order.
func writeScopeSection(b *strings.Builder, prefix string, commands []schema.CommandDef, roles []string, all bool) {
	for _, cmd := range commands {
		if !all && !commandVisible(cmd, roles) {
			continue
		}
		fmt.Fprintf(b, "- .%s%s", prefix, cmd.Name)
		if cmd.Description != "" {
			fmt.Fprintf(b, ": %s", cmd.Description)
		}
		b.WriteString("\n")
	}
}

func visibleCommands(commands []schema.CommandDef, roles []string) []schema.CommandDef {
	var out []schema.CommandDef
	for _, cmd := range commands {
		if commandVisible(cmd, roles) {
			out = append(out, cmd)
		}
	}
	return out
}

// commandVisible reports whether at least one syntax admits the roles.
func commandVisible(cmd schema.CommandDef, roles []string) bool {
	if len(cmd.Syntaxes) == 0 {
		s := schema.Syntax{AllowedRoles: cmd.AllowedRoles}
		return len(cmd.AllowedRoles) == 0 || s.AllowsAny(roles)
	}
	for _, syntax := range cmd.Syntaxes {
		if syntax.AllowsAny(roles) {
			return true
		}
	}
	return false
}

func hasRole(v View, role string) bool {
	for _, roles := range v.Roles {
		for _, r := range roles {
			if r == role {
				return true
			}
		}
	}
	return false
}

func displayName(svc *schema.ServiceDef) string {
	if svc.DisplayName != "" {
		return svc.DisplayName
	}
	return svc.ID
}
