// Package parser turns raw message bodies into parsed commands: line
// splitting, invocation prefix detection, shell-like tokenization, and typed
// argument binding against the catalog.
package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/typeparse"
)

// DefaultInvokePattern matches a line starting with a single dot and captures
// the remainder. A double dot escapes literal text; Go's regexp has no
// lookahead, so the exclusion is spelled as a character class.
const DefaultInvokePattern = `^\.\s*([^.][\s\S]*)$`

var defaultInvokeRegexp = regexp.MustCompile(DefaultInvokePattern)

// CompileInvokePattern compiles a configured invocation pattern, falling back
// to the default for an empty string. The pattern must capture the command
// remainder in its last group.
func CompileInvokePattern(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return defaultInvokeRegexp, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invoke prefix pattern: %w", err)
	}
	if re.NumSubexp() == 0 {
		return nil, fmt.Errorf("invoke prefix pattern must capture the command remainder")
	}
	return re, nil
}

// ArgsOnlyBinding designates the command bare lines bind to.
type ArgsOnlyBinding struct {
	Service string
	Command string
}

// ChatContext carries the per-chat settings the parser needs.
type ChatContext struct {
	InvokePattern        *regexp.Regexp
	RootPrefix           string
	AdminPrefix          string
	ArgsOnly             *ArgsOnlyBinding
	DisableServicePrefix string
	Installed            map[string]bool

	// ReportArgsOnlyErrors surfaces binding failures of the whole-body
	// args-only attempt instead of silently ignoring them.
	ReportArgsOnlyErrors bool
}

func (c ChatContext) invokePattern() *regexp.Regexp {
	if c.InvokePattern != nil {
		return c.InvokePattern
	}
	return defaultInvokeRegexp
}

func (c ChatContext) installed(service string) bool {
	return c.Installed[service]
}

// Command is one parsed command ready for permission checking and dispatch.
type Command struct {
	Scope   string // builtin, admin, root, or a service id
	Service string // set when Scope is a service id
	Name    string // canonical command name
	Def     *schema.CommandDef

	Args        map[string]any
	Missing     []string // required parameters left unbound
	RawArgs     string   // raw argument portion, kept for rebinding
	SyntaxIndex int
	ArgsOnly    bool

	Unknown  bool   // prefixed line with no matching command
	ParseErr string // type-binding failure on a prefixed line
}

// Interactive reports whether this command may open a prompt session.
func (c *Command) Interactive() bool {
	return c.Def != nil && c.Def.IsInteractive()
}

// Parser resolves message bodies against the catalog.
type Parser struct {
	loader *schema.Loader
	types  *typeparse.Parser
	logger *slog.Logger
}

func New(log *slog.Logger, loader *schema.Loader, types *typeparse.Parser) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{
		loader: loader,
		types:  types,
		logger: log.With(slog.String("service", "parser")),
	}
}

// Parse turns a message body into zero or more commands. Lines that resolve
// to nothing are silently discarded.
func (p *Parser) Parse(body string, cctx ChatContext) []*Command {
	lines := splitLines(body)
	if len(lines) == 0 {
		return nil
	}
	pattern := cctx.invokePattern()

	// A message whose first line is not prefixed is first tried whole as an
	// args-only invocation.
	if m := pattern.FindStringSubmatch(lines[0]); m == nil {
		if cmd := p.parseArgsOnly(strings.TrimSpace(body), cctx); cmd != nil {
			return []*Command{cmd}
		}
		if cctx.ReportArgsOnlyErrors && cctx.ArgsOnly != nil && len(lines) == 1 {
			if cmd := p.bindArgsOnly(lines[0], cctx); cmd != nil {
				return []*Command{cmd}
			}
		}
	}

	var out []*Command
	for _, line := range lines {
		if m := pattern.FindStringSubmatch(line); m != nil {
			if cmd := p.parsePrefixed(m[len(m)-1], cctx); cmd != nil {
				out = append(out, cmd)
			}
			continue
		}
		if cmd := p.parseArgsOnly(line, cctx); cmd != nil {
			out = append(out, cmd)
		}
	}
	return out
}

// parsePrefixed dispatches a prefixed line by its first token.
func (p *Parser) parsePrefixed(rest string, cctx ChatContext) *Command {
	tokens := Tokenize(strings.TrimSpace(rest))
	if len(tokens) == 0 {
		return nil
	}
	head := tokens[0]

	if cctx.RootPrefix != "" && strings.EqualFold(head, cctx.RootPrefix) {
		return p.resolve(schema.ScopeRoot, "", tokens[1:], rest)
	}
	if cctx.AdminPrefix != "" && strings.EqualFold(head, cctx.AdminPrefix) {
		return p.resolve(schema.ScopeAdmin, "", tokens[1:], rest)
	}
	if def, ok := p.loader.Command(schema.ScopeBuiltin, head); ok {
		return p.bind(schema.ScopeBuiltin, "", def, tokens[1:], rawAfter(rest, 1))
	}
	if svc, ok := p.loader.Get(head); ok && cctx.installed(svc.ID) {
		return p.resolve(svc.ID, svc.ID, tokens[1:], rest)
	}
	if s := cctx.DisableServicePrefix; s != "" && cctx.installed(s) {
		if def, ok := p.loader.Command(s, head); ok {
			return p.bind(s, s, def, tokens[1:], rawAfter(rest, 1))
		}
	}
	return &Command{Name: head, Unknown: true, RawArgs: rest}
}

// resolve looks up the command named by the first remaining token within the
// given scope.
func (p *Parser) resolve(scope, service string, tokens []string, rest string) *Command {
	if len(tokens) == 0 {
		return &Command{Scope: scope, Service: service, Unknown: true, RawArgs: rest}
	}
	def, ok := p.loader.Command(scope, tokens[0])
	if !ok {
		return &Command{Scope: scope, Service: service, Name: tokens[0], Unknown: true, RawArgs: rest}
	}
	return p.bind(scope, service, def, tokens[1:], rawAfter(rest, 2))
}

// parseArgsOnly binds a bare line against the chat's designated command. The
// binding is accepted only when every required parameter resolves; otherwise
// the line is silently ignored.
func (p *Parser) parseArgsOnly(line string, cctx ChatContext) *Command {
	cmd := p.bindArgsOnly(line, cctx)
	if cmd == nil || cmd.ParseErr != "" || len(cmd.Missing) > 0 {
		return nil
	}
	return cmd
}

func (p *Parser) bindArgsOnly(line string, cctx ChatContext) *Command {
	binding := cctx.ArgsOnly
	if binding == nil || line == "" {
		return nil
	}
	if !cctx.installed(binding.Service) {
		return nil
	}
	def, ok := p.loader.Command(binding.Service, binding.Command)
	if !ok {
		return nil
	}
	cmd := p.bind(binding.Service, binding.Service, def, Tokenize(line), line)
	cmd.ArgsOnly = true
	return cmd
}

// bind binds tokens to the parameters of syntax 0. Rebind is used when
// permission selection picks another syntax.
func (p *Parser) bind(scope, service string, def *schema.CommandDef, tokens []string, rawArgs string) *Command {
	cmd := &Command{
		Scope:   scope,
		Service: service,
		Name:    def.Name,
		Def:     def,
		RawArgs: strings.TrimSpace(rawArgs),
	}
	p.bindSyntax(cmd, 0, tokens)
	return cmd
}

// Rebind re-binds the raw argument portion of a parsed command against the
// given syntax index.
func (p *Parser) Rebind(cmd *Command, syntaxIndex int) {
	if cmd.Def == nil || syntaxIndex == cmd.SyntaxIndex {
		return
	}
	p.bindSyntax(cmd, syntaxIndex, Tokenize(cmd.RawArgs))
}

func (p *Parser) bindSyntax(cmd *Command, syntaxIndex int, tokens []string) {
	syntax := cmd.Def.Syntax(syntaxIndex)
	cmd.SyntaxIndex = syntaxIndex
	cmd.Args = map[string]any{}
	cmd.Missing = nil
	cmd.ParseErr = ""

	params := syntax.Parameters
	for i, param := range params {
		var raw string
		switch {
		case i >= len(tokens):
			raw = ""
		case i == len(params)-1 && consumesRest(param):
			raw = strings.Join(tokens[i:], " ")
		default:
			raw = tokens[i]
		}
		value, err := p.types.Parse(raw, param)
		switch {
		case err == nil:
			if value != nil {
				cmd.Args[param.Name] = value
			}
		case errors.Is(err, typeparse.ErrMissing):
			cmd.Missing = append(cmd.Missing, param.Name)
		default:
			if cmd.ParseErr == "" {
				cmd.ParseErr = err.Error()
			}
		}
	}
}

// consumesRest reports whether a trailing parameter swallows all remaining
// tokens joined by single spaces. The free-text types string and Arguments
// do; extra tokens beyond the last parameter are otherwise discarded.
func consumesRest(param schema.ParameterDef) bool {
	for _, branch := range strings.Split(param.Type, "|") {
		switch strings.TrimSpace(branch) {
		case "string", "Arguments":
			return true
		}
	}
	return false
}

func splitLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// rawAfter strips the first n tokens from a line, returning the raw argument
// remainder with original quoting intact.
func rawAfter(line string, n int) string {
	rest := strings.TrimSpace(line)
	for i := 0; i < n; i++ {
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = strings.TrimSpace(rest[idx:])
	}
	return rest
}
