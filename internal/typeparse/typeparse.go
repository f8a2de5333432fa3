// Package typeparse validates raw argument tokens against the catalog's
// parameter definitions and converts them to typed values.
package typeparse

import (
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/wappabot/wappa/internal/schema"
)

var ErrMissing = errors.New("required argument missing")

// maxListValues caps list expansion when the parameter declares no max of
// its own, so a huge N-M range cannot balloon memory.
const maxListValues = 1000

// Catalog resolves type names; satisfied by *schema.Loader.
type Catalog interface {
	Type(name string) (schema.TypeDef, bool)
}

// Parser parses tokens against catalog types.
type Parser struct {
	catalog Catalog
}

func New(catalog Catalog) *Parser {
	return &Parser{catalog: catalog}
}

// Parse validates raw against def and returns the typed value. An empty raw
// with an optional definition yields the default (or nil); an empty raw on a
// required definition is ErrMissing.
func (p *Parser) Parse(raw string, def schema.ParameterDef) (any, error) {
	if raw == "" {
		if def.Default != nil {
			return def.Default, nil
		}
		if def.Optional {
			return nil, nil
		}
		return nil, ErrMissing
	}
	if def.IsList {
		return p.parseList(raw, def)
	}
	return p.parseUnion(raw, def.Type)
}

// Describe returns the human description of a type for prompt rendering.
// Union members are joined with " or ".
func (p *Parser) Describe(typeName string) string {
	var parts []string
	for _, branch := range strings.Split(typeName, "|") {
		branch = strings.TrimSpace(branch)
		if def, ok := p.catalog.Type(branch); ok && def.Description != "" {
			parts = append(parts, def.Description)
			continue
		}
		parts = append(parts, branch)
	}
	return strings.Join(parts, " or ")
}

// parseUnion tries each | branch left to right; the first success wins.
func (p *Parser) parseUnion(raw, typeName string) (any, error) {
	branches := strings.Split(typeName, "|")
	var firstErr error
	for _, branch := range branches {
		branch = strings.TrimSpace(branch)
		value, err := p.parseOne(raw, branch)
		if err == nil {
			return value, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if len(branches) > 1 {
		return nil, fmt.Errorf("%q does not match %s", raw, typeName)
	}
	return nil, firstErr
}

func (p *Parser) parseOne(raw, typeName string) (any, error) {
	// Derived types validate against their base first, then apply their own
	// shape check.
	if info, ok := p.catalog.Type(typeName); ok && info.DerivedFrom != "" {
		if _, err := parseBase(raw, info.DerivedFrom); err != nil {
			return nil, err
		}
		return parseDerived(raw, typeName)
	}
	return parseBase(raw, typeName)
}

func parseBase(raw, typeName string) (any, error) {
	switch typeName {
	case "int":
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a whole number", raw)
		}
		return n, nil
	case "float":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	case "bool":
		switch strings.ToLower(raw) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not yes or no", raw)
	case "word":
		if strings.ContainsAny(raw, " \t\n") {
			return nil, fmt.Errorf("%q must be a single word", raw)
		}
		return raw, nil
	case "string", "Arguments", "any":
		return raw, nil
	case "*":
		if raw != "*" {
			return nil, fmt.Errorf("%q is not *", raw)
		}
		return raw, nil
	case "date":
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			return nil, fmt.Errorf("%q is not a date (YYYY-MM-DD)", raw)
		}
		return raw, nil
	case "time":
		if _, err := time.Parse("15:04", raw); err != nil {
			if _, err := time.Parse("15:04:05", raw); err != nil {
				return nil, fmt.Errorf("%q is not a time (HH:MM[:SS])", raw)
			}
		}
		return raw, nil
	case "datetime":
		if _, err := time.Parse(time.RFC3339, raw); err != nil {
			return nil, fmt.Errorf("%q is not an ISO-8601 date-time", raw)
		}
		return raw, nil
	case "email":
		if err := checkEmail(raw); err != nil {
			return nil, err
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown type %q", typeName)
	}
}

func checkEmail(raw string) error {
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return fmt.Errorf("%q is not an email address", raw)
	}
	at := strings.LastIndex(raw, "@")
	if at < 1 || !strings.Contains(raw[at+1:], ".") {
		return fmt.Errorf("%q is not an email address", raw)
	}
	return nil
}

func parseDerived(raw, typeName string) (any, error) {
	switch typeName {
	case "GroupId":
		if !strings.HasSuffix(raw, "@g.us") {
			return nil, fmt.Errorf("%q is not a group id", raw)
		}
	case "UserId":
		if !strings.HasSuffix(raw, "@s.whatsapp.net") {
			return nil, fmt.Errorf("%q is not a user id", raw)
		}
	case "Role", "Service", "Command", "Setting":
		// word semantics already checked via the base type
	}
	return raw, nil
}

// parseList splits on unescaped commas, expands N-M integer ranges for
// numeric element types, deduplicates preserving first occurrence, and
// enforces min/max.
func (p *Parser) parseList(raw string, def schema.ParameterDef) (any, error) {
	tokens := splitList(raw)
	numeric := isNumericType(def.Type)
	limit := maxListValues
	if def.Max > 0 && def.Max < limit {
		limit = def.Max
	}
	var out []any
	seen := map[string]struct{}{}
	appendValue := func(v any) {
		key := fmt.Sprintf("%v", v)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if numeric {
			if lo, hi, ok := parseRange(token); ok {
				// Reject oversized ranges before expanding anything.
				span := hi - lo
				if span < 0 {
					span = -span
				}
				// A still-negative span means the subtraction overflowed.
				if span < 0 || span+1 > limit || len(out)+span+1 > limit {
					return nil, fmt.Errorf("at most %d values allowed", limit)
				}
				step := 1
				if hi < lo {
					step = -1
				}
				for n := lo; ; n += step {
					appendValue(n)
					if n == hi {
						break
					}
				}
				continue
			}
		}
		if len(out) >= limit {
			return nil, fmt.Errorf("at most %d values allowed", limit)
		}
		value, err := p.parseUnion(token, def.Type)
		if err != nil {
			return nil, err
		}
		appendValue(value)
	}
	if def.Min > 0 && len(out) < def.Min {
		return nil, fmt.Errorf("need at least %d values", def.Min)
	}
	if def.Max > 0 && len(out) > def.Max {
		return nil, fmt.Errorf("at most %d values allowed", def.Max)
	}
	return out, nil
}

// splitList splits on commas, honouring backslash escapes of the delimiter.
func splitList(raw string) []string {
	var out []string
	var b strings.Builder
	escaped := false
	for _, r := range raw {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			out = append(out, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if escaped {
		b.WriteRune('\\')
	}
	out = append(out, b.String())
	return out
}

func isNumericType(typeName string) bool {
	for _, branch := range strings.Split(typeName, "|") {
		switch strings.TrimSpace(branch) {
		case "int", "float":
			return true
		}
	}
	return false
}

// parseRange recognizes N-M inclusive integer ranges, ascending or
// descending. The search for the separator starts after the first rune so a
// lone negative number is not read as a range.
func parseRange(token string) (int, int, bool) {
	if len(token) < 3 {
		return 0, 0, false
	}
	sep := strings.Index(token[1:], "-")
	if sep < 0 {
		return 0, 0, false
	}
	sep++
	lo, err := strconv.Atoi(token[:sep])
	if err != nil {
		return 0, 0, false
	}
	hi, err := strconv.Atoi(token[sep+1:])
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
