package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/state"
)

func registerAdmin(d Deps) {
	d.Loader.RegisterHandler(schema.ScopeAdmin, "settings", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		chat, err := chatOf(call)
		if err != nil {
			return nil, err
		}
		s := chat.AdminSettings
		var b strings.Builder
		b.WriteString("*Settings*\n")
		if s.ArgsOnlyCommand != nil {
			fmt.Fprintf(&b, "- argsOnlyCommand: %s %s\n", s.ArgsOnlyCommand.Service, s.ArgsOnlyCommand.Command)
		} else {
			b.WriteString("- argsOnlyCommand: (unset)\n")
		}
		fmt.Fprintf(&b, "- disableServicePrefix: %s\n", orUnset(s.DisableServicePrefix))
		fmt.Fprintf(&b, "- replyOnParsingError: %t", s.ReplyOnParsingError)
		return schema.Text(b.String()), nil
	})

	d.Loader.RegisterHandler(schema.ScopeAdmin, "set", handleAdminSet(d))
	d.Loader.RegisterHandler(schema.ScopeAdmin, "roles", handleRoles(d))
	d.Loader.RegisterHandler(schema.ScopeAdmin, "role-add", handleRoleChange(d, true))
	d.Loader.RegisterHandler(schema.ScopeAdmin, "role-remove", handleRoleChange(d, false))
	d.Loader.RegisterHandler(schema.ScopeAdmin, "enable", handleChatToggle(d, true))
	d.Loader.RegisterHandler(schema.ScopeAdmin, "disable", handleChatToggle(d, false))

	d.Loader.RegisterHandler(schema.ScopeAdmin, "blacklist", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		chat, err := chatOf(call)
		if err != nil {
			return nil, err
		}
		user := argString(call, "user")
		chat.Blacklist = append(chat.Blacklist, state.BlacklistEntry{
			UserID:   user,
			Services: argStrings(call, "services"),
			Commands: argStrings(call, "commands"),
		})
		return schema.Text(fmt.Sprintf("Blacklisted %s in this chat", user)), nil
	})

	d.Loader.RegisterHandler(schema.ScopeAdmin, "unblacklist", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		chat, err := chatOf(call)
		if err != nil {
			return nil, err
		}
		user := argString(call, "user")
		removed := 0
		kept := chat.Blacklist[:0]
		for _, entry := range chat.Blacklist {
			if entry.UserID == user {
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		chat.Blacklist = kept
		if removed == 0 {
			return schema.Text(fmt.Sprintf("%s was not blacklisted here", user)), nil
		}
		return schema.Text(fmt.Sprintf("Removed %d blacklist entries for %s", removed, user)), nil
	})
}

func handleAdminSet(d Deps) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		chat, err := chatOf(call)
		if err != nil {
			return nil, err
		}
		setting := argString(call, "setting")
		value := argString(call, "value")
		scope, _ := d.Loader.Scope(schema.ScopeAdmin)
		if _, declared := scope.Settings[setting]; !declared {
			return schema.Text(fmt.Sprintf("Unknown setting %q", setting)), nil
		}
		switch setting {
		case "argsOnlyCommand":
			if value == "" || value == "-" {
				chat.AdminSettings.ArgsOnlyCommand = nil
				return schema.Text("Cleared argsOnlyCommand"), nil
			}
			parts := strings.Fields(value)
			if len(parts) != 2 {
				return schema.Text(`argsOnlyCommand expects "<service> <command>"`), nil
			}
			if _, ok := d.Loader.Command(parts[0], parts[1]); !ok {
				return schema.Text(fmt.Sprintf("Unknown command %s %s", parts[0], parts[1])), nil
			}
			chat.AdminSettings.ArgsOnlyCommand = &state.ArgsOnlyCommand{Service: parts[0], Command: parts[1]}
		case "disableServicePrefix":
			if value == "" || value == "-" {
				chat.AdminSettings.DisableServicePrefix = ""
				return schema.Text("Cleared disableServicePrefix"), nil
			}
			if _, ok := d.Loader.Get(value); !ok {
				return schema.Text(fmt.Sprintf("Unknown service %q", value)), nil
			}
			chat.AdminSettings.DisableServicePrefix = value
		case "replyOnParsingError":
			switch strings.ToLower(value) {
			case "true", "yes", "on", "1":
				chat.AdminSettings.ReplyOnParsingError = true
			case "false", "no", "off", "0":
				chat.AdminSettings.ReplyOnParsingError = false
			default:
				return schema.Text(fmt.Sprintf("%q is not yes or no", value)), nil
			}
		default:
			if chat.AdminSettings.Extra == nil {
				chat.AdminSettings.Extra = map[string]any{}
			}
			chat.AdminSettings.Extra[setting] = value
		}
		return schema.Text(fmt.Sprintf("Set %s", setting)), nil
	}
}

func handleRoles(d Deps) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		chat, err := chatOf(call)
		if err != nil {
			return nil, err
		}
		serviceID := argString(call, "service")
		inst, ok := chat.Service(serviceID)
		if !ok {
			return schema.Text(fmt.Sprintf("%s is not installed", serviceID)), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "*Roles of %s*\n", serviceID)
		for _, role := range d.Loader.Roles(serviceID) {
			members := append([]string(nil), inst.Roles[role]...)
			sort.Strings(members)
			labels := make([]string, len(members))
			for i, id := range members {
				labels[i] = displayLabel(chat, id)
			}
			fmt.Fprintf(&b, "- %s: %s\n", role, orNone(strings.Join(labels, ", ")))
		}
		return schema.Text(strings.TrimRight(b.String(), "\n")), nil
	}
}

func handleRoleChange(d Deps, add bool) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		chat, err := chatOf(call)
		if err != nil {
			return nil, err
		}
		serviceID := argString(call, "service")
		role := argString(call, "role")
		users := argStrings(call, "users")

		inst, ok := chat.Service(serviceID)
		if !ok {
			return schema.Text(fmt.Sprintf("%s is not installed", serviceID)), nil
		}
		if !validRole(d.Loader.Roles(serviceID), role) {
			return schema.Text(fmt.Sprintf("Service %s has no role %q", serviceID, role)), nil
		}
		for _, user := range users {
			if add {
				inst.AddRole(role, user)
			} else {
				inst.RemoveRole(role, user)
			}
		}
		verb := "Added"
		prep := "to"
		if !add {
			verb = "Removed"
			prep = "from"
		}
		return schema.Text(fmt.Sprintf("%s %d users %s %s/%s", verb, len(users), prep, serviceID, role)), nil
	}
}

func handleChatToggle(d Deps, enable bool) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		chat, err := chatOf(call)
		if err != nil {
			return nil, err
		}
		target := argString(call, "service")
		if target == "" || target == state.Wildcard {
			chat.Enabled = enable
			if enable {
				return schema.Text("Bot enabled in this chat"), nil
			}
			return schema.Text("Bot disabled in this chat"), nil
		}
		inst, ok := chat.Service(target)
		if !ok {
			return schema.Text(fmt.Sprintf("%s is not installed", target)), nil
		}
		inst.Enabled = enable
		if enable {
			return schema.Text(fmt.Sprintf("Enabled %s", target)), nil
		}
		return schema.Text(fmt.Sprintf("Disabled %s", target)), nil
	}
}

func validRole(roles []string, role string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func displayLabel(chat *state.ChatState, userID string) string {
	if userID == state.Wildcard {
		return "everyone"
	}
	if name, ok := chat.DisplayNames[userID]; ok && name != "" {
		return name
	}
	return userID
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
