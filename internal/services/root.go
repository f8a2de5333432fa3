package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/wappabot/wappa/internal/parser"
	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/state"
)

func registerRoot(d Deps) {
	d.Loader.RegisterHandler(schema.ScopeRoot, "install", handleInstall(d))
	d.Loader.RegisterHandler(schema.ScopeRoot, "uninstall", handleUninstall(d))
	d.Loader.RegisterHandler(schema.ScopeRoot, "services", handleServices(d))

	d.Loader.RegisterHandler(schema.ScopeRoot, "enable", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		err := d.States.WithRoot(ctx, func(r *state.RootState) error {
			r.Enabled = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		return schema.Text("Bot enabled"), nil
	})

	d.Loader.RegisterHandler(schema.ScopeRoot, "disable", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		err := d.States.WithRoot(ctx, func(r *state.RootState) error {
			r.Enabled = false
			return nil
		})
		if err != nil {
			return nil, err
		}
		return schema.Text("Bot disabled"), nil
	})

	d.Loader.RegisterHandler(schema.ScopeRoot, "blacklist", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		user := argString(call, "user")
		entry := state.BlacklistEntry{
			UserID:   user,
			Groups:   argStrings(call, "groups"),
			Services: argStrings(call, "services"),
			Commands: argStrings(call, "commands"),
		}
		err := d.States.WithRoot(ctx, func(r *state.RootState) error {
			r.Blacklist = append(r.Blacklist, entry)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return schema.Text(fmt.Sprintf("Blacklisted %s", user)), nil
	})

	d.Loader.RegisterHandler(schema.ScopeRoot, "unblacklist", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		user := argString(call, "user")
		removed := 0
		err := d.States.WithRoot(ctx, func(r *state.RootState) error {
			kept := r.Blacklist[:0]
			for _, entry := range r.Blacklist {
				if entry.UserID == user {
					removed++
					continue
				}
				kept = append(kept, entry)
			}
			r.Blacklist = kept
			return nil
		})
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			return schema.Text(fmt.Sprintf("%s was not blacklisted", user)), nil
		}
		return schema.Text(fmt.Sprintf("Removed %d blacklist entries for %s", removed, user)), nil
	})

	d.Loader.RegisterHandler(schema.ScopeRoot, "set", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		setting := argString(call, "setting")
		value := argString(call, "value")
		scope, _ := d.Loader.Scope(schema.ScopeRoot)
		if _, declared := scope.Settings[setting]; !declared {
			return schema.Text(fmt.Sprintf("Unknown setting %q", setting)), nil
		}
		if setting == "invokePrefixPattern" {
			if _, err := parser.CompileInvokePattern(value); err != nil {
				return schema.Text(fmt.Sprintf("Invalid pattern: %v", err)), nil
			}
		}
		err := d.States.WithRoot(ctx, func(r *state.RootState) error {
			if r.Settings == nil {
				r.Settings = map[string]any{}
			}
			r.Settings[setting] = value
			return nil
		})
		if err != nil {
			return nil, err
		}
		return schema.Text(fmt.Sprintf("Set %s", setting)), nil
	})
}

func handleInstall(d Deps) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		serviceID := argString(call, "service")
		svc, ok := d.Loader.Get(serviceID)
		if !ok {
			return schema.Text(fmt.Sprintf("Unknown service %q", serviceID)), nil
		}
		target := argString(call, "chat")
		if target == "" {
			target = call.ChatID
		}

		install := func(chat *state.ChatState) (string, error) {
			if _, exists := chat.Service(svc.ID); exists {
				return fmt.Sprintf("%s is already installed", svc.ID), nil
			}
			inst := &state.ServiceInstance{
				Enabled: true,
				Roles:   map[string][]string{},
			}
			admins, members := 0, 0
			if chat.IsGroup() && d.Participants != nil {
				participants, err := d.Participants.Participants(ctx, target)
				if err != nil {
					return "", fmt.Errorf("fetch participants: %w", err)
				}
				for _, p := range participants {
					if p.Name != "" {
						if chat.DisplayNames == nil {
							chat.DisplayNames = map[string]string{}
						}
						chat.DisplayNames[p.ID] = p.Name
					}
					if p.IsAdmin {
						inst.AddRole(schema.RoleAdmin, p.ID)
						admins++
					} else {
						inst.AddRole(schema.RoleMember, p.ID)
						members++
					}
				}
			}
			if chat.Services == nil {
				chat.Services = map[string]*state.ServiceInstance{}
			}
			chat.Services[svc.ID] = inst
			return fmt.Sprintf("Installed %s (%d admins, %d members)", svc.ID, admins, members), nil
		}

		if target == call.ChatID {
			chat, err := chatOf(call)
			if err != nil {
				return nil, err
			}
			text, err := install(chat)
			if err != nil {
				return nil, err
			}
			return schema.Text(text), nil
		}

		chatType := state.ChatTypePrivate
		if strings.HasSuffix(target, "@g.us") {
			chatType = state.ChatTypeGroup
		}
		var text string
		err := d.States.MutateChat(ctx, target, chatType, func(chat *state.ChatState) error {
			var ierr error
			text, ierr = install(chat)
			return ierr
		})
		if err != nil {
			return nil, err
		}
		return schema.Text(text), nil
	}
}

func handleUninstall(d Deps) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		serviceID := argString(call, "service")
		target := argString(call, "chat")
		if target == "" {
			target = call.ChatID
		}

		uninstall := func(chat *state.ChatState) string {
			if _, ok := chat.Service(serviceID); !ok {
				return fmt.Sprintf("%s is not installed", serviceID)
			}
			delete(chat.Services, serviceID)
			return fmt.Sprintf("Uninstalled %s", serviceID)
		}

		if target == call.ChatID {
			chat, err := chatOf(call)
			if err != nil {
				return nil, err
			}
			return schema.Text(uninstall(chat)), nil
		}
		var text string
		err := d.States.MutateChat(ctx, target, state.ChatTypeGroup, func(chat *state.ChatState) error {
			text = uninstall(chat)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return schema.Text(text), nil
	}
}

func handleServices(d Deps) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		var b strings.Builder
		b.WriteString("*Services*\n")
		for _, svc := range d.Loader.Services() {
			chats := d.States.ChatsWith(svc.ID)
			fmt.Fprintf(&b, "- %s: installed in %d chats", svc.ID, len(chats))
			if len(chats) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(chats, ", "))
			}
			b.WriteString("\n")
		}
		return schema.Text(strings.TrimRight(b.String(), "\n")), nil
	}
}
