package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/wappabot/wappa/internal/help"
	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/state"
)

func registerBuiltin(d Deps) {
	d.Loader.RegisterHandler(schema.ScopeBuiltin, "ping", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		return schema.Text("Pong"), nil
	})

	d.Loader.RegisterHandler(schema.ScopeBuiltin, "id", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		return schema.Text(fmt.Sprintf("Chat: %s\nUser: %s", call.ChatID, call.UserID)), nil
	})

	d.Loader.RegisterHandler(schema.ScopeBuiltin, "help", func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		chat, err := chatOf(call)
		if err != nil {
			return nil, err
		}
		view := helpView(chat, call.UserID, d.States.IsRoot(call.UserID))
		topic := argString(call, "topic")
		if topic == "" {
			return schema.Text(d.Help.Overview(view)), nil
		}
		text, ok := d.Help.Topic(view, topic)
		if !ok {
			return schema.Text(fmt.Sprintf("Nothing known about %q. Try .help", topic)), nil
		}
		return schema.Text(text), nil
	})
}

// helpView narrows the help output to what this user can see in this chat.
func helpView(chat *state.ChatState, userID string, isRoot bool) help.View {
	view := help.View{
		Roles:  map[string][]string{},
		IsRoot: isRoot,
	}
	for id, inst := range chat.Services {
		view.Installed = append(view.Installed, id)
		view.Roles[id] = inst.RolesOf(userID)
	}
	sort.Strings(view.Installed)
	return view
}
