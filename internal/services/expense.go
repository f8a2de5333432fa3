package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/wappabot/wappa/internal/schema"
)

// The expense service: children record expenses, parents and admins review,
// edit and delete them.
const (
	expService   = "exp"
	expStore     = "expenses"
	expPageSize  = 10
	expRoleChild = "child"
)

func registerExpense(d Deps) {
	d.Loader.RegisterHandler(expService, "add", handleExpAdd(d))
	d.Loader.RegisterHandler(expService, "list", handleExpList(d))
	d.Loader.RegisterHandler(expService, "edit", handleExpEdit(d))
	d.Loader.RegisterHandler(expService, "delete", handleExpDelete(d))
	d.Loader.RegisterHandler(expService, "total", handleExpTotal(d))
	d.Loader.RegisterContextHook(expService, "edit", expEditContext(d))
}

func handleExpAdd(d Deps) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		amount, ok := argInt(call, "amount")
		if !ok {
			return schema.Text("Amount is required"), nil
		}
		item := argString(call, "item")
		if item == "" {
			return schema.Text("Item is required"), nil
		}
		_, err := call.Storage.Add(ctx, expStore, map[string]any{
			"amount": amount,
			"item":   item,
			"user":   call.UserID,
		})
		if err != nil {
			return nil, err
		}
		total, err := call.Storage.Aggregate(ctx, expStore, "amount", "sum", map[string]any{"user": call.UserID})
		if err != nil {
			return nil, err
		}
		return schema.Text(fmt.Sprintf("Added: %s - %d (new total: %s)", item, amount, formatAmount(total))), nil
	}
}

func handleExpList(d Deps) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		page, ok := argInt(call, "page")
		if !ok {
			page = 1
		}
		records, total, err := call.Storage.Paginate(ctx, expStore, page, expPageSize)
		if err != nil {
			return nil, err
		}
		if total == 0 {
			return schema.Text("No expenses recorded yet"), nil
		}
		var b strings.Builder
		b.WriteString("*Expenses*\n")
		offset := (page - 1) * expPageSize
		for i, rec := range records {
			name := call.State.ResolveUserName(ctx, asString(rec["user"]))
			fmt.Fprintf(&b, "%d. %s - %s (%s)\n", offset+i+1, asString(rec["item"]), formatValue(rec["amount"]), name)
		}
		pages := (total + expPageSize - 1) / expPageSize
		if pages > 1 {
			fmt.Fprintf(&b, "Page %d of %d", page, pages)
		}
		return schema.Text(strings.TrimRight(b.String(), "\n")), nil
	}
}

func handleExpEdit(d Deps) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		owner := call.UserID
		if call.SyntaxIndex == 1 {
			childNo, ok := argInt(call, "childNo")
			if !ok {
				return schema.Text("child number is required"), nil
			}
			children, err := call.State.UsersWithRole(ctx, expService, expRoleChild)
			if err != nil {
				return nil, err
			}
			if childNo < 1 || childNo > len(children) {
				return schema.Text(fmt.Sprintf("No child number %d", childNo)), nil
			}
			owner = children[childNo-1]
		}

		itemNo, ok := argInt(call, "itemNo")
		if !ok {
			return schema.Text("expense number is required"), nil
		}
		records, err := call.Storage.Query(ctx, expStore, map[string]any{"user": owner})
		if err != nil {
			return nil, err
		}
		if itemNo < 1 || itemNo > len(records) {
			return schema.Text(fmt.Sprintf("No expense number %d", itemNo)), nil
		}
		rec := records[itemNo-1]

		patch := map[string]any{}
		if price, ok := argInt(call, "price"); ok {
			patch["amount"] = price
		}
		if item := argString(call, "item"); item != "" {
			patch["item"] = item
		}
		if len(patch) == 0 {
			return schema.Text("Nothing to change"), nil
		}
		updated, found, err := call.Storage.Update(ctx, expStore, asString(rec["_id"]), patch)
		if err != nil {
			return nil, err
		}
		if !found {
			return schema.Text(fmt.Sprintf("No expense number %d", itemNo)), nil
		}
		return schema.Text(fmt.Sprintf("Updated: %s - %s",
			asString(updated["item"]), formatValue(updated["amount"]))), nil
	}
}

func handleExpDelete(d Deps) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		items := argInts(call, "items")
		if len(items) == 0 {
			return schema.Text("expense numbers are required"), nil
		}
		// Delete from the highest index down so earlier deletions do not
		// shift the remaining ones.
		sort.Sort(sort.Reverse(sort.IntSlice(items)))
		deleted := 0
		for _, index := range items {
			ok, err := call.Storage.DeleteByIndex(ctx, expStore, index)
			if err != nil {
				return nil, err
			}
			if ok {
				deleted++
			}
		}
		return schema.Text(fmt.Sprintf("Deleted %d expenses", deleted)), nil
	}
}

func handleExpTotal(d Deps) schema.Handler {
	return func(ctx context.Context, call *schema.Call) (*schema.Reply, error) {
		total, err := call.Storage.Aggregate(ctx, expStore, "amount", "sum", nil)
		if err != nil {
			return nil, err
		}
		count, err := call.Storage.Count(ctx, expStore, nil)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return schema.Text("No expenses recorded yet"), nil
		}
		return schema.Text(fmt.Sprintf("Total: %s %s (%d expenses)",
			formatAmount(total), expCurrency(d, call), count)), nil
	}
}

// expEditContext feeds the interactive edit session: a numbered child list
// for the childNo question and the owner's expenses for the itemNo question.
func expEditContext(d Deps) schema.ContextHook {
	return func(ctx context.Context, in schema.HookInput) (*schema.PromptContext, error) {
		chat, ok := d.States.Chat(in.ChatID)
		if !ok {
			return nil, nil
		}
		inst, ok := chat.Service(expService)
		if !ok {
			return nil, nil
		}
		switch in.Param {
		case "childNo":
			children := inst.Roles[expRoleChild]
			if len(children) == 0 {
				return &schema.PromptContext{EmptyMessage: "No children registered"}, nil
			}
			items := make([]schema.PromptItem, len(children))
			for i, id := range children {
				items[i] = schema.PromptItem{Label: displayLabel(chat, id)}
			}
			return &schema.PromptContext{Message: "Children:", List: items}, nil
		case "itemNo":
			owner := in.UserID
			if childNo, ok := asIndex(in.Args["childNo"]); ok {
				children := inst.Roles[expRoleChild]
				if childNo >= 1 && childNo <= len(children) {
					owner = children[childNo-1]
				}
			}
			records, err := in.Storage.Query(ctx, expStore, map[string]any{"user": owner})
			if err != nil {
				return nil, err
			}
			if len(records) == 0 {
				return &schema.PromptContext{EmptyMessage: "No expenses recorded"}, nil
			}
			items := make([]schema.PromptItem, len(records))
			for i, rec := range records {
				items[i] = schema.PromptItem{
					Label:    asString(rec["item"]),
					Sublabel: formatValue(rec["amount"]),
				}
			}
			return &schema.PromptContext{Message: "Expenses:", List: items}, nil
		}
		return nil, nil
	}
}

func expCurrency(d Deps, call *schema.Call) string {
	if chat, ok := d.States.Chat(call.ChatID); ok {
		if inst, ok := chat.Service(expService); ok {
			if c, ok := inst.Settings["currency"].(string); ok && c != "" {
				return c
			}
		}
	}
	if svc, ok := d.Loader.Get(expService); ok {
		if def, ok := svc.Settings["currency"]; ok {
			if c, ok := def.Default.(string); ok {
				return c
			}
		}
	}
	return ""
}

// argInts normalizes an int-list argument, tolerating float64 from persisted
// sessions.
func argInts(call *schema.Call, name string) []int {
	list, ok := call.Arg(name).([]any)
	if !ok {
		if n, ok := argInt(call, name); ok {
			return []int{n}
		}
		return nil
	}
	var out []int
	for _, item := range list {
		if n, ok := asIndex(item); ok {
			out = append(out, n)
		}
	}
	return out
}

func asIndex(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func formatValue(v any) string {
	switch n := v.(type) {
	case float64:
		return formatAmount(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatAmount(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%.2f", f)
}
