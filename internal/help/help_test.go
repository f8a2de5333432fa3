package help

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/typeparse"
)

func testRenderer(t *testing.T) *Renderer {
	t.Helper()
	loader, err := schema.NewLoader(nil)
	require.NoError(t, err)
	return NewRenderer(loader, typeparse.New(loader))
}

func TestOverviewBuiltinsAlways(t *testing.T) {
	r := testRenderer(t)
	out := r.Overview(View{})
	assert.True(t, strings.HasPrefix(out, "*Commands*"))
	assert.Contains(t, out, "- .ping")
	assert.Contains(t, out, "- .help")
	assert.Contains(t, out, "- .id")
	assert.NotContains(t, out, "*Admin*")
	assert.NotContains(t, out, "*Root*")
	assert.NotContains(t, out, ".exp")
}

func TestOverviewDeclarationOrder(t *testing.T) {
	r := testRenderer(t)
	out := r.Overview(View{})
	ping := strings.Index(out, "- .ping")
	help := strings.Index(out, "- .help")
	id := strings.Index(out, "- .id")
	assert.True(t, ping < help && help < id, "builtins keep catalog order")
}

func TestOverviewInstalledServiceByRole(t *testing.T) {
	r := testRenderer(t)
	out := r.Overview(View{
		Installed: []string{"exp"},
		Roles:     map[string][]string{"exp": {"member"}},
	})
	assert.Contains(t, out, "*Expenses* _(exp)_")
	assert.Contains(t, out, "- .exp add")
	assert.Contains(t, out, "- .exp list")
	// edit is gated to child/parent/admin, invisible to a plain member.
	assert.NotContains(t, out, "- .exp edit")
	assert.NotContains(t, out, "- .exp delete")
}

func TestOverviewAdminAndRootSections(t *testing.T) {
	r := testRenderer(t)
	admin := r.Overview(View{
		Installed: []string{"exp"},
		Roles:     map[string][]string{"exp": {"admin"}},
	})
	assert.Contains(t, admin, "*Admin*")
	assert.Contains(t, admin, "- .admin role-add")
	assert.NotContains(t, admin, "*Root*")
	assert.Contains(t, admin, "- .exp edit")

	root := r.Overview(View{IsRoot: true, Installed: []string{"exp"}})
	assert.Contains(t, root, "*Root*")
	assert.Contains(t, root, "- .root install")
}

func TestTopicService(t *testing.T) {
	r := testRenderer(t)
	out, ok := r.Topic(View{
		Installed: []string{"exp"},
		Roles:     map[string][]string{"exp": {"parent"}},
	}, "exp")
	require.True(t, ok)
	assert.Contains(t, out, "*Expenses* _(exp)_")
	assert.Contains(t, out, "shared expense tracking per chat")
	assert.Contains(t, out, "`.exp add <amount> <item>`")
	assert.Contains(t, out, "[price]")
}

func TestTopicCommand(t *testing.T) {
	r := testRenderer(t)
	out, ok := r.Topic(View{Installed: []string{"exp"}}, "add")
	require.True(t, ok)
	assert.Contains(t, out, "*add*: record an expense")
	assert.Contains(t, out, "<amount> _(whole number)_ Amount")
}

func TestTopicUnknown(t *testing.T) {
	r := testRenderer(t)
	_, ok := r.Topic(View{}, "nope")
	assert.False(t, ok)
}

func TestTopicStarIsOverview(t *testing.T) {
	r := testRenderer(t)
	out, ok := r.Topic(View{}, "*")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(out, "*Commands*"))
}
