package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEscapeIsAnInvolution(t *testing.T) {
	cases := []struct {
		in      string
		encoded string
	}{
		{"plain", "plain"},
		{"group-1@g.us", "group-1@g~us"},
		{"already~tilde", "already.tilde"},
		{"a.b~c", "a~b.c"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.encoded, EncodeKey(tc.in))
		assert.Equal(t, tc.in, DecodeKey(EncodeKey(tc.in)))
	}
}

func TestDocumentRoundTripPreservesDottedKeys(t *testing.T) {
	doc := &Document{
		Root: RootState{
			RootUsers: []string{"111@s.whatsapp.net"},
			Enabled:   true,
			Settings:  map[string]any{"invoke.pattern": "^wappa\\b"},
		},
		Chats: map[string]*ChatState{
			"group-1@g.us": {
				ChatType: ChatTypeGroup,
				Enabled:  true,
				DisplayNames: map[string]string{
					"222@s.whatsapp.net": "Ada",
				},
				Services: map[string]*ServiceInstance{
					"exp": {
						Enabled: true,
						Roles:   map[string][]string{"member": {"222@s.whatsapp.net"}},
						Storage: map[string][]map[string]any{
							"expenses": {{"item": "Lunch", "price": float64(50)}},
						},
					},
				},
			},
		},
	}

	data, err := marshalDocument(doc)
	require.NoError(t, err)
	// Dotted keys must not reach the store verbatim.
	assert.NotContains(t, string(data), `"group-1@g.us"`)
	assert.Contains(t, string(data), `"group-1@g~us"`)
	assert.NotContains(t, string(data), `"invoke.pattern"`)

	back, err := unmarshalDocument(data)
	require.NoError(t, err)
	chat, ok := back.Chats["group-1@g.us"]
	require.True(t, ok)
	assert.Equal(t, "Ada", chat.DisplayNames["222@s.whatsapp.net"])
	assert.Equal(t, "^wappa\\b", back.Root.Settings["invoke.pattern"])
	inst, ok := chat.Service("exp")
	require.True(t, ok)
	assert.Equal(t, "Lunch", inst.Storage["expenses"][0]["item"])
}

func TestCloneChatIsIndependent(t *testing.T) {
	chat := &ChatState{
		ChatType:     ChatTypeGroup,
		Enabled:      true,
		DisplayNames: map[string]string{"222@s.whatsapp.net": "Ada"},
	}
	clone, err := cloneChat(chat)
	require.NoError(t, err)
	clone.DisplayNames["222@s.whatsapp.net"] = "Grace"
	assert.Equal(t, "Ada", chat.DisplayNames["222@s.whatsapp.net"])
}
