package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wappabot/wappa/internal/config"
)

func TestSendReplyPostsJSON(t *testing.T) {
	var got sendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/send", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(nil, config.GatewayConfig{BaseURL: srv.URL, Token: "secret"})
	err := c.SendReply(context.Background(), "g1@g.us", "Pong", "msg-1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "g1@g.us", got.ChatID)
	assert.Equal(t, "Pong", got.Body)
	assert.Equal(t, "msg-1", got.ReplyToID)
}

func TestSendMessageOmitsReplyTo(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(nil, config.GatewayConfig{BaseURL: srv.URL})
	require.NoError(t, c.SendMessage(context.Background(), "u@s.whatsapp.net", "hi"))
	assert.Empty(t, got.ReplyToID)
}

func TestSendSurfacesGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "device offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(nil, config.GatewayConfig{BaseURL: srv.URL})
	err := c.SendMessage(context.Background(), "g1@g.us", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "device offline")
}

func TestParticipantsDecodesMemberList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/groups/g1@g.us/participants", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"participants": []map[string]any{
				{"jid": "a@s.whatsapp.net", "name": "Ada", "is_admin": true},
				{"jid": "b@s.whatsapp.net", "name": "Ben"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(nil, config.GatewayConfig{BaseURL: srv.URL})
	members, err := c.Participants(context.Background(), "g1@g.us")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "a@s.whatsapp.net", members[0].ID)
	assert.True(t, members[0].IsAdmin)
	assert.Equal(t, "Ben", members[1].Name)
	assert.False(t, members[1].IsAdmin)
}

func TestParticipantsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(nil, config.GatewayConfig{BaseURL: srv.URL})
	_, err := c.Participants(context.Background(), "missing@g.us")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
