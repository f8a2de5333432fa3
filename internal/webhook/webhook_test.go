package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wappabot/wappa/internal/audit"
	"github.com/wappabot/wappa/internal/help"
	"github.com/wappabot/wappa/internal/parser"
	"github.com/wappabot/wappa/internal/permission"
	"github.com/wappabot/wappa/internal/router"
	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/services"
	"github.com/wappabot/wappa/internal/session"
	"github.com/wappabot/wappa/internal/state"
	"github.com/wappabot/wappa/internal/storage"
	"github.com/wappabot/wappa/internal/typeparse"
)

type noopParticipants struct{}

func (noopParticipants) Participants(ctx context.Context, chatID string) ([]services.Participant, error) {
	return nil, nil
}

func newTestRouter(t *testing.T, sink audit.Sink) *router.Router {
	t.Helper()
	loader, err := schema.NewLoader(nil)
	require.NoError(t, err)

	types := typeparse.New(loader)
	states := state.NewManager(nil, state.NewMemoryStore(), "root@s.whatsapp.net")
	require.NoError(t, states.Load(context.Background()))
	require.NoError(t, services.Register(services.Deps{
		Loader:       loader,
		Types:        types,
		Help:         help.NewRenderer(loader, types),
		States:       states,
		Participants: noopParticipants{},
	}))

	return router.New(
		nil,
		loader,
		parser.New(nil, loader, types),
		types,
		permission.NewManager(nil, loader),
		session.NewEngine(nil, loader, types, 0),
		storage.NewManager(nil, loader),
		states,
		sink,
		nil,
	)
}

func post(t *testing.T, h *Handler, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.Register(e)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsBadToken(t *testing.T) {
	h := NewHandler(nil, newTestRouter(t, audit.NewMemorySink()), "secret", "")
	rec := post(t, h, `{"event":"message"}`, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	h := NewHandler(nil, newTestRouter(t, audit.NewMemorySink()), "", "")
	rec := post(t, h, `{"event":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	h := NewHandler(nil, newTestRouter(t, audit.NewMemorySink()), "", "")
	rec := post(t, h, `{"event":"presence","payload":{}}`, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWebhookDispatchesMessage(t *testing.T) {
	sink := audit.NewMemorySink()
	r := newTestRouter(t, sink)
	h := NewHandler(nil, r, "secret", "bot@s.whatsapp.net")

	rec := post(t, h, `{
		"event": "message",
		"payload": {
			"id": "m1",
			"chat_id": "g1@g.us",
			"from": "u@s.whatsapp.net",
			"from_name": "Uma",
			"body": "hello there"
		}
	}`, "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")

	require.NoError(t, r.Shutdown(context.Background()))
	records := sink.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "u@s.whatsapp.net", records[0].UserID)
	assert.Equal(t, "g1@g.us", records[0].ChatID)
	assert.Equal(t, "hello there", records[0].RawMessage)
}

func TestWebhookSkipsOwnMessages(t *testing.T) {
	sink := audit.NewMemorySink()
	r := newTestRouter(t, sink)
	h := NewHandler(nil, r, "", "bot@s.whatsapp.net")

	rec := post(t, h, `{
		"event": "message",
		"payload": {
			"id": "m2",
			"chat_id": "g1@g.us",
			"from": "bot@s.whatsapp.net",
			"body": ".ping"
		}
	}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Empty(t, sink.Snapshot())
}
