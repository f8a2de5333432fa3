// Package webhook receives gateway events over HTTP and feeds them into the
// router's ordered lanes.
package webhook

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wappabot/wappa/internal/router"
)

// Event kinds the handler acts on; everything else is acknowledged
// un-handled.
const (
	EventMessage      = "message"
	EventParticipants = "group.participants"
)

type event struct {
	Event    string  `json:"event"`
	DeviceID string  `json:"device_id"`
	Payload  payload `json:"payload"`
}

type payload struct {
	// message fields
	ID          string `json:"id"`
	ChatID      string `json:"chat_id"`
	From        string `json:"from"`
	FromName    string `json:"from_name"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"timestamp"`
	RepliedToID string `json:"replied_to_id"`
	QuotedBody  string `json:"quoted_body"`

	// group.participants fields
	Type string   `json:"type"`
	JIDs []string `json:"jids"`
}

// Handler decodes gateway webhooks.
type Handler struct {
	logger   *slog.Logger
	router   *router.Router
	token    string
	deviceID string
}

func NewHandler(log *slog.Logger, r *router.Router, token, deviceID string) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		logger:   log.With(slog.String("handler", "webhook")),
		router:   r,
		token:    token,
		deviceID: deviceID,
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.POST("/webhook", h.Handle)
}

func (h *Handler) Handle(c echo.Context) error {
	if h.token != "" && c.Request().Header.Get("Authorization") != "Bearer "+h.token {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid gateway token")
	}

	var ev event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed event")
	}

	switch ev.Event {
	case EventMessage:
		h.handleMessage(ev)
	case EventParticipants:
		h.handleParticipants(ev)
	default:
		h.logger.Debug("ignoring event", slog.String("event", ev.Event))
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *Handler) handleMessage(ev event) {
	p := ev.Payload
	deviceID := ev.DeviceID
	if deviceID == "" {
		deviceID = h.deviceID
	}
	h.router.Dispatch(router.Message{
		ID:          p.ID,
		ChatID:      p.ChatID,
		ChatType:    chatTypeOf(p.ChatID),
		UserID:      p.From,
		UserName:    p.FromName,
		Body:        p.Body,
		FromMe:      deviceID != "" && p.From == deviceID,
		RepliedToID: p.RepliedToID,
		QuotedBody:  p.QuotedBody,
	})
}

func (h *Handler) handleParticipants(ev event) {
	p := ev.Payload
	users := make([]router.ParticipantUpdate, 0, len(p.JIDs))
	for _, jid := range p.JIDs {
		users = append(users, router.ParticipantUpdate{ID: jid})
	}
	h.router.DispatchParticipants(router.ParticipantsEvent{
		ChatID: p.ChatID,
		Action: p.Type,
		Users:  users,
	})
}

func chatTypeOf(chatID string) string {
	if strings.HasSuffix(chatID, "@g.us") {
		return "group"
	}
	return "private"
}
