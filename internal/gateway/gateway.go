// Package gateway is the HTTP client for the WhatsApp gateway: outbound
// sends and group participant lookups. Every request carries the shared
// token and a hard timeout; sends go through a client-side rate limiter so a
// chatty handler cannot flood the gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wappabot/wappa/internal/config"
	"github.com/wappabot/wappa/internal/services"
)

const defaultTimeout = 30 * time.Second

// Client talks to the gateway. It implements schema.Sender and
// services.ParticipantSource.
type Client struct {
	logger  *slog.Logger
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(log *slog.Logger, cfg config.GatewayConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)+1)
	}
	return &Client{
		logger:  log.With(slog.String("service", "gateway")),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

type sendRequest struct {
	ChatID    string `json:"chat_id"`
	Body      string `json:"body"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// SendMessage posts an unsolicited message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	return c.send(ctx, sendRequest{ChatID: chatID, Body: text})
}

// SendReply posts a message quoting an earlier one.
func (c *Client) SendReply(ctx context.Context, chatID, text, replyToID string) error {
	return c.send(ctx, sendRequest{ChatID: chatID, Body: text, ReplyToID: replyToID})
}

func (c *Client) send(ctx context.Context, req sendRequest) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type participantsResponse struct {
	Participants []struct {
		JID     string `json:"jid"`
		Name    string `json:"name"`
		IsAdmin bool   `json:"is_admin"`
	} `json:"participants"`
}

// Participants fetches the member list of a group chat.
func (c *Client) Participants(ctx context.Context, chatID string) ([]services.Participant, error) {
	endpoint := c.baseURL + "/groups/" + url.PathEscape(chatID) + "/participants"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway participants: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway participants: status %d", resp.StatusCode)
	}
	var decoded participantsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	out := make([]services.Participant, 0, len(decoded.Participants))
	for _, p := range decoded.Participants {
		out = append(out, services.Participant{ID: p.JID, Name: p.Name, IsAdmin: p.IsAdmin})
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
