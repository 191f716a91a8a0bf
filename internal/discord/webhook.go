package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Embed colors for notification messages.
const (
	colorBlurple = 0x5865F2
	colorGreen   = 0x57F287
)

// embedField is one field of a webhook embed.
type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// embed is a Discord webhook embed payload.
type embed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields,omitempty"`
	Timestamp string       `json:"timestamp"`
}

// NotifyNewUser announces a first-time login. Failures are logged and
// swallowed; notifications never affect the primary operation.
func (c *Client) NotifyNewUser(ctx context.Context, username, discordID string) {
	c.sendWebhook(ctx, embed{
		Title: "New User Registered",
		Color: colorBlurple,
		Fields: []embedField{
			{Name: "Username", Value: username, Inline: true},
			{Name: "Discord ID", Value: discordID, Inline: true},
		},
	})
}

// NotifyKeyGenerated announces a minted key.
func (c *Client) NotifyKeyGenerated(ctx context.Context, username string, keyID uint64, expiresAt time.Time) {
	c.sendWebhook(ctx, embed{
		Title: "New Key Generated",
		Color: colorGreen,
		Fields: []embedField{
			{Name: "Username", Value: username, Inline: true},
			{Name: "Key ID", Value: fmt.Sprintf("%d", keyID), Inline: true},
			{Name: "Expires", Value: expiresAt.UTC().Format(time.RFC3339)},
		},
	})
}

// sendWebhook posts one embed to the configured webhook, best effort.
func (c *Client) sendWebhook(ctx context.Context, e embed) {
	if c.cfg.WebhookURL == "" {
		return
	}
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, errMarshal := json.Marshal(map[string]any{"embeds": []embed{e}})
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("discord webhook: marshal payload failed")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(payload))
	if errReq != nil {
		log.WithError(errReq).Warn("discord webhook: build request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		log.WithError(errDo).Warn("discord webhook: send failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		log.WithField("status", resp.StatusCode).Warn("discord webhook: rejected")
	}
}
