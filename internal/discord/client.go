// Package discord implements the identity provider integration: OAuth code
// exchange, profile lookup, guild membership checks, and best-effort webhook
// notifications. All outbound calls are bounded by the client timeout.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/lua-guard/keyserver/internal/config"
)

// apiBase is the Discord REST API root.
const apiBase = "https://discord.com/api/v10"

// requestTimeout bounds every outbound call to Discord.
const requestTimeout = 10 * time.Second

// User is the Discord profile payload consumed by the identity gate.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Email    string `json:"email"`
}

// AvatarURL returns the CDN URL for the user's avatar, or empty when unset.
func (u *User) AvatarURL() string {
	if u.Avatar == "" {
		return ""
	}
	return fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", u.ID, u.Avatar)
}

// guild is a single entry of the user's guild list.
type guild struct {
	ID string `json:"id"`
}

// Client talks to the Discord API.
type Client struct {
	cfg        config.DiscordConfig
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewClient constructs a Client from the Discord configuration.
func NewClient(cfg config.DiscordConfig) *Client {
	return &Client{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"identify", "email", "guilds"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://discord.com/api/oauth2/authorize",
				TokenURL: apiBase + "/oauth2/token",
			},
		},
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// AuthURL builds the authorization redirect URL carrying the signed state.
func (c *Client) AuthURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for an access token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, errExchange := c.oauth.Exchange(ctx, code)
	if errExchange != nil {
		return "", fmt.Errorf("discord: exchange code: %w", errExchange)
	}
	return token.AccessToken, nil
}

// FetchUser loads the authenticated user's profile.
func (c *Client) FetchUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.getJSON(ctx, apiBase+"/users/@me", "Bearer "+accessToken, &user); err != nil {
		return nil, fmt.Errorf("discord: fetch user: %w", err)
	}
	return &user, nil
}

// IsMember reports whether the token's user belongs to the configured guild.
func (c *Client) IsMember(ctx context.Context, accessToken string) (bool, error) {
	var guilds []guild
	if err := c.getJSON(ctx, apiBase+"/users/@me/guilds", "Bearer "+accessToken, &guilds); err != nil {
		return false, fmt.Errorf("discord: list guilds: %w", err)
	}
	for _, g := range guilds {
		if g.ID == c.cfg.GuildID {
			return true, nil
		}
	}
	return false, nil
}

// IsMemberViaBot checks guild membership through the bot token, for sessions
// where no user access token is available anymore.
func (c *Client) IsMemberViaBot(ctx context.Context, discordID string) (bool, error) {
	if c.cfg.BotToken == "" || c.cfg.GuildID == "" {
		return false, fmt.Errorf("discord: bot membership check not configured")
	}

	endpoint := fmt.Sprintf("%s/guilds/%s/members/%s", apiBase, c.cfg.GuildID, url.PathEscape(discordID))
	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if errReq != nil {
		return false, fmt.Errorf("discord: build request: %w", errReq)
	}
	req.Header.Set("Authorization", "Bot "+c.cfg.BotToken)

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return false, fmt.Errorf("discord: member check: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("discord: member check status %d", resp.StatusCode)
	}
}

// getJSON performs an authorized GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, endpoint, authorization string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if errReq != nil {
		return fmt.Errorf("build request: %w", errReq)
	}
	req.Header.Set("Authorization", authorization)

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return errDo
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if errDecode := json.NewDecoder(resp.Body).Decode(out); errDecode != nil {
		return fmt.Errorf("decode response: %w", errDecode)
	}
	return nil
}
