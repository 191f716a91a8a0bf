package adlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lua-guard/keyserver/internal/models"
)

// lootLabsAPI is the LootLabs link creation endpoint.
const lootLabsAPI = "https://be.lootlabs.gg/api/v1/link"

// LootLabs creates monetized links through the LootLabs API.
type LootLabs struct {
	APIKey     string
	HTTPClient *http.Client

	// BaseURL overrides the API endpoint in tests.
	BaseURL string
}

// Name returns the provider tag.
func (l *LootLabs) Name() string { return models.ProviderLootLabs }

// lootLabsRequest is the link creation request body.
type lootLabsRequest struct {
	Destination string            `json:"destination"`
	Title       string            `json:"title"`
	Metadata    map[string]string `json:"metadata"`
}

// lootLabsResponse is the link creation response body.
type lootLabsResponse struct {
	URL string `json:"url"`
}

// CreateLink asks LootLabs for a monetized link targeting the checkpoint
// callback.
func (l *LootLabs) CreateLink(ctx context.Context, callbackURL, requestID string) (string, error) {
	endpoint := l.BaseURL
	if endpoint == "" {
		endpoint = lootLabsAPI
	}

	payload, errMarshal := json.Marshal(lootLabsRequest{
		Destination: callbackURL,
		Title:       "Unlock Your License Key",
		Metadata:    map[string]string{"request_id": requestID},
	})
	if errMarshal != nil {
		return "", fmt.Errorf("adlink: marshal lootlabs request: %w", errMarshal)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if errReq != nil {
		return "", fmt.Errorf("adlink: build lootlabs request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.APIKey)

	client := l.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	resp, errDo := client.Do(req)
	if errDo != nil {
		return "", fmt.Errorf("adlink: lootlabs request: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("adlink: lootlabs status %d", resp.StatusCode)
	}

	var body lootLabsResponse
	if errDecode := json.NewDecoder(resp.Body).Decode(&body); errDecode != nil {
		return "", fmt.Errorf("adlink: decode lootlabs response: %w", errDecode)
	}
	if body.URL == "" {
		return "", fmt.Errorf("adlink: lootlabs returned empty url")
	}
	return body.URL, nil
}
