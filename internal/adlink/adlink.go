// Package adlink builds monetized verification links through the configured
// ad-network provider. Providers are dispatched on the integration settings
// row's provider tag, one concrete type per network.
package adlink

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lua-guard/keyserver/internal/models"
)

// requestTimeout bounds outbound provider API calls.
const requestTimeout = 10 * time.Second

// Provider creates monetized links that funnel the user back to the
// checkpoint callback.
type Provider interface {
	// Name returns the provider tag, e.g. "linkvertise".
	Name() string
	// CreateLink returns the monetized URL for one pending request.
	CreateLink(ctx context.Context, callbackURL, requestID string) (string, error)
}

// FromSetting constructs the provider described by an integration settings
// row. The settings variant decides the concrete type; unknown or incomplete
// rows are rejected.
func FromSetting(setting *models.IntegrationSetting) (Provider, error) {
	if setting == nil {
		return nil, fmt.Errorf("adlink: nil integration setting")
	}
	switch setting.Provider {
	case models.ProviderLinkvertise:
		if setting.PublisherID == "" {
			return nil, fmt.Errorf("adlink: linkvertise publisher id missing")
		}
		return &Linkvertise{PublisherID: setting.PublisherID}, nil
	case models.ProviderLootLabs:
		if setting.APIKey == "" {
			return nil, fmt.Errorf("adlink: lootlabs api key missing")
		}
		return &LootLabs{
			APIKey:     setting.APIKey,
			HTTPClient: &http.Client{Timeout: requestTimeout},
		}, nil
	default:
		return nil, fmt.Errorf("adlink: unknown provider %q", setting.Provider)
	}
}
