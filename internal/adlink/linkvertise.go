package adlink

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/lua-guard/keyserver/internal/models"
)

// Linkvertise builds dynamic monetized links for a Linkvertise publisher.
// Link construction is purely local; no API call is needed.
type Linkvertise struct {
	PublisherID string
}

// Name returns the provider tag.
func (l *Linkvertise) Name() string { return models.ProviderLinkvertise }

// CreateLink returns a Linkvertise dynamic link that redirects to the
// checkpoint callback after the ad steps complete.
func (l *Linkvertise) CreateLink(_ context.Context, callbackURL, requestID string) (string, error) {
	encoded := base64.URLEncoding.EncodeToString([]byte(callbackURL))
	return fmt.Sprintf(
		"https://link-to.net/%s/dynamic?r=%s&url=%s",
		url.PathEscape(l.PublisherID),
		url.QueryEscape(requestID),
		encoded,
	), nil
}
