package frame

import (
	"fmt"
	"net/url"
)

// LaunchSpec carries the embed configuration a context is launched with.
// Zero-valued fields are omitted from the launch URL.
type LaunchSpec struct {
	// Theme is "light", "dark", or "auto". The auth surface receives it
	// verbatim; the forum launch URL carries the resolved value.
	Theme string

	BackgroundColor string

	// CommunityID preconfigures the target community. When set, ParentURL
	// is also forwarded to the forum surface.
	CommunityID string

	// Mode is empty for the full experience or "auth-only".
	Mode string

	ParentURL string

	// ExternalParams are embedder-supplied parameters forwarded verbatim.
	ExternalParams map[string]string
}

func buildAuthURL(base string, spec LaunchSpec, instanceID string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("frame: invalid auth base URL: %w", err)
	}
	q := u.Query()
	if spec.Theme != "" {
		q.Set("theme", spec.Theme)
	}
	if spec.BackgroundColor != "" {
		q.Set("background_color", spec.BackgroundColor)
	}
	if spec.CommunityID != "" {
		q.Set("community", spec.CommunityID)
	}
	if spec.Mode != "" {
		q.Set("mode", spec.Mode)
	}
	if spec.ParentURL != "" {
		q.Set("parent_url", spec.ParentURL)
	}
	for k, v := range spec.ExternalParams {
		q.Set(k, v)
	}
	q.Set("iframeUid", instanceID)
	u.RawQuery = q.Encode()
	return u, nil
}

func buildForumURL(base string, spec LaunchSpec, communityID, resolvedTheme, instanceID string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("frame: invalid forum base URL: %w", err)
	}
	q := u.Query()
	q.Set("theme", resolvedTheme)
	if spec.BackgroundColor != "" {
		q.Set("background_color", spec.BackgroundColor)
	}
	if communityID != "" {
		q.Set("community", communityID)
	}
	// The parent page URL reaches the forum only for preconfigured-community
	// embeds; discovered communities must not learn the embedding page.
	if spec.CommunityID != "" && spec.ParentURL != "" {
		q.Set("parent_url", spec.ParentURL)
	}
	for k, v := range spec.ExternalParams {
		q.Set(k, v)
	}
	q.Set("iframeUid", instanceID)
	u.RawQuery = q.Encode()
	return u, nil
}
