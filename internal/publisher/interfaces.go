package publisher

import (
	"context"
	"time"

	"github.com/relaypub/relay/internal/models"
)

// Credentials carries the connection secrets a platform client needs for one
// publish call. Token refresh is the platform client's problem.
type Credentials struct {
	AccessToken    string     `json:"access_token"`
	RefreshToken   string     `json:"refresh_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// PublishRequest is the uniform payload handed to every platform client.
type PublishRequest struct {
	Content string            `json:"content"`
	Media   []models.MediaRef `json:"media"`

	// TargetID is the platform-side page/profile the post lands on.
	TargetID string `json:"target_id"`

	// ReplyToID, when set, is the platform-assigned id of the previous chain
	// link; the new post is published as a reply to it.
	ReplyToID string `json:"reply_to_id,omitempty"`

	// DedupeKey is stable per (destination, publish attempt series) so
	// platforms that support idempotency keys can drop duplicate deliveries.
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// PublishResult is what a platform client reports back on success.
type PublishResult struct {
	PlatformPostID string            `json:"platform_post_id"`
	URL            string            `json:"url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	PublishedAt    time.Time         `json:"published_at"`
}

// Publisher is the per-platform publish capability. Implementations are
// external collaborators; the pipeline treats each as a black box that either
// returns a platform-assigned post id or an error. Each call is expected to
// enforce its own timeout.
type Publisher interface {
	GetPlatformName() string
	Publish(ctx context.Context, creds Credentials, req PublishRequest) (*PublishResult, error)
}

// CredentialsFromProfile builds publish credentials from a stored profile.
func CredentialsFromProfile(p *models.SocialProfile) Credentials {
	return Credentials{
		AccessToken:    p.AccessToken,
		RefreshToken:   p.RefreshToken,
		TokenExpiresAt: p.TokenExpiresAt,
	}
}
