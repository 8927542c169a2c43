// internal/mail/transport.go
package mail

import (
	"context"
	"time"
)

// OutboundMessage is one personalized email handed to the transport.
type OutboundMessage struct {
	RecipientEmail string
	RecipientName  string
	Subject        string
	HTMLBody       string
}

// InboxMessage is the slim projection of a received message used by the
// bounce reconciler. Body is fetched lazily via FetchMessageBody because
// the list endpoint only returns a preview.
type InboxMessage struct {
	ID            string
	Subject       string
	BodyPreview   string
	SenderAddress string
	ReceivedAt    time.Time
}

// Tokens is the result of a refresh-token exchange.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// Transport is the outbound mail collaborator. Send returns the HTTP-style
// status of the attempt; a non-nil error means the request never reached
// the mail API (network failure etc), which callers classify as an
// application error rather than a bounce.
type Transport interface {
	Send(ctx context.Context, accessToken string, msg OutboundMessage) (int, error)
	FetchInbox(ctx context.Context, accessToken string, since time.Time, top int) ([]InboxMessage, error)
	FetchMessageBody(ctx context.Context, accessToken, messageID string) (string, error)
}

// TokenRefresher exchanges a refresh token for fresh credentials. Used for
// exactly one refresh+retry when a send comes back 401.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}
