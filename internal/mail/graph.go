// internal/mail/graph.go
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GraphClient talks to the Microsoft Graph API for sending mail and
// reading the sending mailbox's inbox, and to the OAuth token endpoint
// for refreshes.
type GraphClient struct {
	Endpoint      string // e.g. https://graph.microsoft.com/v1.0
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	HTTPClient    *http.Client
}

func NewGraphClient(endpoint, tokenEndpoint, clientID, clientSecret string) *GraphClient {
	return &GraphClient{
		Endpoint:      strings.TrimRight(endpoint, "/"),
		TokenEndpoint: tokenEndpoint,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GraphClient) Send(ctx context.Context, accessToken string, msg OutboundMessage) (int, error) {
	payload := map[string]any{
		"message": map[string]any{
			"subject": msg.Subject,
			"body": map[string]any{
				"contentType": "HTML",
				"content":     msg.HTMLBody,
			},
			"toRecipients": []map[string]any{
				{
					"emailAddress": map[string]any{
						"address": msg.RecipientEmail,
						"name":    msg.RecipientName,
					},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint+"/me/sendMail", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

type graphMessageList struct {
	Value []struct {
		ID          string `json:"id"`
		Subject     string `json:"subject"`
		BodyPreview string `json:"bodyPreview"`
		ReceivedAt  string `json:"receivedDateTime"`
		From        struct {
			EmailAddress struct {
				Address string `json:"address"`
			} `json:"emailAddress"`
		} `json:"from"`
	} `json:"value"`
}

func (g *GraphClient) FetchInbox(ctx context.Context, accessToken string, since time.Time, top int) ([]InboxMessage, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	q.Set("$top", fmt.Sprintf("%d", top))
	q.Set("$orderby", "receivedDateTime desc")
	q.Set("$select", "id,subject,bodyPreview,receivedDateTime,from")

	var list graphMessageList
	if err := g.getJSON(ctx, accessToken, "/me/messages?"+q.Encode(), &list); err != nil {
		return nil, err
	}

	msgs := make([]InboxMessage, 0, len(list.Value))
	for _, m := range list.Value {
		received, _ := time.Parse(time.RFC3339, m.ReceivedAt)
		msgs = append(msgs, InboxMessage{
			ID:            m.ID,
			Subject:       m.Subject,
			BodyPreview:   m.BodyPreview,
			SenderAddress: m.From.EmailAddress.Address,
			ReceivedAt:    received.UTC(),
		})
	}
	return msgs, nil
}

func (g *GraphClient) FetchMessageBody(ctx context.Context, accessToken, messageID string) (string, error) {
	var full struct {
		Body struct {
			Content string `json:"content"`
		} `json:"body"`
	}
	if err := g.getJSON(ctx, accessToken, "/me/messages/"+url.PathEscape(messageID), &full); err != nil {
		return "", err
	}
	return full.Body.Content, nil
}

func (g *GraphClient) getJSON(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.Endpoint+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graph GET %s: HTTP %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Refresh exchanges the refresh token for new credentials. The new refresh
// token falls back to the old one when the provider omits it.
func (g *GraphClient) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	form := url.Values{}
	form.Set("client_id", g.ClientID)
	form.Set("client_secret", g.ClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return Tokens{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Tokens{}, fmt.Errorf("token refresh failed: HTTP %d", resp.StatusCode)
	}

	var data struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Tokens{}, err
	}

	tokens := Tokens{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresIn:    data.ExpiresIn,
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

var (
	_ Transport      = (*GraphClient)(nil)
	_ TokenRefresher = (*GraphClient)(nil)
)
