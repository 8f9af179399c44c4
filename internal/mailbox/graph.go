// File: internal/mailbox/graph.go
package mailbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/nyxra/enroller/internal/config"
	"github.com/nyxra/enroller/internal/mailcode"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GraphBackend polls a pre-existing Microsoft mailbox through the Graph API.
// A long-lived refresh token is exchanged for a short-lived access token on
// every sweep; the tenant-specific token endpoint is tried first, then the
// common endpoint.
type GraphBackend struct {
	cfg       config.GraphConfig
	address   string
	allowList []string
	client    *http.Client
	logger    *zap.Logger

	accessToken string
	tokenExpiry time.Time
}

// NewGraphBackend wires a Graph poller for the given mailbox address.
func NewGraphBackend(cfg config.GraphConfig, address string, allowList []string, logger *zap.Logger) *GraphBackend {
	return &GraphBackend{
		cfg:       cfg,
		address:   address,
		allowList: allowList,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger.Named("graph"),
	}
}

func (g *GraphBackend) Address() string { return g.address }

// EnsureMailbox is a no-op: the mailbox pre-exists by definition.
func (g *GraphBackend) EnsureMailbox(ctx context.Context) error { return nil }

// Dispose is a no-op: a pre-existing mailbox is never deleted.
func (g *GraphBackend) Dispose(ctx context.Context) error { return nil }

// WaitForCode sweeps the newest messages until the extractor yields a code or
// the wait budget runs out. A refresh-token failure across all endpoints
// aborts the cycle without further polling.
func (g *GraphBackend) WaitForCode(ctx context.Context, maxWait, pollInterval time.Duration) (string, error) {
	return pollForCode(ctx, g.logger, maxWait, pollInterval, g.sweep)
}

func (g *GraphBackend) sweep(ctx context.Context) (string, bool, error) {
	token, err := g.ensureAccessToken(ctx)
	if err != nil {
		return "", false, err
	}

	messages, err := g.listMessages(ctx, token)
	if err != nil {
		return "", false, err
	}

	for _, msg := range messages {
		if !senderAllowed(msg.From, g.allowList) {
			continue
		}
		if code, ok := mailcode.ExtractFromMail(msg.HTMLBody, msg.TextBody); ok {
			g.logger.Debug("Code found in message.",
				zap.String("uid", msg.UID), zap.String("from", msg.From))
			return code, true, nil
		}
	}
	return "", false, nil
}

// ensureAccessToken exchanges the refresh token, reusing a still-valid access
// token from a previous sweep.
func (g *GraphBackend) ensureAccessToken(ctx context.Context) (string, error) {
	if g.accessToken != "" && time.Now().Before(g.tokenExpiry) {
		return g.accessToken, nil
	}

	tenants := []string{g.cfg.Tenant, "common"}
	var lastErr error
	for _, tenant := range tenants {
		if tenant == "" {
			continue
		}
		endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(g.cfg.TokenURL, "/"), tenant)
		token, expiresIn, err := g.refreshAgainst(ctx, endpoint)
		if err != nil {
			g.logger.Debug("Token endpoint rejected refresh.",
				zap.String("endpoint", endpoint), zap.Error(err))
			lastErr = err
			continue
		}
		g.accessToken = token
		// Renew a minute early to avoid using a token at the edge of expiry.
		g.tokenExpiry = time.Now().Add(time.Duration(expiresIn)*time.Second - time.Minute)
		return token, nil
	}
	return "", fmt.Errorf("%w: %v", ErrTokenRefresh, lastErr)
}

func (g *GraphBackend) refreshAgainst(ctx context.Context, endpoint string) (string, int, error) {
	form := url.Values{
		"client_id":     {g.cfg.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {g.cfg.RefreshToken},
		"scope":         {"https://graph.microsoft.com/Mail.Read offline_access"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", 0, fmt.Errorf("token response carried no access token")
	}
	return payload.AccessToken, payload.ExpiresIn, nil
}

// listMessages fetches the newest messages with bodies included.
func (g *GraphBackend) listMessages(ctx context.Context, token string) ([]Message, error) {
	endpoint := fmt.Sprintf(
		"%s/v1.0/me/messages?%s",
		strings.TrimRight(g.cfg.GraphURL, "/"),
		url.Values{
			"$top":     {"10"},
			"$orderby": {"receivedDateTime desc"},
			"$select":  {"id,from,subject,body,bodyPreview"},
		}.Encode(),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("message list returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var payload struct {
		Value []struct {
			ID   string `json:"id"`
			From struct {
				EmailAddress struct {
					Address string `json:"address"`
				} `json:"emailAddress"`
			} `json:"from"`
			Subject string `json:"subject"`
			Body    struct {
				ContentType string `json:"contentType"`
				Content     string `json:"content"`
			} `json:"body"`
			BodyPreview string `json:"bodyPreview"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding message list: %w", err)
	}

	messages := make([]Message, 0, len(payload.Value))
	for _, m := range payload.Value {
		msg := Message{
			UID:      m.ID,
			From:     m.From.EmailAddress.Address,
			Subject:  m.Subject,
			TextBody: m.BodyPreview,
		}
		if strings.EqualFold(m.Body.ContentType, "html") {
			msg.HTMLBody = m.Body.Content
		} else {
			msg.TextBody = m.Body.Content
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
