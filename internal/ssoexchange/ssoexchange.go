// Package ssoexchange turns a session token harvested from the browser into
// durable API credentials via the provider's device-authorization handshake.
package ssoexchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/nyxra/enroller/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Credential is the durable output of a successful exchange.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	ExpiresIn    int    `json:"expires_in"`
}

// APIError is a structured rejection from the exchange endpoint.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange rejected (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// DeviceCode seeds the provider's device-authorization entry URL for one run.
type DeviceCode struct {
	DeviceID string
	UserCode string
}

// NewDeviceCode generates a fresh per-run device/user code pair.
func NewDeviceCode() DeviceCode {
	return DeviceCode{
		DeviceID: uuid.NewString(),
		UserCode: strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]),
	}
}

// Client talks to the device-authorization exchange endpoint.
type Client struct {
	cfg    config.SSOConfig
	client *http.Client
	logger *zap.Logger
}

// NewClient builds an exchange client with a proper public-suffix cookie jar
// so any redirect hops during the handshake carry their cookies correctly.
func NewClient(cfg config.SSOConfig, logger *zap.Logger) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("building cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Jar: jar, Timeout: timeout},
		logger: logger.Named("ssoexchange"),
	}, nil
}

// Exchange hands the harvested session token to the exchange endpoint and
// returns the durable credentials.
func (c *Client) Exchange(ctx context.Context, sessionToken, region string) (*Credential, error) {
	payload, err := json.Marshal(map[string]string{
		"session_token": sessionToken,
		"region":        region,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ExchangeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var rejection struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &rejection) == nil {
			apiErr.Code = rejection.Error
			apiErr.Message = rejection.Message
		}
		return nil, apiErr
	}

	var cred Credential
	if err := json.Unmarshal(body, &cred); err != nil {
		return nil, fmt.Errorf("decoding exchange response: %w", err)
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("exchange response carried no access token")
	}

	c.logger.Info("Device-authorization exchange succeeded.",
		zap.String("region", region), zap.Int("expiresIn", cred.ExpiresIn))
	return &cred, nil
}

// DisplayNameFromToken extracts a display name claim from the access token
// when the provider embeds one. Unverified parse: the claim is cosmetic and
// the token was just issued to us over TLS.
func DisplayNameFromToken(accessToken string) string {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	for _, key := range []string{"name", "display_name", "preferred_username"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
