package ssoexchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nyxra/enroller/internal/config"
)

func newClientUnderTest(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(config.SSOConfig{
		ExchangeURL: srv.URL + "/exchange",
		Timeout:     5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestExchangeSuccess(t *testing.T) {
	client := newClientUnderTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sess-tok-1", req["session_token"])
		assert.Equal(t, "eu", req["region"])

		fmt.Fprint(w, `{
			"access_token":"at-1","refresh_token":"rt-1",
			"client_id":"cid","client_secret":"csec","expires_in":28800
		}`)
	})

	cred, err := client.Exchange(context.Background(), "sess-tok-1", "eu")
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.AccessToken)
	assert.Equal(t, "rt-1", cred.RefreshToken)
	assert.Equal(t, "cid", cred.ClientID)
	assert.Equal(t, "csec", cred.ClientSecret)
	assert.Equal(t, 28800, cred.ExpiresIn)
}

func TestExchangeStructuredRejection(t *testing.T) {
	client := newClientUnderTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"invalid_session","message":"session token expired"}`)
	})

	_, err := client.Exchange(context.Background(), "stale", "us")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "invalid_session", apiErr.Code)
	assert.Contains(t, apiErr.Message, "expired")
}

func TestExchangeEmptyToken(t *testing.T) {
	client := newClientUnderTest(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"refresh_token":"rt-only"}`)
	})

	_, err := client.Exchange(context.Background(), "tok", "us")
	assert.Error(t, err)
}

func TestDisplayNameFromToken(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"name": "Jordan Vale",
		"sub":  "user-1",
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	assert.Equal(t, "Jordan Vale", DisplayNameFromToken(signed))
	assert.Empty(t, DisplayNameFromToken("not-a-jwt"))

	noName, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-2",
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	assert.Empty(t, DisplayNameFromToken(noName))
}

func TestNewDeviceCode(t *testing.T) {
	a := NewDeviceCode()
	b := NewDeviceCode()

	assert.NotEmpty(t, a.DeviceID)
	assert.Len(t, a.UserCode, 8)
	assert.NotEqual(t, a.DeviceID, b.DeviceID)
	assert.NotEqual(t, a.UserCode, b.UserCode)
}
