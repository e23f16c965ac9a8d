package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClientCredentialsTokens obtains bearer tokens through the OAuth2
// client_credentials grant. It satisfies TokenSource for HTTPAdapter.
type ClientCredentialsTokens struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewClientCredentialsTokens wires a token source for one provider app.
func NewClientCredentialsTokens(tokenURL, clientID, clientSecret string, client *http.Client) *ClientCredentialsTokens {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ClientCredentialsTokens{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
	}
}

// RefreshAccessToken exchanges the client credentials for a fresh access
// token. Credential rejections map to ErrUnauthorized, transient upstream
// trouble to ErrRetryLater.
func (t *ClientCredentialsTokens) RefreshAccessToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {t.clientID},
		"client_secret": {t.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token endpoint: %v", ErrRetryLater, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrRetryLater, resp.StatusCode)
	default:
		return "", ErrUnauthorized
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("token response carried no access_token")
	}
	return body.AccessToken, nil
}
