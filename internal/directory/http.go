package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// tokenRefreshTries bounds the refresh retry loop: one attempt plus two
// retries at 100 ms exponential base.
const (
	tokenRefreshTries    = 3
	tokenRefreshBaseWait = 100 * time.Millisecond
)

// TokenSource exchanges stored provider credentials for a short-lived access
// token.
type TokenSource interface {
	RefreshAccessToken(ctx context.Context) (string, error)
}

// HTTPAdapter talks to a REST directory API with bearer auth. Requests go
// through a circuit breaker so a struggling IdP is not hammered by every
// 3-minute tick; an open breaker surfaces as ErrRetryLater.
type HTTPAdapter struct {
	base    *url.URL
	client  *http.Client
	tokens  TokenSource
	breaker *gobreaker.CircuitBreaker

	token string
}

// NewHTTPAdapter wires the adapter. client may be nil for http.DefaultClient.
func NewHTTPAdapter(baseURL string, tokens TokenSource, client *http.Client) (*HTTPAdapter, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse directory base url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdapter{
		base:   base,
		client: client,
		tokens: tokens,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "directory:" + base.Host,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}, nil
}

// refreshToken retries transient refresh failures; a refusal by the IdP is
// terminal and maps to ErrUnauthorized.
func (a *HTTPAdapter) refreshToken(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = tokenRefreshBaseWait

	token, err := backoff.RetryWithData(func() (string, error) {
		t, err := a.tokens.RefreshAccessToken(ctx)
		if errors.Is(err, ErrUnauthorized) {
			return "", backoff.Permanent(err)
		}
		return t, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, tokenRefreshTries-1), ctx))
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return ErrUnauthorized
		}
		return fmt.Errorf("refresh access token: %w", err)
	}
	a.token = token
	return nil
}

// get fetches one path into dst. A 401 triggers a single token refresh and
// retry; a second 401 is ErrUnauthorized.
func (a *HTTPAdapter) get(ctx context.Context, path string, dst any) error {
	if a.token == "" {
		if err := a.refreshToken(ctx); err != nil {
			return err
		}
	}

	body, err := a.breaker.Execute(func() (any, error) {
		return a.do(ctx, path)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrRetryLater
	}
	if errors.Is(err, errStaleToken) {
		if err := a.refreshToken(ctx); err != nil {
			return err
		}
		body, err = a.breaker.Execute(func() (any, error) {
			return a.do(ctx, path)
		})
		if errors.Is(err, errStaleToken) {
			return ErrUnauthorized
		}
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(body.([]byte), dst)
}

// errStaleToken marks a 401 so get can refresh once before giving up.
var errStaleToken = errors.New("stale access token")

func (a *HTTPAdapter) do(ctx context.Context, path string) ([]byte, error) {
	u, err := url.JoinPath(a.base.String(), path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return io.ReadAll(resp.Body)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errStaleToken
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: directory API returned %d", ErrRetryLater, resp.StatusCode)
	default:
		return nil, fmt.Errorf("directory API returned %d for %s", resp.StatusCode, path)
	}
}

type wireUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type wireGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireMember struct {
	UserID string `json:"user_id"`
}

func (a *HTTPAdapter) ListUsers(ctx context.Context) ([]User, error) {
	var rows []wireUser
	if err := a.get(ctx, "users", &rows); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(rows))
	for _, r := range rows {
		users = append(users, User{ProviderIdentifier: r.ID, Email: r.Email})
	}
	return users, nil
}

func (a *HTTPAdapter) ListGroups(ctx context.Context) ([]Group, error) {
	var rows []wireGroup
	if err := a.get(ctx, "groups", &rows); err != nil {
		return nil, err
	}
	groups := make([]Group, 0, len(rows))
	for _, r := range rows {
		groups = append(groups, Group{ProviderIdentifier: r.ID, Name: r.Name})
	}
	return groups, nil
}

func (a *HTTPAdapter) ListGroupMembers(ctx context.Context, group Group) ([]string, error) {
	var rows []wireMember
	if err := a.get(ctx, "groups/"+url.PathEscape(group.ProviderIdentifier)+"/members", &rows); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	return ids, nil
}
