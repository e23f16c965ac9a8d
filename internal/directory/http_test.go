package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type staticTokens struct {
	token     string
	err       error
	refreshes atomic.Int32
}

func (s *staticTokens) RefreshAccessToken(context.Context) (string, error) {
	s.refreshes.Add(1)
	return s.token, s.err
}

func newDirectoryServer(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"id":"u1","email":"u1@corp.test"},{"id":"u2","email":"u2@corp.test"}]`))
	})
	mux.HandleFunc("/groups", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"g1","name":"Engineering"}]`))
	})
	mux.HandleFunc("/groups/g1/members", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"user_id":"u1"}]`))
	})
	return httptest.NewServer(mux)
}

func TestHTTPAdapterFetch(t *testing.T) {
	srv := newDirectoryServer(t, "tok-1")
	defer srv.Close()

	tokens := &staticTokens{token: "tok-1"}
	adapter, err := NewHTTPAdapter(srv.URL, tokens, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}

	users, err := adapter.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0].Email != "u1@corp.test" {
		t.Fatalf("unexpected users %+v", users)
	}

	groups, err := adapter.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "Engineering" {
		t.Fatalf("unexpected groups %+v", groups)
	}

	members, err := adapter.ListGroupMembers(context.Background(), groups[0])
	if err != nil {
		t.Fatalf("ListGroupMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "u1" {
		t.Fatalf("unexpected members %v", members)
	}
	if tokens.refreshes.Load() != 1 {
		t.Fatalf("token refreshed %d times, want 1", tokens.refreshes.Load())
	}
}

// A 401 on a previously valid token triggers exactly one refresh and retry.
func TestHTTPAdapterStaleTokenRefresh(t *testing.T) {
	srv := newDirectoryServer(t, "tok-2")
	defer srv.Close()

	tokens := &staticTokens{token: "tok-2"}
	adapter, err := NewHTTPAdapter(srv.URL, tokens, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	adapter.token = "expired"

	if _, err := adapter.ListUsers(context.Background()); err != nil {
		t.Fatalf("ListUsers after refresh: %v", err)
	}
	if tokens.refreshes.Load() != 1 {
		t.Fatalf("token refreshed %d times, want 1", tokens.refreshes.Load())
	}
}

func TestHTTPAdapterRefusedTokenIsUnauthorized(t *testing.T) {
	srv := newDirectoryServer(t, "valid")
	defer srv.Close()

	tokens := &staticTokens{err: ErrUnauthorized}
	adapter, err := NewHTTPAdapter(srv.URL, tokens, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}

	if _, err := adapter.ListUsers(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	if tokens.refreshes.Load() != 1 {
		t.Fatalf("refusal retried %d times, want no retries", tokens.refreshes.Load())
	}
}

func TestHTTPAdapterServerErrorRetriesLater(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter, err := NewHTTPAdapter(srv.URL, &staticTokens{token: "tok"}, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}

	if _, err := adapter.ListUsers(context.Background()); !errors.Is(err, ErrRetryLater) {
		t.Fatalf("got %v, want ErrRetryLater", err)
	}
}

// Five consecutive failures open the breaker; the sixth call fails fast as
// retry_later without touching the server.
func TestHTTPAdapterBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter, err := NewHTTPAdapter(srv.URL, &staticTokens{token: "tok"}, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := adapter.ListUsers(context.Background()); !errors.Is(err, ErrRetryLater) {
			t.Fatalf("call %d: got %v, want ErrRetryLater", i, err)
		}
	}
	before := hits.Load()
	if _, err := adapter.ListUsers(context.Background()); !errors.Is(err, ErrRetryLater) {
		t.Fatalf("open breaker: got %v, want ErrRetryLater", err)
	}
	if hits.Load() != before {
		t.Fatalf("open breaker still reached the server")
	}
}

func TestHTTPAdapterBadBaseURL(t *testing.T) {
	if _, err := NewHTTPAdapter("://nope", &staticTokens{}, nil); err == nil {
		t.Fatalf("expected parse error")
	}
}
