package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-hunters/githunters/internal/cache"
	svcerrors "github.com/git-hunters/githunters/internal/errors"
)

func TestNewOAuthRequiresCredentials(t *testing.T) {
	_, err := NewOAuth(OAuthConfig{ClientID: "id"})
	require.Error(t, err)
}

func TestAuthCodeURL(t *testing.T) {
	o, err := NewOAuth(OAuthConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost:8080/api/auth/github/callback",
		Scopes:       []string{"read:user", "repo"},
	})
	require.NoError(t, err)

	u, err := url.Parse(o.AuthCodeURL("state-123"))
	require.NoError(t, err)
	assert.Equal(t, "github.com", u.Host)
	assert.Equal(t, "/login/oauth/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "client", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "read:user repo", q.Get("scope"))
}

func TestExchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("code") != "good" {
			fmt.Fprint(w, `{"error":"bad_verification_code","error_description":"The code passed is incorrect or expired."}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"gho_abc","token_type":"bearer","scope":"repo"}`)
	}))
	defer server.Close()

	o, err := NewOAuth(OAuthConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      server.URL + "/authorize",
		TokenURL:     server.URL + "/token",
	})
	require.NoError(t, err)

	tok, err := o.Exchange(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "gho_abc", tok.AccessToken)

	_, err = o.Exchange(context.Background(), "bad")
	se := svcerrors.GetServiceError(err)
	require.NotNil(t, se, "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, se.HTTPStatus)

	_, err = o.Exchange(context.Background(), "  ")
	se = svcerrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, http.StatusBadRequest, se.HTTPStatus)
}

func TestNewState(t *testing.T) {
	a, err := NewState()
	require.NoError(t, err)
	b, err := NewState()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

// fakeGitHub serves the REST endpoints the client uses.
func fakeGitHub(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"Bad credentials"}`)
			return
		}
		fmt.Fprint(w, `{"id":42,"login":"octocat","name":"The Octocat","avatar_url":"https://a/1"}`)
	})
	mux.HandleFunc("/user/repos", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("page") == "1" {
			var items []string
			for i := 0; i < perPage; i++ {
				items = append(items, fmt.Sprintf(`{"id":%d,"full_name":"octocat/r%d","permissions":{"admin":true},"updated_at":"2024-01-02T03:04:05Z"}`, i, i))
			}
			fmt.Fprint(w, "["+strings.Join(items, ",")+"]")
			return
		}
		fmt.Fprint(w, `[{"id":500,"full_name":"octocat/last","private":true,"open_issues_count":3}]`)
	})
	mux.HandleFunc("/repos/octocat/hello/issues", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		fmt.Fprint(w, `[
			{"number":1,"title":"Bug","state":"open","user":{"login":"alice"},"labels":[{"name":"bug"},{"name":"bounty"}],"created_at":"2024-01-01T00:00:00Z"},
			{"number":2,"title":"Fix bug","state":"open","pull_request":{"url":"x"}},
			{"number":3,"title":"Docs","state":"open","labels":[]}
		]`)
	})
	mux.HandleFunc("/repos/octocat/flaky/issues", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &calls
}

func TestGetUser(t *testing.T) {
	server, _ := fakeGitHub(t)
	client := NewClient(server.URL, time.Second)

	user, err := client.GetUser(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, &User{ID: 42, Login: "octocat", Name: "The Octocat", AvatarURL: "https://a/1"}, user)

	_, err = client.GetUser(context.Background(), "bad")
	se := svcerrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, svcerrors.CodeUnauthorized, se.Code)
}

func TestListReposPaginates(t *testing.T) {
	server, _ := fakeGitHub(t)
	client := NewClient(server.URL, time.Second)

	repos, err := client.ListRepos(context.Background(), "good")
	require.NoError(t, err)
	require.Len(t, repos, perPage+1)
	assert.True(t, repos[0].CanAdmin)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), repos[0].UpdatedAt.UTC())
	assert.Equal(t, "octocat/last", repos[perPage].FullName)
	assert.True(t, repos[perPage].Private)
	assert.EqualValues(t, 3, repos[perPage].OpenIssues)
}

func TestListIssuesExcludesPullRequests(t *testing.T) {
	server, _ := fakeGitHub(t)
	client := NewClient(server.URL, time.Second)

	issues, err := client.ListIssues(context.Background(), "good", "octocat/hello")
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.EqualValues(t, 1, issues[0].Number)
	assert.Equal(t, "alice", issues[0].Author)
	assert.Equal(t, []string{"bug", "bounty"}, issues[0].Labels)
	assert.EqualValues(t, 3, issues[1].Number)
	assert.Empty(t, issues[1].Labels)
}

func TestListIssuesErrors(t *testing.T) {
	server, calls := fakeGitHub(t)
	client := NewClient(server.URL, time.Second)

	_, err := client.ListIssues(context.Background(), "good", "nope")
	assert.Equal(t, svcerrors.CodeValidation, svcerrors.GetServiceError(err).Code)

	_, err = client.ListIssues(context.Background(), "good", "octocat/missing")
	assert.Equal(t, svcerrors.CodeNotFound, svcerrors.GetServiceError(err).Code)

	before := atomic.LoadInt32(calls)
	_, err = client.ListIssues(context.Background(), "good", "octocat/flaky")
	assert.Equal(t, svcerrors.CodeUpstream, svcerrors.GetServiceError(err).Code)
	assert.EqualValues(t, 3, atomic.LoadInt32(calls)-before, "502 should be retried twice")
}

func TestCachedServesFromCache(t *testing.T) {
	server, calls := fakeGitHub(t)
	api := NewCached(NewClient(server.URL, time.Second), cache.NewMemory(), time.Minute, nil)
	ctx := context.Background()

	first, err := api.ListIssues(ctx, "good", "octocat/hello")
	require.NoError(t, err)
	n := atomic.LoadInt32(calls)

	second, err := api.ListIssues(ctx, "good", "Octocat/Hello")
	require.NoError(t, err)
	assert.Equal(t, n, atomic.LoadInt32(calls), "second lookup should hit the cache")
	assert.Equal(t, len(first), len(second))

	_, err = api.ListRepos(ctx, "good")
	require.NoError(t, err)
	n = atomic.LoadInt32(calls)
	require.NoError(t, api.Invalidate(ctx, "good"))
	_, err = api.ListRepos(ctx, "good")
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt32(calls), n)
}
