package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	svcerrors "github.com/git-hunters/githunters/internal/errors"
	"github.com/git-hunters/githunters/internal/httputil"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

const (
	perPage  = 100
	maxPages = 10
)

// User is the authenticated GitHub account.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Repo is a repository visible to the user.
type Repo struct {
	ID            int64     `json:"id"`
	FullName      string    `json:"fullName"`
	Description   string    `json:"description,omitempty"`
	Private       bool      `json:"private"`
	HTMLURL       string    `json:"htmlUrl"`
	DefaultBranch string    `json:"defaultBranch,omitempty"`
	OpenIssues    int64     `json:"openIssues"`
	Stars         int64     `json:"stars"`
	CanAdmin      bool      `json:"canAdmin"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Issue is an open issue. Pull requests are filtered out.
type Issue struct {
	Number    int64     `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	HTMLURL   string    `json:"htmlUrl"`
	Author    string    `json:"author"`
	Labels    []string  `json:"labels"`
	Comments  int64     `json:"comments"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// API is the GitHub operations used by the service.
type API interface {
	GetUser(ctx context.Context, token string) (*User, error)
	ListRepos(ctx context.Context, token string) ([]Repo, error)
	ListIssues(ctx context.Context, token, fullName string) ([]Issue, error)
}

// Client calls the GitHub REST API with a per-call bearer token.
type Client struct {
	http *httputil.Client
}

var _ API = (*Client)(nil)

// NewClient creates a client for baseURL (DefaultAPIURL when empty).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{http: httputil.NewClient(httputil.ClientConfig{
		BaseURL:   baseURL,
		UserAgent: "githunters",
		Timeout:   timeout,
	})}
}

func (c *Client) get(ctx context.Context, token, path string) ([]byte, error) {
	header := http.Header{
		"Accept":               {"application/vnd.github+json"},
		"X-GitHub-Api-Version": {"2022-11-28"},
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	body, err := c.http.GetBytes(ctx, path, header)
	if err == nil {
		return body, nil
	}

	var se *httputil.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusUnauthorized:
			return nil, svcerrors.Unauthorized("github token rejected")
		case http.StatusNotFound:
			return nil, svcerrors.NotFound("github resource", path)
		case http.StatusForbidden:
			if strings.Contains(strings.ToLower(se.Body), "rate limit") {
				return nil, svcerrors.RateLimitExceeded(0, "github")
			}
			return nil, svcerrors.Forbidden("github denied access")
		}
	}
	return nil, svcerrors.Upstream("github", err)
}

func (c *Client) getArray(ctx context.Context, token, path string) (gjson.Result, error) {
	body, err := c.get(ctx, token, path)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, svcerrors.Upstream("github", fmt.Errorf("invalid JSON from %s", path))
	}
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		return gjson.Result{}, svcerrors.Upstream("github", fmt.Errorf("expected array from %s", path))
	}
	return res, nil
}

// GetUser returns the account that owns token.
func (c *Client) GetUser(ctx context.Context, token string) (*User, error) {
	body, err := c.get(ctx, token, "/user")
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(body)
	if !res.Get("id").Exists() || res.Get("login").String() == "" {
		return nil, svcerrors.Upstream("github", fmt.Errorf("user response missing id or login"))
	}
	return &User{
		ID:        res.Get("id").Int(),
		Login:     res.Get("login").String(),
		Name:      res.Get("name").String(),
		AvatarURL: res.Get("avatar_url").String(),
	}, nil
}

// ListRepos returns repositories the user owns or collaborates on, most
// recently updated first.
func (c *Client) ListRepos(ctx context.Context, token string) ([]Repo, error) {
	var repos []Repo
	for page := 1; page <= maxPages; page++ {
		q := url.Values{
			"per_page":    {fmt.Sprint(perPage)},
			"page":        {fmt.Sprint(page)},
			"sort":        {"updated"},
			"affiliation": {"owner,collaborator,organization_member"},
		}
		arr, err := c.getArray(ctx, token, "/user/repos?"+q.Encode())
		if err != nil {
			return nil, err
		}

		items := arr.Array()
		for _, item := range items {
			repos = append(repos, Repo{
				ID:            item.Get("id").Int(),
				FullName:      item.Get("full_name").String(),
				Description:   item.Get("description").String(),
				Private:       item.Get("private").Bool(),
				HTMLURL:       item.Get("html_url").String(),
				DefaultBranch: item.Get("default_branch").String(),
				OpenIssues:    item.Get("open_issues_count").Int(),
				Stars:         item.Get("stargazers_count").Int(),
				CanAdmin:      item.Get("permissions.admin").Bool(),
				UpdatedAt:     item.Get("updated_at").Time(),
			})
		}
		if len(items) < perPage {
			break
		}
	}
	return repos, nil
}

// ListIssues returns the open issues of fullName ("owner/name").
func (c *Client) ListIssues(ctx context.Context, token, fullName string) ([]Issue, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" {
		return nil, svcerrors.Validation("repo", "want owner/name")
	}

	issues := []Issue{}
	for page := 1; page <= maxPages; page++ {
		q := url.Values{
			"state":    {"open"},
			"per_page": {fmt.Sprint(perPage)},
			"page":     {fmt.Sprint(page)},
		}
		path := fmt.Sprintf("/repos/%s/%s/issues?%s", url.PathEscape(owner), url.PathEscape(name), q.Encode())
		arr, err := c.getArray(ctx, token, path)
		if err != nil {
			return nil, err
		}

		items := arr.Array()
		for _, item := range items {
			// The issues endpoint also returns pull requests.
			if item.Get("pull_request").Exists() {
				continue
			}
			labels := []string{}
			item.Get("labels.#.name").ForEach(func(_, v gjson.Result) bool {
				labels = append(labels, v.String())
				return true
			})
			issues = append(issues, Issue{
				Number:    item.Get("number").Int(),
				Title:     item.Get("title").String(),
				State:     item.Get("state").String(),
				HTMLURL:   item.Get("html_url").String(),
				Author:    item.Get("user.login").String(),
				Labels:    labels,
				Comments:  item.Get("comments").Int(),
				CreatedAt: item.Get("created_at").Time(),
				UpdatedAt: item.Get("updated_at").Time(),
			})
		}
		if len(items) < perPage {
			break
		}
	}
	return issues, nil
}
