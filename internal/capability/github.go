package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// GitHubClient is the live implementation of the GitHub capability, using
// the REST API with a bearer token (PAT or App installation token).
type GitHubClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

var _ GitHub = (*GitHubClient)(nil)

// NewGitHubClient creates a live GitHub client.
func NewGitHubClient(token string, logger *zap.Logger) *GitHubClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubClient{
		baseURL: "https://api.github.com",
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (c *GitHubClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Errf(CodeInvalidResponse, "encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Errf(CodeConnectionError, "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Errf(CodeTimeout, "github: %v", err)
		}
		return Errf(CodeConnectionError, "github: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 403 && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return &Error{Code: CodeRateLimited, Status: resp.StatusCode, Message: "github rate limit exhausted"}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Errf(CodeInvalidResponse, "decode github response: %v", err)
		}
	}
	return nil
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Body   string `json:"body"`
	URL    string `json:"html_url"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

func (i ghIssue) toIssue() Issue {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.Name)
	}
	return Issue{Number: i.Number, Title: i.Title, State: i.State, Body: i.Body, Labels: labels, URL: i.URL}
}

// ListIssues returns issues (not PRs) in the given state.
func (c *GitHubClient) ListIssues(ctx context.Context, repo, state string) ([]Issue, error) {
	if state == "" {
		state = "open"
	}
	var raw []ghIssue
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues?state=%s&per_page=100", repo, state), nil, &raw); err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(raw))
	for _, i := range raw {
		if i.PullRequest != nil {
			continue
		}
		issues = append(issues, i.toIssue())
	}
	return issues, nil
}

// GetIssue returns one issue.
func (c *GitHubClient) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	var raw ghIssue
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil, &raw); err != nil {
		return nil, err
	}
	issue := raw.toIssue()
	return &issue, nil
}

type ghPR struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	URL    string `json:"html_url"`
	Merged bool   `json:"merged"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (p ghPR) toPR() PullRequest {
	return PullRequest{
		Number: p.Number, Title: p.Title, State: p.State,
		Head: p.Head.Ref, Base: p.Base.Ref, URL: p.URL, Merged: p.Merged,
	}
}

// ListPRs returns pull requests in the given state.
func (c *GitHubClient) ListPRs(ctx context.Context, repo, state string) ([]PullRequest, error) {
	if state == "" {
		state = "open"
	}
	var raw []ghPR
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls?state=%s&per_page=100", repo, state), nil, &raw); err != nil {
		return nil, err
	}
	prs := make([]PullRequest, 0, len(raw))
	for _, p := range raw {
		prs = append(prs, p.toPR())
	}
	return prs, nil
}

// ListReviews returns reviews on a PR.
func (c *GitHubClient) ListReviews(ctx context.Context, repo string, number int) ([]Review, error) {
	var raw []struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d/reviews", repo, number), nil, &raw); err != nil {
		return nil, err
	}
	reviews := make([]Review, 0, len(raw))
	for _, r := range raw {
		reviews = append(reviews, Review{ID: r.ID, User: r.User.Login, State: r.State, Body: r.Body})
	}
	return reviews, nil
}

// ListReviewComments returns inline review comments on a PR.
func (c *GitHubClient) ListReviewComments(ctx context.Context, repo string, number int) ([]ReviewComment, error) {
	var raw []struct {
		ID   int64  `json:"id"`
		Path string `json:"path"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d/comments", repo, number), nil, &raw); err != nil {
		return nil, err
	}
	comments := make([]ReviewComment, 0, len(raw))
	for _, rc := range raw {
		comments = append(comments, ReviewComment{ID: rc.ID, User: rc.User.Login, Path: rc.Path, Body: rc.Body})
	}
	return comments, nil
}

// CreateComment posts a comment on an issue or PR.
func (c *GitHubClient) CreateComment(ctx context.Context, repo string, number int, body string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number),
		map[string]string{"body": body}, nil)
}

// CreateLabel creates a repo label.
func (c *GitHubClient) CreateLabel(ctx context.Context, repo, name, color string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/labels", repo),
		map[string]string{"name": name, "color": color}, nil)
}

// AddLabel adds a label to an issue or PR.
func (c *GitHubClient) AddLabel(ctx context.Context, repo string, number int, label string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number),
		map[string][]string{"labels": {label}}, nil)
}

// RemoveLabel removes a label from an issue or PR.
func (c *GitHubClient) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/issues/%d/labels/%s", repo, number, label), nil, nil)
}

// CreatePR opens a pull request.
func (c *GitHubClient) CreatePR(ctx context.Context, repo, title, head, base, body string) (*PullRequest, error) {
	var raw ghPR
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls", repo), map[string]string{
		"title": title, "head": head, "base": base, "body": body,
	}, &raw)
	if err != nil {
		return nil, err
	}
	pr := raw.toPR()
	return &pr, nil
}

// MergePR merges a pull request.
func (c *GitHubClient) MergePR(ctx context.Context, repo string, number int) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number), map[string]string{}, nil)
}

// CreateBranch creates a branch ref at the given commit.
func (c *GitHubClient) CreateBranch(ctx context.Context, repo, name, fromSHA string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/refs", repo), map[string]string{
		"ref": "refs/heads/" + name, "sha": fromSHA,
	}, nil)
}

// DeleteBranch deletes a branch ref.
func (c *GitHubClient) DeleteBranch(ctx context.Context, repo, name string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/git/refs/heads/%s", repo, name), nil, nil)
}
