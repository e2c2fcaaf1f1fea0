package capability

import (
	"context"
	"strconv"
	"sync"
)

// GitHubStub is the canned GitHub implementation for development and
// tests. Mutations are recorded so tests can assert on side effects.
type GitHubStub struct {
	mu       sync.Mutex
	issues   map[string][]Issue
	prs      map[string][]PullRequest
	comments []string // "repo#number: body"
	labels   []string // "repo#number: +label" / "-label"
	nextPR   int
}

var _ GitHub = (*GitHubStub)(nil)

// NewGitHubStub creates an empty stub.
func NewGitHubStub() *GitHubStub {
	return &GitHubStub{
		issues: make(map[string][]Issue),
		prs:    make(map[string][]PullRequest),
		nextPR: 100,
	}
}

// SeedIssue adds an issue to a repo.
func (s *GitHubStub) SeedIssue(repo string, issue Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[repo] = append(s.issues[repo], issue)
}

// Comments returns every comment created, in order.
func (s *GitHubStub) Comments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.comments))
	copy(out, s.comments)
	return out
}

func (s *GitHubStub) ListIssues(_ context.Context, repo, _ string) ([]Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Issue(nil), s.issues[repo]...), nil
}

func (s *GitHubStub) GetIssue(_ context.Context, repo string, number int) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, issue := range s.issues[repo] {
		if issue.Number == number {
			return &issue, nil
		}
	}
	return nil, &Error{Code: CodeNotFound, Message: "issue"}
}

func (s *GitHubStub) ListPRs(_ context.Context, repo, _ string) ([]PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PullRequest(nil), s.prs[repo]...), nil
}

func (s *GitHubStub) ListReviews(_ context.Context, _ string, _ int) ([]Review, error) {
	return nil, nil
}

func (s *GitHubStub) ListReviewComments(_ context.Context, _ string, _ int) ([]ReviewComment, error) {
	return nil, nil
}

func (s *GitHubStub) CreateComment(_ context.Context, repo string, number int, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, formatRef(repo, number)+": "+body)
	return nil
}

func (s *GitHubStub) CreateLabel(_ context.Context, repo, name, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, repo+": +"+name)
	return nil
}

func (s *GitHubStub) AddLabel(_ context.Context, repo string, number int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, formatRef(repo, number)+": +"+label)
	return nil
}

func (s *GitHubStub) RemoveLabel(_ context.Context, repo string, number int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, formatRef(repo, number)+": -"+label)
	return nil
}

func (s *GitHubStub) CreatePR(_ context.Context, repo, title, head, base, _ string) (*PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPR++
	pr := PullRequest{Number: s.nextPR, Title: title, State: "open", Head: head, Base: base}
	s.prs[repo] = append(s.prs[repo], pr)
	return &pr, nil
}

func (s *GitHubStub) MergePR(_ context.Context, repo string, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, pr := range s.prs[repo] {
		if pr.Number == number {
			s.prs[repo][i].State = "closed"
			s.prs[repo][i].Merged = true
			return nil
		}
	}
	return &Error{Code: CodeNotFound, Message: "pr"}
}

func (s *GitHubStub) CreateBranch(_ context.Context, _, _, _ string) error { return nil }
func (s *GitHubStub) DeleteBranch(_ context.Context, _, _ string) error    { return nil }

func formatRef(repo string, number int) string {
	return repo + "#" + strconv.Itoa(number)
}
