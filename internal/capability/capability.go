package capability

import (
	"context"
	"time"
)

// SpriteState is the lifecycle state alphabet shared by desired and
// observed state.
type SpriteState string

const (
	StateHibernating SpriteState = "hibernating"
	StateWaking      SpriteState = "waking"
	StateReady       SpriteState = "ready"
	StateBusy        SpriteState = "busy"
	StateError       SpriteState = "error"
)

// MapStatus translates a sprite API status string into the state alphabet.
// Unrecognized statuses map to error rather than guessing.
func MapStatus(apiStatus string) SpriteState {
	switch apiStatus {
	case "running":
		return StateReady
	case "warm":
		return StateWaking
	case "cold", "sleeping":
		return StateHibernating
	default:
		return StateError
	}
}

// Sprite is one managed agent as reported by the sprite API.
type Sprite struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Status    string      `json:"status"`
	State     SpriteState `json:"state"`
	Image     string      `json:"image,omitempty"`
	CreatedAt time.Time   `json:"created_at,omitempty"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
}

// ExecResult is the outcome of a one-shot exec.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ExecStream is a live exec session. Lines carries stdout line by line;
// the channel closes when the session ends. Err reports the terminal
// error, if any, after the channel closes.
type ExecStream interface {
	Lines() <-chan string
	Err() error
	Close() error
}

// Sprites is the capability over the external sprite API.
type Sprites interface {
	List(ctx context.Context) ([]Sprite, error)
	Get(ctx context.Context, id string) (*Sprite, error)
	Create(ctx context.Context, id string) (*Sprite, error)
	Delete(ctx context.Context, id string) error
	// Wake drives the sprite toward running. Against APIs that auto-wake
	// on any command this is emulated with a no-op exec.
	Wake(ctx context.Context, id string) error
	// Sleep is a no-op when the API has no explicit sleep.
	Sleep(ctx context.Context, id string) error
	Exec(ctx context.Context, id, cmd string) (*ExecResult, error)
	ExecWS(ctx context.Context, id, cmd string) (ExecStream, error)
	FetchLogs(ctx context.Context, id string) (string, error)
	RestoreCheckpoint(ctx context.Context, id, checkpointID string) error
}

// Issue is a GitHub issue summary.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	State  string   `json:"state"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
	URL    string   `json:"html_url,omitempty"`
}

// PullRequest is a GitHub pull request summary.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Head   string `json:"head,omitempty"`
	Base   string `json:"base,omitempty"`
	URL    string `json:"html_url,omitempty"`
	Merged bool   `json:"merged,omitempty"`
}

// Review is one PR review.
type Review struct {
	ID    int64  `json:"id"`
	User  string `json:"user"`
	State string `json:"state"`
	Body  string `json:"body,omitempty"`
}

// ReviewComment is one inline review comment.
type ReviewComment struct {
	ID   int64  `json:"id"`
	User string `json:"user"`
	Path string `json:"path,omitempty"`
	Body string `json:"body"`
}

// GitHub is the capability over the GitHub REST API, scoped to one repo
// ("owner/name").
type GitHub interface {
	ListIssues(ctx context.Context, repo, state string) ([]Issue, error)
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	ListPRs(ctx context.Context, repo, state string) ([]PullRequest, error)
	ListReviews(ctx context.Context, repo string, number int) ([]Review, error)
	ListReviewComments(ctx context.Context, repo string, number int) ([]ReviewComment, error)
	CreateComment(ctx context.Context, repo string, number int, body string) error
	CreateLabel(ctx context.Context, repo, name, color string) error
	AddLabel(ctx context.Context, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, repo string, number int, label string) error
	CreatePR(ctx context.Context, repo, title, head, base, body string) (*PullRequest, error)
	MergePR(ctx context.Context, repo string, number int) error
	CreateBranch(ctx context.Context, repo, name, fromSHA string) error
	DeleteBranch(ctx context.Context, repo, name string) error
}

// Machine is one Fly machine.
type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Region string `json:"region,omitempty"`
	Image  string `json:"image,omitempty"`
}

// Fly is the capability over the Fly Machines API.
type Fly interface {
	ListMachines(ctx context.Context, app string) ([]Machine, error)
	GetMachine(ctx context.Context, app, id string) (*Machine, error)
	RestartMachine(ctx context.Context, app, id string) error
	Deploy(ctx context.Context, app, image string) error
	Scale(ctx context.Context, app string, count int) error
}

// Secrets is the capability over the secret store. Values returned by
// Get must never be logged unredacted.
type Secrets interface {
	List(ctx context.Context) ([]string, error)
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
}
