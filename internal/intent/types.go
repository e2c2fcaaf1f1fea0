// Package intent holds the durable unit of proposed work and the state
// machine that governs its lifecycle. Every side-effecting action in the
// control plane is represented as an intent; nothing runs without passing
// through propose → classify → gate → approve.
package intent

import (
	"time"

	"github.com/google/uuid"

	"github.com/lattice-dev/lattice/internal/safety"
)

// Kind tags what an intent proposes to do. The set is extensible;
// these are the built-ins.
type Kind string

const (
	KindAction          Kind = "action"
	KindInquiry         Kind = "inquiry"
	KindMaintenance     Kind = "maintenance"
	KindIssueTriage     Kind = "issue_triage"
	KindPRCreate        Kind = "pr_create"
	KindPRFixup         Kind = "pr_fixup"
	KindHealthDetect    Kind = "health_detect"
	KindHealthRemediate Kind = "health_remediate"
	KindDocUpdate       Kind = "doc_update"
	KindTask            Kind = "task"
)

// State is one lifecycle state of an intent.
type State string

const (
	StateProposed         State = "proposed"
	StateClassified       State = "classified"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateRunning          State = "running"
	StateBlocked          State = "blocked"
	StateWaitingForInput  State = "waiting_for_input"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateRejected         State = "rejected"
	StateCanceled         State = "canceled"
)

// SourceType identifies who proposed an intent.
type SourceType string

const (
	SourceSprite   SourceType = "sprite"
	SourceAgent    SourceType = "agent"
	SourceCron     SourceType = "cron"
	SourceOperator SourceType = "operator"
	SourceWebhook  SourceType = "webhook"
)

// Source is the origin of an intent.
type Source struct {
	Type SourceType `json:"type"`
	ID   string     `json:"id,omitempty"`
}

// Transition is one entry in an intent's append-only transition log.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Intent is the durable unit of proposed work.
type Intent struct {
	ID             string                `json:"id"`
	Kind           Kind                  `json:"kind"`
	State          State                 `json:"state"`
	Classification safety.Classification `json:"classification,omitempty"`
	Source         Source                `json:"source"`
	Summary        string                `json:"summary,omitempty"`
	Payload        map[string]any        `json:"payload,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`

	AffectedResources   []string `json:"affected_resources,omitempty"`
	ExpectedSideEffects []string `json:"expected_side_effects,omitempty"`
	RollbackStrategy    string   `json:"rollback_strategy,omitempty"`
	Plan                string   `json:"plan,omitempty"`
	ParentIntentID      string   `json:"parent_intent_id,omitempty"`

	TransitionLog []Transition `json:"transition_log"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ClassifiedAt *time.Time `json:"classified_at,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	BlockedAt    *time.Time `json:"blocked_at,omitempty"`
	ResumedAt    *time.Time `json:"resumed_at,omitempty"`
}

// NewID returns a collision-resistant, url-safe intent identifier.
func NewID() string {
	return uuid.NewString()
}

// New creates an intent in the proposed state. The caller may fill the
// optional fields before handing it to the pipeline.
func New(kind Kind, source Source, summary string, payload map[string]any) *Intent {
	now := time.Now().UTC()
	return &Intent{
		ID:        NewID(),
		Kind:      kind,
		State:     StateProposed,
		Source:    source,
		Summary:   summary,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Capability returns the capability/operation pair declared in the
// payload, when present.
func (i *Intent) Capability() (capability, operation string) {
	if i.Payload == nil {
		return "", ""
	}
	capability, _ = i.Payload["capability"].(string)
	operation, _ = i.Payload["operation"].(string)
	return capability, operation
}

// Repo returns the repo declared in the payload, when present.
func (i *Intent) Repo() string {
	if i.Payload == nil {
		return ""
	}
	repo, _ := i.Payload["repo"].(string)
	return repo
}
