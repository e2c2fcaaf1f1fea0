// Package protocol defines the v1 wire protocol between sprites and the
// control plane. Sprites emit structured events on stdout (prefixed lines)
// and mirror every event to a durable outbox file; the control plane parses
// the stream, reconciles it against the outbox after each session, and
// routes actionable events into the intent system.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the only protocol version this engine speaks.
const Version = "v1"

// Filesystem contract on the sprite side.
const (
	// OutboxPath is the append-only JSONL file each sprite mirrors its
	// events to. Authoritative over the stdout stream on duplicates.
	OutboxPath = "/workspace/.lattice/outbox.jsonl"

	// ResumePath is where the control plane writes resume instructions
	// before re-exec'ing a paused sprite.
	ResumePath = "/workspace/.lattice/resume.json"
)

// EventType identifies the kind of protocol event.
type EventType string

const (
	// Sprite → Control Plane
	EventInfo                EventType = "INFO"
	EventPhaseStarted        EventType = "PHASE_STARTED"
	EventPhaseFinished       EventType = "PHASE_FINISHED"
	EventActionRequest       EventType = "ACTION_REQUEST"
	EventArtifact            EventType = "ARTIFACT"
	EventWaiting             EventType = "WAITING"
	EventCompleted           EventType = "COMPLETED"
	EventError               EventType = "ERROR"
	EventEnvironmentProposal EventType = "ENVIRONMENT_PROPOSAL"
)

// Event is the envelope wrapping every protocol message.
type Event struct {
	ProtocolVersion string         `json:"protocol_version"`
	EventType       EventType      `json:"event_type"`
	SpriteID        string         `json:"sprite_id"`
	WorkItemID      string         `json:"work_item_id"`
	Timestamp       time.Time      `json:"timestamp"`
	Payload         map[string]any `json:"payload"`
}

// CompletionStatus values for COMPLETED events.
const (
	CompletionSuccess = "success"
	CompletionFailure = "failure"
)

// ProposalScope values for ENVIRONMENT_PROPOSAL events.
const (
	ScopeRepoSpecific    = "repo_specific"
	ScopeGlobalCandidate = "global_candidate"
)

// adjustmentTypes is the allowlist for environment proposal adjustments.
// Proposals naming any other type are rejected at parse time.
var adjustmentTypes = map[string]bool{
	"env_var":      true,
	"dependency":   true,
	"tool_install": true,
	"base_image":   true,
	"config_file":  true,
}

// requiredPayloadFields maps each event type to the payload fields that
// must be present and non-empty.
var requiredPayloadFields = map[EventType][]string{
	EventInfo:                {"message"},
	EventPhaseStarted:        {"phase"},
	EventPhaseFinished:       {"phase", "success"},
	EventActionRequest:       {"action", "parameters"},
	EventArtifact:            {"kind"},
	EventWaiting:             {"reason", "checkpoint_id"},
	EventCompleted:           {"status"},
	EventError:               {"message"},
	EventEnvironmentProposal: {"observed_failure", "suggested_adjustment", "confidence", "scope"},
}

// Validate checks the envelope and the per-type payload contract.
func (e *Event) Validate() error {
	if e.ProtocolVersion != Version {
		return fmt.Errorf("%w: unsupported protocol_version %q", ErrMalformedEvent, e.ProtocolVersion)
	}
	if e.SpriteID == "" {
		return fmt.Errorf("%w: missing sprite_id", ErrMalformedEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	required, ok := requiredPayloadFields[e.EventType]
	if !ok {
		return fmt.Errorf("%w: unknown event_type %q", ErrMalformedEvent, e.EventType)
	}
	for _, field := range required {
		if _, present := e.Payload[field]; !present {
			return fmt.Errorf("%w: %s missing payload field %q", ErrMalformedEvent, e.EventType, field)
		}
	}

	switch e.EventType {
	case EventCompleted:
		status, _ := e.Payload["status"].(string)
		if status != CompletionSuccess && status != CompletionFailure {
			return fmt.Errorf("%w: COMPLETED status must be success or failure, got %q", ErrMalformedEvent, status)
		}
	case EventWaiting:
		if s, _ := e.Payload["checkpoint_id"].(string); s == "" {
			return fmt.Errorf("%w: WAITING requires a non-empty checkpoint_id", ErrMalformedEvent)
		}
	case EventEnvironmentProposal:
		if err := validateProposal(e.Payload); err != nil {
			return err
		}
	}
	return nil
}

func validateProposal(payload map[string]any) error {
	conf, ok := payload["confidence"].(float64)
	if !ok || conf < 0 || conf > 1 {
		return fmt.Errorf("%w: proposal confidence must be in [0,1]", ErrMalformedEvent)
	}
	scope, _ := payload["scope"].(string)
	if scope != ScopeRepoSpecific && scope != ScopeGlobalCandidate {
		return fmt.Errorf("%w: proposal scope must be repo_specific or global_candidate", ErrMalformedEvent)
	}
	adj, ok := payload["suggested_adjustment"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: proposal suggested_adjustment must be an object", ErrMalformedEvent)
	}
	typ, _ := adj["type"].(string)
	if !adjustmentTypes[typ] {
		return fmt.Errorf("%w: proposal adjustment type %q not allowed", ErrMalformedEvent, typ)
	}
	return nil
}

// String returns a compact human-readable form for logs.
func (e *Event) String() string {
	return fmt.Sprintf("%s sprite=%s work_item=%s @%s",
		e.EventType, e.SpriteID, e.WorkItemID, e.Timestamp.Format(time.RFC3339))
}

// ResumePayload is written to ResumePath before re-exec'ing a paused sprite.
// Sprites must treat resume as idempotent: the same (checkpoint_id, inputs)
// pair applied twice is a no-op.
type ResumePayload struct {
	WorkItemID   string         `json:"work_item_id"`
	CheckpointID string         `json:"checkpoint_id"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Marshal renders the resume payload as JSON.
func (r ResumePayload) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal resume payload: %w", err)
	}
	return data, nil
}
