// Package webhook receives GitHub event deliveries, verifies their HMAC
// signatures, deduplicates redeliveries, and turns actionable events into
// intent proposals.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/intent"
)

const (
	// DefaultDedupTTL is how long a delivery id stays in the replay set.
	DefaultDedupTTL = 5 * time.Minute

	maxBodyBytes = 1 << 20

	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"
)

// DeliveryMetrics counts webhook deliveries by result.
type DeliveryMetrics interface {
	ObserveWebhookDelivery(result string)
}

// Handler is the inbound GitHub webhook endpoint.
type Handler struct {
	secret   []byte
	pipeline *intent.Pipeline
	logger   *zap.Logger
	metrics  DeliveryMetrics
	ttl      time.Duration
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // delivery id → expiry
}

// NewHandler creates the webhook handler.
func NewHandler(secret string, pipeline *intent.Pipeline, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		secret:   []byte(secret),
		pipeline: pipeline,
		logger:   logger,
		ttl:      DefaultDedupTTL,
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}
}

// WithMetrics installs the delivery metrics sink.
func (h *Handler) WithMetrics(m DeliveryMetrics) *Handler {
	h.metrics = m
	return h
}

// WithDedupTTL overrides the replay-set TTL.
func (h *Handler) WithDedupTTL(ttl time.Duration) *Handler {
	if ttl > 0 {
		h.ttl = ttl
	}
	return h
}

// Sign computes the signature header value for a body. Exposed for tests
// and outbound verification tooling.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verify checks the signature header against the raw body in constant
// time.
func (h *Handler) verify(body []byte, header string) bool {
	if len(h.secret) == 0 || header == "" {
		return false
	}
	expected := Sign(h.secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}

// duplicate records a delivery id and reports whether it was already seen
// inside the TTL window.
func (h *Handler) duplicate(deliveryID string) bool {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, expiry := range h.seen {
		if now.After(expiry) {
			delete(h.seen, id)
		}
	}
	if _, ok := h.seen[deliveryID]; ok {
		return true
	}
	h.seen[deliveryID] = now.Add(h.ttl)
	return false
}

func (h *Handler) observe(result string) {
	if h.metrics != nil {
		h.metrics.ObserveWebhookDelivery(result)
	}
}

// ServeHTTP implements the delivery contract: bad signature → 401 with no
// side effects, duplicate → 200 with no side effects, actionable event →
// one intent proposal.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.observe("read_error")
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !h.verify(body, r.Header.Get(headerSignature)) {
		h.observe("bad_signature")
		h.logger.Warn("webhook signature rejected",
			zap.String("delivery", r.Header.Get(headerDelivery)))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get(headerDelivery)
	if deliveryID != "" && h.duplicate(deliveryID) {
		h.observe("duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	event := r.Header.Get(headerEvent)
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		h.observe("bad_payload")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	in := h.intentFor(event, deliveryID, payload)
	if in == nil {
		h.observe("ignored")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if _, err := h.pipeline.Propose(r.Context(), in); err != nil {
		h.observe("propose_error")
		h.logger.Error("webhook intent proposal failed",
			zap.String("event", event),
			zap.String("delivery", deliveryID),
			zap.Error(err))
		http.Error(w, "proposal failed", http.StatusInternalServerError)
		return
	}

	h.observe("accepted")
	h.logger.Info("webhook delivery accepted",
		zap.String("event", event),
		zap.String("delivery", deliveryID),
		zap.String("intent", in.ID))
	w.WriteHeader(http.StatusAccepted)
}

// intentFor maps a GitHub event to an intent proposal, or nil when the
// event is not actionable.
func (h *Handler) intentFor(event, deliveryID string, payload map[string]any) *intent.Intent {
	source := intent.Source{Type: intent.SourceWebhook, ID: deliveryID}
	repo := repoFullName(payload)
	action, _ := payload["action"].(string)

	switch event {
	case "issues":
		if action != "labeled" && action != "opened" {
			return nil
		}
		number := issueNumber(payload, "issue")
		return intent.New(intent.KindIssueTriage, source,
			fmt.Sprintf("triage issue #%d in %s", number, repo),
			map[string]any{"repo": repo, "number": number, "action": action})

	case "issue_comment":
		if action != "created" {
			return nil
		}
		number := issueNumber(payload, "issue")
		return intent.New(intent.KindIssueTriage, source,
			fmt.Sprintf("triage comment on #%d in %s", number, repo),
			map[string]any{"repo": repo, "number": number, "action": action})

	case "pull_request":
		switch action {
		case "synchronize", "review_requested", "reopened":
		default:
			return nil
		}
		number := issueNumber(payload, "pull_request")
		return intent.New(intent.KindPRFixup, source,
			fmt.Sprintf("follow up on PR #%d in %s", number, repo),
			map[string]any{"repo": repo, "number": number, "action": action})
	}
	return nil
}

func repoFullName(payload map[string]any) string {
	repo, _ := payload["repository"].(map[string]any)
	name, _ := repo["full_name"].(string)
	return name
}

func issueNumber(payload map[string]any, key string) int {
	obj, _ := payload[key].(map[string]any)
	n, _ := obj["number"].(float64)
	return int(n)
}
