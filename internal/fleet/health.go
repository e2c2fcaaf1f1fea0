package fleet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/bus"
	"github.com/lattice-dev/lattice/internal/intent"
)

// Observation is a sprite-emitted fact about the world.
type Observation struct {
	SpriteID  string         `json:"sprite_id"`
	Type      string         `json:"type"`     // metric | anomaly | status | recommendation
	Severity  string         `json:"severity"` // info | low | medium | high | critical
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// severityRank orders severities for threshold checks.
var severityRank = map[string]int{
	"info":     0,
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

// HealthMonitor turns observations into broadcasts and, for severe ones,
// health_detect intents.
type HealthMonitor struct {
	pipeline *intent.Pipeline
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewHealthMonitor creates the observation ingester.
func NewHealthMonitor(pipeline *intent.Pipeline, b *bus.Bus, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{pipeline: pipeline, bus: b, logger: logger}
}

// Ingest broadcasts an observation and raises a health_detect intent when
// severity reaches high.
func (m *HealthMonitor) Ingest(ctx context.Context, obs Observation) error {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}

	evt := bus.Event{
		Type:     bus.EventObservation,
		SpriteID: obs.SpriteID,
		Summary:  obs.Type + "/" + obs.Severity,
		Detail:   obs,
	}
	m.bus.Publish(bus.TopicObservations, evt)
	m.bus.Publish(bus.SpriteTopic(obs.SpriteID), evt)

	if severityRank[obs.Severity] < severityRank["high"] {
		return nil
	}

	in := intent.New(intent.KindHealthDetect,
		intent.Source{Type: intent.SourceSprite, ID: obs.SpriteID},
		fmt.Sprintf("%s observation (%s) on %s", obs.Type, obs.Severity, obs.SpriteID),
		map[string]any{
			"sprite_id":   obs.SpriteID,
			"observation": obs,
		})
	if _, err := m.pipeline.Propose(ctx, in); err != nil {
		return fmt.Errorf("raise health_detect intent: %w", err)
	}
	m.logger.Info("health intent raised",
		zap.String("sprite", obs.SpriteID),
		zap.String("severity", obs.Severity),
	)
	return nil
}
