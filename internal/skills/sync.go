package skills

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"sort"

	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/capability"
)

// InstallRoot is where bundles land inside a sprite's workspace.
const InstallRoot = "/workspace/.lattice/skills"

const syncActor = "skill-sync"

// Puller resolves a reference to a validated bundle. RegistryClient is
// the production implementation.
type Puller interface {
	PullBundle(ctx context.Context, ref *Ref) (*Bundle, *PullResult, error)
}

// Report summarizes one bundle's sync across the fleet.
type Report struct {
	Ref       string
	Skill     string
	Version   string
	Digest    string
	Installed []string
	Skipped   []string
	Errors    map[string]string
}

// Failed reports whether any sprite install failed.
func (r Report) Failed() bool {
	return len(r.Errors) > 0
}

// Syncer pulls skill bundles and installs them on every ready sprite.
// Installs go through the capability dispatcher so each file write is
// gated and audited like any other exec.
type Syncer struct {
	puller     Puller
	dispatcher *capability.Dispatcher
	logger     *zap.Logger
}

// NewSyncer creates a syncer.
func NewSyncer(puller Puller, dispatcher *capability.Dispatcher, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{puller: puller, dispatcher: dispatcher, logger: logger}
}

// Sync pulls each referenced bundle and installs it on every ready
// sprite. All refs are attempted; the returned error aggregates any
// failures.
func (s *Syncer) Sync(ctx context.Context, refs []string) ([]Report, error) {
	reports := make([]Report, 0, len(refs))
	var failed int
	for _, raw := range refs {
		report, err := s.syncOne(ctx, raw)
		if err != nil {
			failed++
			s.logger.Error("skill sync failed", zap.String("ref", raw), zap.Error(err))
			reports = append(reports, Report{Ref: raw, Errors: map[string]string{"pull": err.Error()}})
			continue
		}
		if report.Failed() {
			failed++
		}
		reports = append(reports, report)
	}
	if failed > 0 {
		return reports, fmt.Errorf("skill sync: %d of %d bundles failed", failed, len(refs))
	}
	return reports, nil
}

func (s *Syncer) syncOne(ctx context.Context, raw string) (Report, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return Report{}, err
	}
	bundle, pull, err := s.puller.PullBundle(ctx, ref)
	if err != nil {
		return Report{}, fmt.Errorf("pull %s: %w", ref, err)
	}

	report := Report{
		Ref:     ref.String(),
		Skill:   bundle.Manifest.Name,
		Version: bundle.Manifest.Version,
		Digest:  pull.Digest,
		Errors:  make(map[string]string),
	}

	sprites, err := s.listSprites(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list sprites: %w", err)
	}

	for _, sprite := range sprites {
		if sprite.State != capability.StateReady {
			report.Skipped = append(report.Skipped, sprite.ID)
			continue
		}
		if err := s.install(ctx, sprite.ID, bundle); err != nil {
			report.Errors[sprite.ID] = err.Error()
			continue
		}
		report.Installed = append(report.Installed, sprite.ID)
		s.logger.Info("skill installed",
			zap.String("skill", bundle.Manifest.Name),
			zap.String("version", bundle.Manifest.Version),
			zap.String("sprite", sprite.ID))
	}
	return report, nil
}

func (s *Syncer) listSprites(ctx context.Context) ([]capability.Sprite, error) {
	result, err := s.dispatcher.Call(ctx, "sprites", "list", nil,
		capability.CallOpts{Actor: syncActor},
		func(ctx context.Context) (any, error) {
			return s.dispatcher.Registry().Sprites().List(ctx)
		})
	if err != nil {
		return nil, err
	}
	sprites, _ := result.([]capability.Sprite)
	return sprites, nil
}

// install writes every bundle file under the sprite's skill directory.
// File order is fixed so partial failures are reproducible.
func (s *Syncer) install(ctx context.Context, spriteID string, bundle *Bundle) error {
	dir := path.Join(InstallRoot, bundle.Manifest.Name)

	names := make([]string, 0, len(bundle.Files))
	for name := range bundle.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cmd := writeFileCmd(path.Join(dir, name), bundle.Files[name])
		result, err := s.dispatcher.Call(ctx, "sprites", "exec",
			map[string]any{
				"sprite_id": spriteID,
				"skill":     bundle.Manifest.Name,
				"file":      name,
			},
			capability.CallOpts{Actor: syncActor},
			func(ctx context.Context) (any, error) {
				return s.dispatcher.Registry().Sprites().Exec(ctx, spriteID, cmd)
			})
		if err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if res, ok := result.(*capability.ExecResult); ok && res.ExitCode != 0 {
			return fmt.Errorf("write %s: exit %d: %s", name, res.ExitCode, res.Stderr)
		}
	}
	return nil
}

// writeFileCmd builds a shell command that writes arbitrary bytes to a
// path. Content travels base64-encoded so binary files survive.
func writeFileCmd(dest string, body []byte) string {
	encoded := base64.StdEncoding.EncodeToString(body)
	return fmt.Sprintf("mkdir -p '%s' && printf '%%s' '%s' | base64 -d > '%s'",
		path.Dir(dest), encoded, dest)
}
