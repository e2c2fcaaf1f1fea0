package capability

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds the current implementation of each capability. Reads are
// snapshot references; swaps (dynamic credential changes) take a short
// write lock.
type Registry struct {
	mu      sync.RWMutex
	sprites Sprites
	github  GitHub
	fly     Fly
	secrets Secrets
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Sprites returns the current sprites implementation.
func (r *Registry) Sprites() Sprites {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sprites
}

// GitHub returns the current GitHub implementation.
func (r *Registry) GitHub() GitHub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.github
}

// Fly returns the current Fly implementation.
func (r *Registry) Fly() Fly {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fly
}

// Secrets returns the current secret store implementation.
func (r *Registry) Secrets() Secrets {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.secrets
}

// SetSprites swaps the sprites implementation.
func (r *Registry) SetSprites(impl Sprites) {
	r.mu.Lock()
	r.sprites = impl
	r.mu.Unlock()
	r.logger.Info("capability implementation swapped", zap.String("capability", "sprites"))
}

// SetGitHub swaps the GitHub implementation.
func (r *Registry) SetGitHub(impl GitHub) {
	r.mu.Lock()
	r.github = impl
	r.mu.Unlock()
	r.logger.Info("capability implementation swapped", zap.String("capability", "github"))
}

// SetFly swaps the Fly implementation.
func (r *Registry) SetFly(impl Fly) {
	r.mu.Lock()
	r.fly = impl
	r.mu.Unlock()
	r.logger.Info("capability implementation swapped", zap.String("capability", "fly"))
}

// SetSecrets swaps the secret store implementation.
func (r *Registry) SetSecrets(impl Secrets) {
	r.mu.Lock()
	r.secrets = impl
	r.mu.Unlock()
	r.logger.Info("capability implementation swapped", zap.String("capability", "secrets"))
}
