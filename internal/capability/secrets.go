package capability

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
)

// EnvSecrets is the live secret store, backed by process environment
// variables under a fixed prefix. Dynamic Set writes land in memory only
// and override the environment until restart.
type EnvSecrets struct {
	prefix    string
	mu        sync.RWMutex
	overrides map[string]string
}

var _ Secrets = (*EnvSecrets)(nil)

// NewEnvSecrets creates an environment-backed secret store. Secret NAME
// resolves from the env var prefix+NAME (upper-cased).
func NewEnvSecrets(prefix string) *EnvSecrets {
	if prefix == "" {
		prefix = "LATTICE_SECRET_"
	}
	return &EnvSecrets{prefix: prefix, overrides: make(map[string]string)}
}

func (s *EnvSecrets) envKey(name string) string {
	return s.prefix + strings.ToUpper(name)
}

// List returns the names of all known secrets. Values are never listed.
func (s *EnvSecrets) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, s.prefix) {
			name := strings.ToLower(strings.TrimPrefix(key, s.prefix))
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	for name := range s.overrides {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Get resolves a secret value.
func (s *EnvSecrets) Get(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	if v, ok := s.overrides[strings.ToLower(name)]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	if v := os.Getenv(s.envKey(name)); v != "" {
		return v, nil
	}
	return "", &Error{Code: CodeNotFound, Message: "secret " + name}
}

// Set stores an in-memory override.
func (s *EnvSecrets) Set(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[strings.ToLower(name)] = value
	return nil
}

// SecretsStub is a purely in-memory secret store for tests.
type SecretsStub struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Secrets = (*SecretsStub)(nil)

// NewSecretsStub creates an empty stub.
func NewSecretsStub() *SecretsStub {
	return &SecretsStub{values: make(map[string]string)}
}

func (s *SecretsStub) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *SecretsStub) Get(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[name]; ok {
		return v, nil
	}
	return "", &Error{Code: CodeNotFound, Message: "secret " + name}
}

func (s *SecretsStub) Set(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}
