package skills

import (
	"context"
	"encoding/json"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// RegistryClient pushes and pulls skill bundles from OCI registries.
type RegistryClient struct {
	// PlainHTTP allows insecure registries (for dev/test).
	PlainHTTP bool
	// Username for registry auth (anonymous if empty).
	Username string
	// Password for registry auth.
	Password string
}

// NewRegistryClient creates a client for OCI registry operations.
func NewRegistryClient() *RegistryClient {
	return &RegistryClient{}
}

// WithAuth sets credentials for registry authentication.
func (rc *RegistryClient) WithAuth(username, password string) *RegistryClient {
	rc.Username = username
	rc.Password = password
	return rc
}

// WithPlainHTTP enables HTTP (non-TLS) for dev registries.
func (rc *RegistryClient) WithPlainHTTP(plain bool) *RegistryClient {
	rc.PlainHTTP = plain
	return rc
}

// PushResult holds the result of pushing a bundle to a registry.
type PushResult struct {
	Ref         string   `json:"ref"`
	Digest      string   `json:"digest"`
	ConfigSize  int64    `json:"config_size"`
	ContentSize int64    `json:"content_size"`
	Files       []string `json:"files"`
}

// PullResult holds the result of pulling a bundle from a registry.
type PullResult struct {
	Ref    string   `json:"ref"`
	Digest string   `json:"digest"`
	Size   int64    `json:"size"`
	Name   string   `json:"name,omitempty"`
	Files  []string `json:"files,omitempty"`
}

// Push packs a bundle and pushes it to the registry the ref names.
func (rc *RegistryClient) Push(ctx context.Context, bundle *Bundle, ref *Ref) (*PushResult, error) {
	packed, err := PackContent(bundle)
	if err != nil {
		return nil, fmt.Errorf("pack bundle: %w", err)
	}
	config, err := json.Marshal(bundle.Manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	store := memory.New()

	configDesc, err := oras.PushBytes(ctx, store, MediaTypeConfig, config)
	if err != nil {
		return nil, fmt.Errorf("push config to memory: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeContent, packed)
	if err != nil {
		return nil, fmt.Errorf("push content to memory: %w", err)
	}

	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, ArtifactType,
		oras.PackManifestOptions{
			ConfigDescriptor: &configDesc,
			Layers:           []ocispec.Descriptor{contentDesc},
		})
	if err != nil {
		return nil, fmt.Errorf("pack manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag manifest: %w", err)
	}

	repo, err := rc.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	copyDesc, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      copyDesc.Digest.String(),
		ConfigSize:  configDesc.Size,
		ContentSize: contentDesc.Size,
		Files:       bundle.Manifest.Files,
	}, nil
}

// Pull downloads a bundle's content layer and metadata.
func (rc *RegistryClient) Pull(ctx context.Context, ref *Ref) ([]byte, *PullResult, error) {
	repo, err := rc.repository(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}

	store := memory.New()
	pullRef := ref.Tag
	if ref.Digest != "" {
		pullRef = ref.Digest
	}
	if pullRef == "" {
		pullRef = "latest"
	}

	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("pull from registry: %w", err)
	}

	manifestData, err := content.FetchAll(ctx, store, manifestDesc)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}

	var contentData []byte
	for _, layer := range manifest.Layers {
		if layer.MediaType == MediaTypeContent {
			contentData, err = content.FetchAll(ctx, store, layer)
			if err != nil {
				return nil, nil, fmt.Errorf("fetch content layer: %w", err)
			}
		}
	}
	if contentData == nil {
		return nil, nil, fmt.Errorf("no content layer found in manifest")
	}

	result := &PullResult{
		Ref:    ref.String(),
		Digest: manifestDesc.Digest.String(),
		Size:   manifestDesc.Size,
	}
	if manifest.Config.Size > 0 {
		if configData, err := content.FetchAll(ctx, store, manifest.Config); err == nil {
			var m Manifest
			if json.Unmarshal(configData, &m) == nil {
				result.Name = m.Name
				result.Files = m.Files
			}
		}
	}
	return contentData, result, nil
}

// PullBundle downloads, unpacks, and validates a bundle.
func (rc *RegistryClient) PullBundle(ctx context.Context, ref *Ref) (*Bundle, *PullResult, error) {
	data, result, err := rc.Pull(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	files, err := UnpackContent(data)
	if err != nil {
		return nil, nil, err
	}
	bundle, err := LoadBundle(files)
	if err != nil {
		return nil, nil, err
	}
	return bundle, result, nil
}

// repository creates a remote.Repository for the given reference.
func (rc *RegistryClient) repository(ref *Ref) (*remote.Repository, error) {
	repo, err := remote.NewRepository(fmt.Sprintf("%s/%s", ref.Registry, ref.Path))
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = rc.PlainHTTP
	if rc.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: rc.Username,
				Password: rc.Password,
			}),
		}
	}
	return repo, nil
}
