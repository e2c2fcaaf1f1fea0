// Package skills distributes skill bundles to the fleet. A bundle is an
// OCI artifact whose content layer is a gzipped tarball of skill files
// described by a manifest.yaml; sync pulls bundles from a registry and
// installs them on every ready sprite.
package skills

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ManifestFile names the manifest every bundle must carry.
	ManifestFile = "manifest.yaml"

	// MediaTypeConfig is the OCI config blob media type.
	MediaTypeConfig = "application/vnd.lattice.skill.config.v1+json"
	// MediaTypeContent is the content layer media type.
	MediaTypeContent = "application/vnd.lattice.skill.content.v1.tar+gzip"

	// ArtifactType identifies skill manifests in the registry.
	ArtifactType = "application/vnd.lattice.skill.v1"

	maxBundleBytes = 32 << 20
)

// Manifest describes a skill bundle.
type Manifest struct {
	Name        string   `yaml:"name" json:"name"`
	Version     string   `yaml:"version" json:"version"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Files       []string `yaml:"files" json:"files"`
}

// ParseManifest parses and validates a manifest.yaml body.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest's shape and every declared file path.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest %s: version is required", m.Name)
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest %s: declares no files", m.Name)
	}
	for _, f := range m.Files {
		if !safeRelPath(f) {
			return fmt.Errorf("manifest %s: unsafe file path %q", m.Name, f)
		}
	}
	return nil
}

// safeRelPath rejects absolute paths and anything escaping the bundle
// root.
func safeRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// Bundle is an unpacked skill: the parsed manifest plus every file body,
// manifest.yaml included.
type Bundle struct {
	Manifest Manifest
	Files    map[string][]byte
}

// LoadBundle builds a bundle from a file set. The set must contain
// manifest.yaml and every file the manifest declares.
func LoadBundle(files map[string][]byte) (*Bundle, error) {
	raw, ok := files[ManifestFile]
	if !ok {
		return nil, fmt.Errorf("bundle: missing %s", ManifestFile)
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}
	for _, f := range m.Files {
		if _, ok := files[f]; !ok {
			return nil, fmt.Errorf("bundle %s: declared file %q absent", m.Name, f)
		}
	}
	return &Bundle{Manifest: *m, Files: files}, nil
}

// PackContent serializes the bundle's files as a gzipped tarball.
// Entries are written in sorted path order so identical bundles produce
// identical layers.
func PackContent(b *Bundle) ([]byte, error) {
	paths := make([]string, 0, len(b.Files))
	for p := range b.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, p := range paths {
		body := b.Files[p]
		hdr := &tar.Header{
			Name: p,
			Mode: 0o644,
			Size: int64(len(body)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("pack %s: %w", p, err)
		}
		if _, err := tw.Write(body); err != nil {
			return nil, fmt.Errorf("pack %s: %w", p, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackContent reads a gzipped tarball back into a file set, rejecting
// entries that would escape the bundle root.
func UnpackContent(data []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("unpack: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !safeRelPath(hdr.Name) {
			return nil, fmt.Errorf("unpack: unsafe entry %q", hdr.Name)
		}
		total += hdr.Size
		if total > maxBundleBytes {
			return nil, fmt.Errorf("unpack: bundle exceeds %d bytes", maxBundleBytes)
		}
		body, err := io.ReadAll(io.LimitReader(tr, maxBundleBytes))
		if err != nil {
			return nil, fmt.Errorf("unpack %s: %w", hdr.Name, err)
		}
		files[path.Clean(hdr.Name)] = body
	}
	return files, nil
}

// Ref is a parsed OCI skill reference.
type Ref struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

// ParseRef parses references of the form
// [oci://]registry/path[:tag][@sha256:digest].
func ParseRef(s string) (*Ref, error) {
	raw := strings.TrimPrefix(s, "oci://")
	if raw == "" {
		return nil, fmt.Errorf("empty skill reference")
	}

	ref := &Ref{}
	if i := strings.Index(raw, "@"); i >= 0 {
		ref.Digest = raw[i+1:]
		raw = raw[:i]
		if !strings.HasPrefix(ref.Digest, "sha256:") {
			return nil, fmt.Errorf("skill reference %q: unsupported digest %q", s, ref.Digest)
		}
	}
	// The tag separator is the last colon after the final slash. Colons
	// before it belong to the registry port.
	if slash := strings.LastIndex(raw, "/"); slash >= 0 {
		if colon := strings.LastIndex(raw[slash:], ":"); colon >= 0 {
			ref.Tag = raw[slash+colon+1:]
			raw = raw[:slash+colon]
		}
	}

	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("skill reference %q: want registry/path", s)
	}
	ref.Registry = parts[0]
	ref.Path = parts[1]
	return ref, nil
}

// String renders the reference back into canonical form.
func (r *Ref) String() string {
	var sb strings.Builder
	sb.WriteString("oci://")
	sb.WriteString(r.Registry)
	sb.WriteString("/")
	sb.WriteString(r.Path)
	if r.Tag != "" {
		sb.WriteString(":")
		sb.WriteString(r.Tag)
	}
	if r.Digest != "" {
		sb.WriteString("@")
		sb.WriteString(r.Digest)
	}
	return sb.String()
}
