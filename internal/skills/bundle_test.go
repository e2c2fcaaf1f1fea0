package skills

import (
	"bytes"
	"testing"
)

func testBundle(t *testing.T) *Bundle {
	t.Helper()
	files := map[string][]byte{
		ManifestFile:        []byte("name: triage\nversion: 1.2.0\nfiles:\n  - SKILL.md\n  - prompts/triage.md\n"),
		"SKILL.md":          []byte("# Triage\n"),
		"prompts/triage.md": []byte("Summarize the issue.\n"),
	}
	b, err := LoadBundle(files)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestLoadBundle(t *testing.T) {
	b := testBundle(t)
	if b.Manifest.Name != "triage" || b.Manifest.Version != "1.2.0" {
		t.Fatalf("manifest parsed wrong: %+v", b.Manifest)
	}
	if len(b.Files) != 3 {
		t.Fatalf("expected 3 files, got %d", len(b.Files))
	}
}

func TestLoadBundleMissingDeclaredFile(t *testing.T) {
	files := map[string][]byte{
		ManifestFile: []byte("name: triage\nversion: 1.0.0\nfiles: [SKILL.md]\n"),
	}
	if _, err := LoadBundle(files); err == nil {
		t.Fatal("expected error for absent declared file")
	}
}

func TestManifestValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no name", "version: 1.0.0\nfiles: [a]"},
		{"no version", "name: x\nfiles: [a]"},
		{"no files", "name: x\nversion: 1.0.0"},
		{"absolute path", "name: x\nversion: 1.0.0\nfiles: [/etc/passwd]"},
		{"escaping path", "name: x\nversion: 1.0.0\nfiles: [../../secrets]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tc.yaml)); err == nil {
				t.Fatalf("manifest %q should not validate", tc.yaml)
			}
		})
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	b := testBundle(t)
	packed, err := PackContent(b)
	if err != nil {
		t.Fatal(err)
	}

	files, err := UnpackContent(packed)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != len(b.Files) {
		t.Fatalf("expected %d files, got %d", len(b.Files), len(files))
	}
	for name, body := range b.Files {
		if !bytes.Equal(files[name], body) {
			t.Fatalf("file %s corrupted in round trip", name)
		}
	}
}

func TestPackIsDeterministic(t *testing.T) {
	b := testBundle(t)
	first, err := PackContent(b)
	if err != nil {
		t.Fatal(err)
	}
	second, err := PackContent(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("identical bundles should pack identically")
	}
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		in   string
		want Ref
		bad  bool
	}{
		{in: "oci://ghcr.io/acme/triage:v1", want: Ref{Registry: "ghcr.io", Path: "acme/triage", Tag: "v1"}},
		{in: "ghcr.io/acme/triage", want: Ref{Registry: "ghcr.io", Path: "acme/triage"}},
		{in: "localhost:5000/skills/triage:latest", want: Ref{Registry: "localhost:5000", Path: "skills/triage", Tag: "latest"}},
		{in: "ghcr.io/acme/triage@sha256:abc123", want: Ref{Registry: "ghcr.io", Path: "acme/triage", Digest: "sha256:abc123"}},
		{in: "oci://", bad: true},
		{in: "no-slash", bad: true},
		{in: "ghcr.io/acme/triage@md5:nope", bad: true},
	}
	for _, tc := range cases {
		got, err := ParseRef(tc.in)
		if tc.bad {
			if err == nil {
				t.Errorf("ParseRef(%q) should fail", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRef(%q): %v", tc.in, err)
			continue
		}
		if *got != tc.want {
			t.Errorf("ParseRef(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestRefStringRoundTrip(t *testing.T) {
	in := "oci://ghcr.io/acme/triage:v1"
	ref, err := ParseRef(in)
	if err != nil {
		t.Fatal(err)
	}
	if ref.String() != in {
		t.Fatalf("String() = %q, want %q", ref.String(), in)
	}
}
