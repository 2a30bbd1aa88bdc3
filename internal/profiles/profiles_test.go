package profiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverOrdersByFilename(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"beta.json", "alpha.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	got, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 profiles, got %d: %+v", len(got), got)
	}
	if got[0].Name != "alpha" || got[1].Name != "beta" {
		t.Fatalf("expected [alpha, beta] in order, got [%s, %s]", got[0].Name, got[1].Name)
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	if _, err := Discover(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestDiscoverEmptyDir(t *testing.T) {
	dir := t.TempDir()
	got, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no profiles, got %+v", got)
	}
}

func TestLocalProviderHydrate(t *testing.T) {
	parent := t.TempDir()
	active := filepath.Join(parent, "active")
	if err := os.Mkdir(active, 0o700); err != nil {
		t.Fatal(err)
	}
	keyFile := filepath.Join(parent, "key.txt")
	if err := os.WriteFile(keyFile, []byte("sk-test"), 0o600); err != nil {
		t.Fatal(err)
	}

	p := &LocalProvider{Dir: active}
	result, err := p.Hydrate(context.Background())
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if result.KeyFile != keyFile {
		t.Errorf("KeyFile = %q, want %q", result.KeyFile, keyFile)
	}
}

func TestLocalProviderHydrateNoKeyFile(t *testing.T) {
	parent := t.TempDir()
	active := filepath.Join(parent, "active")
	if err := os.Mkdir(active, 0o700); err != nil {
		t.Fatal(err)
	}

	p := &LocalProvider{Dir: active}
	result, err := p.Hydrate(context.Background())
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if result.KeyFile != "" {
		t.Errorf("KeyFile = %q, want empty", result.KeyFile)
	}
}

func TestLocalProviderHydrateMissingDir(t *testing.T) {
	p := &LocalProvider{Dir: filepath.Join(t.TempDir(), "missing")}
	if _, err := p.Hydrate(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
