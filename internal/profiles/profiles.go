// Package profiles hydrates auth material from a pluggable backend
// into a local filesystem view, and discovers the resulting profile
// files.
package profiles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
)

// HydrationError wraps a backend failure with a human-readable cause.
type HydrationError struct {
	Backend string
	Cause   error
}

func (e *HydrationError) Error() string {
	return fmt.Sprintf("hydrate profiles (%s backend): %v", e.Backend, e.Cause)
}

func (e *HydrationError) Unwrap() error { return e.Cause }

// Provider hydrates auth material into a local directory.
type Provider interface {
	BackendName() string
	Hydrate(ctx context.Context) (coordtypes.HydrationResult, error)
}

// LocalProvider treats a caller-supplied directory as the source of
// truth. It performs no copying: hydrate succeeds if the directory
// exists and is a directory, and the key file is the sibling
// "key.txt" of the parent of that directory.
type LocalProvider struct {
	Dir string
}

func (p *LocalProvider) BackendName() string { return "local" }

func (p *LocalProvider) Hydrate(ctx context.Context) (coordtypes.HydrationResult, error) {
	abs, err := filepath.Abs(p.Dir)
	if err != nil {
		return coordtypes.HydrationResult{}, &HydrationError{Backend: p.BackendName(), Cause: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return coordtypes.HydrationResult{}, &HydrationError{Backend: p.BackendName(), Cause: err}
	}
	if !info.IsDir() {
		return coordtypes.HydrationResult{}, &HydrationError{
			Backend: p.BackendName(),
			Cause:   fmt.Errorf("%s is not a directory", abs),
		}
	}

	result := coordtypes.HydrationResult{ProfilesDir: abs}
	keyFile := filepath.Join(filepath.Dir(abs), "key.txt")
	if _, err := os.Stat(keyFile); err == nil {
		result.KeyFile = keyFile
	}
	return result, nil
}

// Discover lists "*.json" files directly under dir, sorted by
// filename, and returns one AuthProfile per match.
func Discover(dir string) ([]coordtypes.AuthProfile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("discover profiles: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("discover profiles: %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("discover profiles: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]coordtypes.AuthProfile, 0, len(names))
	for _, name := range names {
		abs, err := filepath.Abs(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("discover profiles: %w", err)
		}
		out = append(out, coordtypes.AuthProfile{
			Name: strings.TrimSuffix(name, ".json"),
			Path: abs,
		})
	}
	return out, nil
}
