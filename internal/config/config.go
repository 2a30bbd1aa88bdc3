// Package config holds the coordinator's runtime configuration: a
// flat struct populated from defaults, then overlaid by environment
// variables and CLI flags, following the same
// DefaultConfig+overlay shape as aegisd's own config package.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds coordinator runtime configuration.
type Config struct {
	// Profiles is the directory of profile JSONs (local backend).
	Profiles string
	// ProfileBackend selects "local" or "object-store".
	ProfileBackend string
	// AuthProfileBucket/Prefix/Region are object-store coordinates.
	AuthProfileBucket string
	AuthProfilePrefix string
	AuthProfileRegion string
	// AuthProfileCacheDir is the hydration target for the object-store backend.
	AuthProfileCacheDir string

	// BaseAPIPort/BaseStreamPort/BaseDebugPort/PortStep drive port assignment.
	BaseAPIPort    int
	BaseStreamPort int
	BaseDebugPort  int
	PortStep       int

	// CoordinatorHost/CoordinatorPort are the coordinator's own HTTP bind address.
	CoordinatorHost string
	CoordinatorPort int

	// LogDir holds per-child rotating log files.
	LogDir string
	// Headless controls whether children run with --headless.
	Headless bool

	// AuthKeyFile is the API-key list location.
	AuthKeyFile string
	// RequireAPIKey fails startup if the resolved key file is empty.
	RequireAPIKey bool

	// ShutdownTimeout bounds the graceful shutdown of the HTTP server,
	// watchdog and registry monitor. Slot termination runs after it and
	// is not bounded by it.
	ShutdownTimeout time.Duration
	// PollInterval is the registry monitor's wake interval.
	PollInterval time.Duration
	// RecoveryTimeout is the health-prober timeout for the recovery monitor.
	RecoveryTimeout time.Duration
	// StartupTimeout is the health-prober timeout during bootstrap.
	StartupTimeout time.Duration

	// RepoRoot is the working directory children are launched in.
	RepoRoot string
	// ScriptPath is the child entry point.
	ScriptPath string
}

// DefaultConfig returns the coordinator's default configuration.
func DefaultConfig() *Config {
	cwd, _ := os.Getwd()

	return &Config{
		Profiles:            filepath.Join("auth_profiles", "active"),
		ProfileBackend:      envOr("PROFILE_BACKEND", "local"),
		AuthProfileBucket:   os.Getenv("AUTH_PROFILE_S3_BUCKET"),
		AuthProfilePrefix:   os.Getenv("AUTH_PROFILE_S3_PREFIX"),
		AuthProfileRegion:   os.Getenv("AUTH_PROFILE_S3_REGION"),
		AuthProfileCacheDir: envOr("AUTH_PROFILE_S3_CACHE_DIR", "/tmp/auth_profiles"),

		BaseAPIPort:    3100,
		BaseStreamPort: 3200,
		BaseDebugPort:  9222,
		PortStep:       1,

		CoordinatorHost: "0.0.0.0",
		CoordinatorPort: 2048,

		LogDir:   filepath.Join("logs", "coordinator"),
		Headless: true,

		AuthKeyFile:   envOr("AUTH_KEY_FILE_PATH", filepath.Join("auth_profiles", "key.txt")),
		RequireAPIKey: false,

		ShutdownTimeout: 15 * time.Second,
		PollInterval:    10 * time.Second,
		RecoveryTimeout: 10 * time.Second,
		StartupTimeout:  30 * time.Second,

		RepoRoot:   cwd,
		ScriptPath: filepath.Join(cwd, "launch_camoufox.py"),
	}
}

// EnsureDirs creates every directory the coordinator writes to.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.LogDir, filepath.Dir(c.AuthKeyFile)}
	if c.ProfileBackend == "object-store" {
		dirs = append(dirs, c.AuthProfileCacheDir)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
