// coordinator supervises a fixed pool of browser-backed child
// processes and exposes a single HTTP front-end that load-balances
// OpenAI-compatible chat/completion requests across the healthy ones.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/integrii/flaggy"
	"golang.org/x/sync/errgroup"

	"github.com/leonardtan13/aistudio-coordinator/internal/authkeys"
	"github.com/leonardtan13/aistudio-coordinator/internal/childregistry"
	"github.com/leonardtan13/aistudio-coordinator/internal/config"
	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
	"github.com/leonardtan13/aistudio-coordinator/internal/health"
	"github.com/leonardtan13/aistudio-coordinator/internal/httpapi"
	"github.com/leonardtan13/aistudio-coordinator/internal/launcher"
	"github.com/leonardtan13/aistudio-coordinator/internal/ports"
	"github.com/leonardtan13/aistudio-coordinator/internal/profiles"
	"github.com/leonardtan13/aistudio-coordinator/internal/slotmanager"
	"github.com/leonardtan13/aistudio-coordinator/internal/version"
	"github.com/leonardtan13/aistudio-coordinator/internal/watchdog"
)

func main() {
	log.SetFlags(log.LstdFlags)

	cfg := config.DefaultConfig()
	parseFlags(cfg)

	if err := run(cfg); err != nil {
		log.Printf("coordinator: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func parseFlags(cfg *config.Config) {
	var noHeadless bool
	var shutdownTimeout, pollInterval, recoveryTimeout, startupTimeout string

	flaggy.SetName("coordinator")
	flaggy.SetDescription("Supervises a pool of browser-backed child proxies behind one OpenAI-compatible HTTP front-end.")
	flaggy.SetVersion(version.Version())

	flaggy.String(&cfg.Profiles, "", "profiles", "Directory of profile JSONs (local backend)")
	flaggy.String(&cfg.ProfileBackend, "", "profile-backend", "Backend selector: local or object-store")
	flaggy.String(&cfg.AuthProfileBucket, "", "auth-profile-bucket", "Object-store bucket")
	flaggy.String(&cfg.AuthProfilePrefix, "", "auth-profile-prefix", "Object-store key prefix")
	flaggy.String(&cfg.AuthProfileRegion, "", "auth-profile-region", "Object-store region")
	flaggy.String(&cfg.AuthProfileCacheDir, "", "auth-profile-cache-dir", "Hydration target directory")

	flaggy.Int(&cfg.BaseAPIPort, "", "base-api-port", "First-slot API port")
	flaggy.Int(&cfg.BaseStreamPort, "", "base-stream-port", "First-slot stream port")
	flaggy.Int(&cfg.BaseDebugPort, "", "base-debug-port", "First-slot debug port")
	flaggy.Int(&cfg.PortStep, "", "port-step", "Increment between slots")

	flaggy.String(&cfg.CoordinatorHost, "", "coordinator-host", "HTTP bind host")
	flaggy.Int(&cfg.CoordinatorPort, "", "coordinator-port", "HTTP bind port")

	flaggy.String(&cfg.LogDir, "", "log-dir", "Per-child rotating log directory")
	flaggy.Bool(&noHeadless, "", "no-headless", "Disable headless mode for children")

	flaggy.String(&cfg.AuthKeyFile, "", "auth-key-file", "API-key list location")
	flaggy.Bool(&cfg.RequireAPIKey, "", "require-api-key", "Fail startup if the resolved key file is empty")

	flaggy.String(&shutdownTimeout, "", "shutdown-timeout", "Graceful shutdown deadline (e.g. 15s)")
	flaggy.String(&pollInterval, "", "poll-interval", "Registry monitor wake interval (e.g. 10s)")
	flaggy.String(&recoveryTimeout, "", "recovery-timeout", "Recovery health-probe timeout (e.g. 10s)")
	flaggy.String(&startupTimeout, "", "startup-timeout", "Startup health-probe timeout (e.g. 30s)")

	flaggy.Parse()

	if noHeadless {
		cfg.Headless = false
	}
	for _, d := range []struct {
		raw *string
		dst *time.Duration
	}{
		{&shutdownTimeout, &cfg.ShutdownTimeout},
		{&pollInterval, &cfg.PollInterval},
		{&recoveryTimeout, &cfg.RecoveryTimeout},
		{&startupTimeout, &cfg.StartupTimeout},
	} {
		if *d.raw == "" {
			continue
		}
		if parsed, err := time.ParseDuration(*d.raw); err == nil {
			*d.dst = parsed
		} else {
			log.Printf("ignoring invalid duration %q: %v", *d.raw, err)
		}
	}
}

// run is the coordinator's body, isolated from main() so startup
// failures return a plain error instead of calling os.Exit directly.
func run(cfg *config.Config) error {
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	hydrationResult, err := hydrateProfiles(ctx, cfg)
	if err != nil {
		return fmt.Errorf("hydrate profiles: %w", err)
	}

	authStore := authkeys.New(cfg.AuthKeyFile)
	if err := authStore.Initialize(); err != nil {
		return fmt.Errorf("initialize API keys: %w", err)
	}
	if cfg.RequireAPIKey && authStore.Empty() {
		return fmt.Errorf("--require-api-key set but %s has no keys", authStore.Path())
	}
	if hydrationResult.KeyFile != "" {
		os.Setenv("AUTH_KEY_FILE_PATH", hydrationResult.KeyFile)
	}

	authProfiles, err := profiles.Discover(hydrationResult.ProfilesDir)
	if err != nil {
		return fmt.Errorf("discover profiles: %w", err)
	}
	if len(authProfiles) == 0 {
		return fmt.Errorf("no profiles discovered under %s", hydrationResult.ProfilesDir)
	}
	log.Printf("discovered %d profile(s)", len(authProfiles))

	assigned, err := ports.Assign(len(authProfiles), cfg.BaseAPIPort, cfg.BaseStreamPort, cfg.BaseDebugPort, cfg.PortStep)
	if err != nil {
		return fmt.Errorf("assign ports: %w", err)
	}

	childLauncher := launcher.New(launcher.Options{
		ScriptPath: cfg.ScriptPath,
		RepoRoot:   cfg.RepoRoot,
		LogDir:     cfg.LogDir,
		Headless:   cfg.Headless,
		Env:        map[string]string{"AUTH_KEY_FILE_PATH": os.Getenv("AUTH_KEY_FILE_PATH")},
	}, log.New(os.Stdout, "[launcher] ", log.LstdFlags))

	sm := slotmanager.New(assigned, childLauncher, log.New(os.Stdout, "[slotmanager] ", log.LstdFlags))

	children, err := sm.Bootstrap(ctx, authProfiles)
	if err != nil {
		return fmt.Errorf("bootstrap children: %w", err)
	}

	initializeChildren(ctx, children, cfg.StartupTimeout)

	registry := childregistry.New(children,
		childregistry.WithEvictor(sm),
		childregistry.WithPollInterval(cfg.PollInterval),
		childregistry.WithRecoveryTimeout(cfg.RecoveryTimeout),
		childregistry.WithLogger(log.New(os.Stdout, "[registry] ", log.LstdFlags)))
	for _, c := range children {
		if c.Ready() {
			registry.MarkReady(c)
		}
	}
	registry.StartMonitoring(ctx)

	wd := watchdog.New(registry, log.New(os.Stdout, "[watchdog] ", log.LstdFlags))
	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	go wd.Run(watchdogCtx)

	server := httpapi.New(registry, authStore, log.New(os.Stdout, "[http] ", log.LstdFlags))
	addr := fmt.Sprintf("%s:%d", cfg.CoordinatorHost, cfg.CoordinatorPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	httpServer := &http.Server{Handler: server.Handler()}

	var readyNames []string
	for _, c := range children {
		if c.Ready() {
			readyNames = append(readyNames, c.Profile.Name)
		}
	}
	log.Printf("coordinator ready on %s, children ready: %v", addr, readyNames)

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		log.Printf("received shutdown signal")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(shutdownCtx)
	g.Go(func() error { return httpServer.Shutdown(shutdownCtx) })
	g.Go(func() error { stopWatchdog(); return nil })
	g.Go(func() error { registry.Shutdown(); return nil })
	if err := g.Wait(); err != nil {
		log.Printf("component shutdown: %v", err)
	}

	sm.Shutdown("coordinator shutdown")
	log.Println("coordinator stopped")
	return nil
}

func hydrateProfiles(ctx context.Context, cfg *config.Config) (coordtypes.HydrationResult, error) {
	var provider profiles.Provider
	switch cfg.ProfileBackend {
	case "object-store":
		provider = &profiles.ObjectStoreProvider{
			Bucket:   cfg.AuthProfileBucket,
			Prefix:   cfg.AuthProfilePrefix,
			Region:   cfg.AuthProfileRegion,
			CacheDir: cfg.AuthProfileCacheDir,
		}
	default:
		provider = &profiles.LocalProvider{Dir: cfg.Profiles}
	}
	return provider.Hydrate(ctx)
}

// initializeChildren runs the startup health probe for every bootstrapped
// child concurrently; a startup timeout leaves a child unready rather
// than recycling it immediately, per the coordinator's readiness
// policy.
func initializeChildren(ctx context.Context, children []*coordtypes.ChildProcess, timeout time.Duration) {
	var g errgroup.Group
	for _, c := range children {
		c := c
		g.Go(func() error {
			if !health.WaitForReady(ctx, c, timeout) {
				log.Printf("startup: %s did not become ready within %s", c.Profile.Name, timeout)
			}
			return nil
		})
	}
	g.Wait()
}
