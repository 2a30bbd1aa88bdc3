// Package watchdog notices children whose OS process has exited and
// forwards eviction requests to the registry, at roughly 1 Hz.
package watchdog

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
)

const tick = 1 * time.Second

// Registry is the surface the watchdog needs, narrowed for testing.
type Registry interface {
	AllChildren() []*coordtypes.ChildProcess
	EvictChild(c *coordtypes.ChildProcess, reason string)
}

// Watchdog polls registry.AllChildren() and evicts anything whose
// process has exited.
type Watchdog struct {
	registry Registry
	log      *log.Logger

	mu      sync.Mutex
	reported map[reportKey]struct{}
}

type reportKey struct {
	name string
	pid  int
}

// New creates a Watchdog over registry.
func New(registry Registry, logger *log.Logger) *Watchdog {
	if logger == nil {
		logger = log.New(os.Stdout, "[watchdog] ", log.LstdFlags)
	}
	return &Watchdog{
		registry: registry,
		log:      logger,
		reported: make(map[reportKey]struct{}),
	}
}

// Run blocks, polling at ~1 Hz until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

func (w *Watchdog) pollOnce() {
	for _, c := range w.registry.AllChildren() {
		if c.Alive() {
			continue
		}

		pid := 0
		if c.Cmd != nil && c.Cmd.Process != nil {
			pid = c.Cmd.Process.Pid
		}
		key := reportKey{name: c.Profile.Name, pid: pid}

		w.mu.Lock()
		_, already := w.reported[key]
		if !already {
			w.reported[key] = struct{}{}
		}
		w.mu.Unlock()
		if already {
			continue
		}

		code := 0
		if c.ExitErr() != nil {
			code = -1
		}
		reason := fmt.Sprintf("Process exit (code %d)", code)
		w.log.Printf("%s (pid %d) exited: %s", c.Profile.Name, pid, reason)
		w.registry.EvictChild(c, reason)
	}
}
