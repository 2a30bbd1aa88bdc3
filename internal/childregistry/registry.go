// Package childregistry tracks each child's ready/unhealthy membership,
// implements round-robin dispatch, and runs a background monitor that
// rechecks unhealthy children and asks the slot manager to recycle on
// terminal failure.
package childregistry

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
	"github.com/leonardtan13/aistudio-coordinator/internal/health"
)

// Evictor is the slot-manager surface the registry needs to recycle a
// child. Narrowed to one method so tests can substitute a fake.
type Evictor interface {
	EvictChild(child *coordtypes.ChildProcess, reason string) *coordtypes.ChildProcess
}

// Registry tracks child readiness and implements round-robin dispatch.
type Registry struct {
	mu        sync.Mutex
	children  map[string]*coordtypes.ChildProcess
	ready     []*coordtypes.ChildProcess // deque; head = index 0
	unhealthy map[string]struct{}

	evictor Evictor
	log     *log.Logger

	pollInterval    time.Duration
	recoveryTimeout time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithEvictor wires a slot manager so mark_unhealthy can recycle
// synchronously. Without one, mark_unhealthy only updates bookkeeping.
func WithEvictor(e Evictor) Option { return func(r *Registry) { r.evictor = e } }

// WithLogger overrides the default stdout logger.
func WithLogger(l *log.Logger) Option { return func(r *Registry) { r.log = l } }

// WithPollInterval overrides the monitor's wake interval (default 10s).
func WithPollInterval(d time.Duration) Option { return func(r *Registry) { r.pollInterval = d } }

// WithRecoveryTimeout overrides the recovery health-probe timeout
// (default 10s).
func WithRecoveryTimeout(d time.Duration) Option {
	return func(r *Registry) { r.recoveryTimeout = d }
}

// New creates a Registry seeded with children, all initially
// unhealthy; the caller is expected to mark_ready each one once its
// startup health probe succeeds.
func New(children []*coordtypes.ChildProcess, opts ...Option) *Registry {
	r := &Registry{
		children:        make(map[string]*coordtypes.ChildProcess, len(children)),
		unhealthy:       make(map[string]struct{}, len(children)),
		pollInterval:    10 * time.Second,
		recoveryTimeout: 10 * time.Second,
	}
	for _, c := range children {
		r.children[c.Profile.Name] = c
		r.unhealthy[c.Profile.Name] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = log.New(os.Stdout, "[registry] ", log.LstdFlags)
	}
	return r
}

// MarkReady promotes c to ready. No-op (with a log line) if its OS
// process has already exited. Idempotent: marking an already-ready
// child ready again is a no-op beyond the redundant set membership
// check.
func (r *Registry) MarkReady(c *coordtypes.ChildProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !c.Alive() {
		r.log.Printf("mark_ready: %s process is dead, ignoring", c.Profile.Name)
		return
	}

	c.SetReady(true)
	delete(r.unhealthy, c.Profile.Name)

	for _, existing := range r.ready {
		if existing == c {
			return
		}
	}
	r.ready = append(r.ready, c)
}

// MarkUnhealthy removes c from the ready deque. If a slot manager is
// configured, it synchronously evicts and recycles, swapping the
// registry's tracked entry for the replacement when one is launched.
// Idempotent beyond the first call's effect on slot pool state.
func (r *Registry) MarkUnhealthy(c *coordtypes.ChildProcess, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromReadyLocked(c)

	if r.evictor == nil {
		r.unhealthy[c.Profile.Name] = struct{}{}
		r.log.Printf("mark_unhealthy: %s (%s)", c.Profile.Name, reason)
		return
	}

	name := c.Profile.Name
	replacement := r.evictor.EvictChild(c, reason)
	delete(r.children, name)
	delete(r.unhealthy, name)

	if replacement != nil {
		r.children[replacement.Profile.Name] = replacement
		r.unhealthy[replacement.Profile.Name] = struct{}{}
	}
}

// EvictChild forces eviction irrespective of current readiness.
func (r *Registry) EvictChild(c *coordtypes.ChildProcess, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromReadyLocked(c)

	name := c.Profile.Name
	if r.evictor == nil {
		r.unhealthy[name] = struct{}{}
		return
	}

	replacement := r.evictor.EvictChild(c, reason)
	delete(r.children, name)
	delete(r.unhealthy, name)
	if replacement != nil {
		r.children[replacement.Profile.Name] = replacement
		r.unhealthy[replacement.Profile.Name] = struct{}{}
	}
}

// NextChild returns the next ready child in round-robin order,
// demoting any head entry whose process has died or gone unready
// before retrying. Returns nil once the deque empties.
func (r *Registry) NextChild() *coordtypes.ChildProcess {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.ready) > 0 {
		head := r.ready[0]
		if head.Alive() && head.Ready() {
			r.ready = append(r.ready[1:], head)
			return head
		}
		// demote: drop from the ready deque, retry
		r.ready = r.ready[1:]
		r.unhealthy[head.Profile.Name] = struct{}{}
	}
	return nil
}

// ReadyChildren returns a snapshot of the ready deque.
func (r *Registry) ReadyChildren() []*coordtypes.ChildProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*coordtypes.ChildProcess, len(r.ready))
	copy(out, r.ready)
	return out
}

// AllChildren returns a snapshot of every tracked child.
func (r *Registry) AllChildren() []*coordtypes.ChildProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*coordtypes.ChildProcess, 0, len(r.children))
	for _, c := range r.children {
		out = append(out, c)
	}
	return out
}

// UnhealthyNames returns a snapshot of names currently marked
// unhealthy.
func (r *Registry) UnhealthyNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.unhealthy))
	for n := range r.unhealthy {
		out = append(out, n)
	}
	return out
}

func (r *Registry) removeFromReadyLocked(c *coordtypes.ChildProcess) {
	for i, existing := range r.ready {
		if existing == c {
			r.ready = append(r.ready[:i], r.ready[i+1:]...)
			c.SetReady(false)
			return
		}
	}
}

// StartMonitoring launches the background recovery-poll loop.
func (r *Registry) StartMonitoring(ctx context.Context) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()

	go r.monitorLoop(ctx, stop, done)
}

// Shutdown stops the monitor and waits for it to exit. A recovery poll
// already in progress is not interrupted: it finishes first, which can
// take up to the recovery timeout per unhealthy child.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Registry) monitorLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

// pollOnce re-probes every currently unhealthy child once. A child is
// only here after an earlier failure, so a failed recovery probe is its
// second and escalates straight to mark_unhealthy (which triggers slot
// recycle when an evictor is configured); there is no extra grace round.
func (r *Registry) pollOnce(ctx context.Context) {
	for _, name := range r.UnhealthyNames() {
		r.mu.Lock()
		c, ok := r.children[name]
		r.mu.Unlock()
		if !ok || !c.Alive() {
			continue
		}

		if health.WaitForReady(ctx, c, r.recoveryTimeout) {
			r.MarkReady(c)
			continue
		}
		r.MarkUnhealthy(c, "Readiness timeout during recovery poll")
	}
}
