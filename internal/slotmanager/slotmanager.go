// Package slotmanager owns the fixed pool of port-triplet slots,
// launches and recycles their occupants, and maintains the FIFO
// rotation queue of idle profiles.
package slotmanager

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
	"github.com/leonardtan13/aistudio-coordinator/internal/launcher"
)

// terminateTimeout bounds how long a slot occupant gets to exit on its
// own after SIGTERM before SlotManager force-kills it.
const terminateTimeout = 10 * time.Second

// Launcher is the subset of launcher.Launcher the slot manager needs,
// narrowed so tests can substitute a fake.
type Launcher interface {
	Launch(coordtypes.AuthProfile, coordtypes.ChildPorts) (*coordtypes.ChildProcess, error)
}

var _ Launcher = (*launcher.Launcher)(nil)

// SlotManager owns slots, a rotation queue, and a mutex guarding both.
type SlotManager struct {
	mu       sync.Mutex
	slots    []*coordtypes.ProfileSlot
	queue    coordtypes.ProfileQueue
	launcher Launcher
	log      *log.Logger
}

// New creates a SlotManager with one slot per entry in ports.
func New(ports []coordtypes.ChildPorts, l Launcher, logger *log.Logger) *SlotManager {
	if logger == nil {
		logger = log.New(os.Stdout, "[slotmanager] ", log.LstdFlags)
	}
	slots := make([]*coordtypes.ProfileSlot, len(ports))
	for i, p := range ports {
		slots[i] = &coordtypes.ProfileSlot{Ports: p}
	}
	return &SlotManager{slots: slots, launcher: l, log: logger}
}

// Bootstrap launches each profile into its own slot, in slot order.
// len(profiles) must not exceed the slot count. Slots launch
// concurrently with each other (independent per the concurrency
// model); on any failure every slot already launched is terminated
// and the error is returned.
func (sm *SlotManager) Bootstrap(ctx context.Context, profiles []coordtypes.AuthProfile) ([]*coordtypes.ChildProcess, error) {
	if len(profiles) > len(sm.slots) {
		return nil, fmt.Errorf("bootstrap: %d profiles exceed %d slots", len(profiles), len(sm.slots))
	}

	g, _ := errgroup.WithContext(ctx)
	launched := make([]*coordtypes.ChildProcess, len(profiles))

	for i := range profiles {
		idx := i
		profile := profiles[i]
		g.Go(func() error {
			child, err := sm.launcher.Launch(profile, sm.slots[idx].Ports)
			if err != nil {
				return fmt.Errorf("bootstrap slot %d (%s): %w", idx, profile.Name, err)
			}

			sm.mu.Lock()
			p := profile
			sm.slots[idx].Profile = &p
			sm.slots[idx].Child = child
			sm.mu.Unlock()

			launched[idx] = child
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		sm.log.Printf("bootstrap failed, rolling back: %v", err)
		sm.Shutdown("bootstrap rollback")
		return nil, err
	}
	return launched, nil
}

// LiveChildren returns a snapshot of every currently occupied slot's
// child.
func (sm *SlotManager) LiveChildren() []*coordtypes.ChildProcess {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]*coordtypes.ChildProcess, 0, len(sm.slots))
	for _, s := range sm.slots {
		if s.Occupied() {
			out = append(out, s.Child)
		}
	}
	return out
}

// ClearQueue empties the rotation queue.
func (sm *SlotManager) ClearQueue() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.queue.Clear()
}

// QueueSnapshot returns the current rotation queue contents, front
// first. Exposed for tests and observability only.
func (sm *SlotManager) QueueSnapshot() []coordtypes.AuthProfile {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.queue.Snapshot()
}

// EvictChild is the critical recycle operation: terminate the slot
// hosting child, requeue its profile, and launch the next queued
// profile into the same ports. Returns the new child, or nil if the
// queue was empty or the replacement launch failed.
func (sm *SlotManager) EvictChild(child *coordtypes.ChildProcess, reason string) *coordtypes.ChildProcess {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	slot := sm.slotForChildLocked(child)
	if slot == nil {
		sm.log.Printf("evict: %s not found in any slot (%s)", child.Profile.Name, reason)
		return nil
	}

	sm.terminateSlotLocked(slot, reason)

	evicted := *slot.Profile
	slot.Clear()

	next, ok := sm.queue.PopFront()
	sm.queue.PushBack(evicted)
	if !ok {
		sm.log.Printf("evict: %s recycled, queue empty, slot %d left idle", evicted.Name, slot.Ports.APIPort)
		return nil
	}

	newChild, err := sm.launcher.Launch(next, slot.Ports)
	if err != nil {
		sm.log.Printf("evict: relaunch %s into slot %d failed: %v", next.Name, slot.Ports.APIPort, err)
		slot.Clear()
		sm.queue.PushFront(next)
		return nil
	}

	p := next
	slot.Profile = &p
	slot.Child = newChild
	sm.log.Printf("evict: slot %d recycled %s -> %s (%s)", slot.Ports.APIPort, evicted.Name, next.Name, reason)
	return newChild
}

// SlotForChild returns the slot currently hosting child, or nil.
func (sm *SlotManager) SlotForChild(child *coordtypes.ChildProcess) *coordtypes.ProfileSlot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.slotForChildLocked(child)
}

func (sm *SlotManager) slotForChildLocked(child *coordtypes.ChildProcess) *coordtypes.ProfileSlot {
	for _, s := range sm.slots {
		if s.Child == child {
			return s
		}
	}
	return nil
}

// Shutdown terminates every occupied slot and clears the queue.
func (sm *SlotManager) Shutdown(reason string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sm.slots {
		if !s.Occupied() {
			continue
		}
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.terminateSlotLocked(s, reason)
			s.Clear()
		}()
	}
	wg.Wait()
	sm.queue.Clear()
}

// terminateSlotLocked sends SIGTERM, waits up to terminateTimeout, and
// force-kills on timeout. Caller must hold sm.mu.
func (sm *SlotManager) terminateSlotLocked(slot *coordtypes.ProfileSlot, reason string) {
	child := slot.Child
	if child == nil || child.Cmd == nil || child.Cmd.Process == nil {
		return
	}

	name := child.Profile.Name
	if err := child.Cmd.Process.Signal(syscall.SIGTERM); err != nil {
		sm.log.Printf("terminate %s: signal: %v", name, err)
	}

	timer := time.NewTimer(terminateTimeout)
	defer timer.Stop()

	select {
	case <-child.Done():
		sm.log.Printf("terminate %s: exited (%s)", name, reason)
	case <-timer.C:
		if err := child.Cmd.Process.Kill(); err != nil {
			sm.log.Printf("terminate %s: kill: %v", name, err)
		}
		<-child.Done()
		sm.log.Printf("terminate %s: force-killed after timeout (%s)", name, reason)
	}
}
