package slotmanager

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
)

// fakeLauncher launches nothing real; it hands back a ChildProcess
// whose done channel is already closed, so termination returns at once.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	failNext map[string]bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{failNext: make(map[string]bool)}
}

func (f *fakeLauncher) Launch(profile coordtypes.AuthProfile, p coordtypes.ChildPorts) (*coordtypes.ChildProcess, error) {
	f.mu.Lock()
	shouldFail := f.failNext[profile.Name]
	f.launched = append(f.launched, profile.Name)
	f.mu.Unlock()

	if shouldFail {
		return nil, fmt.Errorf("simulated launch failure for %s", profile.Name)
	}

	c := &coordtypes.ChildProcess{Profile: profile, Ports: p}
	done := c.NewDone()
	close(done) // already "exited" so terminate is instant in tests
	return c, nil
}

func profilesNamed(names ...string) []coordtypes.AuthProfile {
	out := make([]coordtypes.AuthProfile, len(names))
	for i, n := range names {
		out[i] = coordtypes.AuthProfile{Name: n, Path: "/tmp/" + n + ".json"}
	}
	return out
}

func TestBootstrapLaunchesIntoEachSlot(t *testing.T) {
	triplets := []coordtypes.ChildPorts{{APIPort: 1}, {APIPort: 2}}
	fl := newFakeLauncher()
	sm := New(triplets, fl, nil)

	children, err := sm.Bootstrap(context.Background(), profilesNamed("alpha", "beta"))
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if len(sm.LiveChildren()) != 2 {
		t.Fatalf("expected 2 live children, got %d", len(sm.LiveChildren()))
	}
}

func TestBootstrapTooManyProfiles(t *testing.T) {
	sm := New([]coordtypes.ChildPorts{{APIPort: 1}}, newFakeLauncher(), nil)
	if _, err := sm.Bootstrap(context.Background(), profilesNamed("a", "b")); err == nil {
		t.Fatal("expected error when profiles exceed slot count")
	}
}

func TestBootstrapRollsBackOnFailure(t *testing.T) {
	fl := newFakeLauncher()
	fl.failNext["beta"] = true
	triplets := []coordtypes.ChildPorts{{APIPort: 1}, {APIPort: 2}}
	sm := New(triplets, fl, nil)

	_, err := sm.Bootstrap(context.Background(), profilesNamed("alpha", "beta"))
	if err == nil {
		t.Fatal("expected bootstrap error")
	}
	if len(sm.LiveChildren()) != 0 {
		t.Fatalf("expected rollback to clear all slots, got %d live", len(sm.LiveChildren()))
	}
}

func TestEvictChildRecyclesFromQueue(t *testing.T) {
	triplets := []coordtypes.ChildPorts{{APIPort: 100}, {APIPort: 200}}
	fl := newFakeLauncher()
	sm := New(triplets, fl, nil)

	profiles := profilesNamed("p1", "p2", "p3", "p4", "p5")
	children, err := sm.Bootstrap(context.Background(), profiles[:2])
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	for _, p := range profiles[2:] {
		sm.queue.PushBack(p)
	}

	slot0Child := sm.slots[0].Child
	if slot0Child != children[0] {
		t.Fatalf("expected slot 0 to host the first bootstrapped child")
	}

	replacement := sm.EvictChild(slot0Child, "test eviction")
	if replacement == nil {
		t.Fatal("expected a replacement child from the queue")
	}
	if replacement.Profile.Name != "p3" {
		t.Fatalf("expected queue head p3 to be promoted, got %s", replacement.Profile.Name)
	}

	queued := sm.QueueSnapshot()
	if len(queued) != 3 || queued[len(queued)-1].Name != "p1" {
		t.Fatalf("expected evicted p1 at queue tail, got %+v", queued)
	}
	if sm.slots[0].Ports.APIPort != 100 {
		t.Fatalf("slot ports must not change across recycle")
	}
}

func TestEvictChildEmptyQueueLeavesSlotEmpty(t *testing.T) {
	triplets := []coordtypes.ChildPorts{{APIPort: 1}}
	fl := newFakeLauncher()
	sm := New(triplets, fl, nil)

	children, err := sm.Bootstrap(context.Background(), profilesNamed("solo"))
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	replacement := sm.EvictChild(children[0], "no replacement available")
	if replacement != nil {
		t.Fatalf("expected nil replacement, got %+v", replacement)
	}
	if sm.slots[0].Occupied() {
		t.Fatal("expected slot to be left empty")
	}
}

func TestEvictChildFailedRelaunchPushesToFront(t *testing.T) {
	triplets := []coordtypes.ChildPorts{{APIPort: 1}}
	fl := newFakeLauncher()
	sm := New(triplets, fl, nil)

	children, err := sm.Bootstrap(context.Background(), profilesNamed("solo"))
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	sm.queue.PushBack(coordtypes.AuthProfile{Name: "candidate"})
	fl.failNext["candidate"] = true

	replacement := sm.EvictChild(children[0], "relaunch will fail")
	if replacement != nil {
		t.Fatalf("expected nil replacement on failed relaunch, got %+v", replacement)
	}
	queued := sm.QueueSnapshot()
	if len(queued) == 0 || queued[0].Name != "candidate" {
		t.Fatalf("expected failed candidate back at queue front, got %+v", queued)
	}
}
