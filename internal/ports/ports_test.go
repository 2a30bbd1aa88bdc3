package ports

import (
	"errors"
	"testing"
)

func TestAssignIncreasingTriplets(t *testing.T) {
	got, err := Assign(3, 3100, 3200, 9222, 1)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 triplets, got %d", len(got))
	}
	for i, p := range got {
		wantAPI := 3100 + i
		if p.APIPort != wantAPI || p.StreamPort != 3200+i || p.DebugPort != 9222+i {
			t.Errorf("triplet %d = %+v, want api=%d stream=%d debug=%d", i, p, wantAPI, 3200+i, 9222+i)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].APIPort-got[i-1].APIPort != 1 {
			t.Errorf("gap between triplet %d and %d is not step", i-1, i)
		}
	}
}

func TestAssignZeroCount(t *testing.T) {
	got, err := Assign(0, 3100, 3200, 9222, 1)
	if err != nil {
		t.Fatalf("Assign(0): %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}
}

func TestAssignInvalidArguments(t *testing.T) {
	cases := []struct {
		name  string
		count int
		step  int
	}{
		{"negative count", -1, 1},
		{"zero step", 2, 0},
		{"negative step", 2, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Assign(tc.count, 3100, 3200, 9222, tc.step)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestAssignStepGap(t *testing.T) {
	got, err := Assign(4, 100, 200, 300, 5)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].APIPort-got[i-1].APIPort != 5 {
			t.Errorf("api port gap at %d = %d, want 5", i, got[i].APIPort-got[i-1].APIPort)
		}
		if got[i].StreamPort-got[i-1].StreamPort != 5 {
			t.Errorf("stream port gap at %d != 5", i)
		}
		if got[i].DebugPort-got[i-1].DebugPort != 5 {
			t.Errorf("debug port gap at %d != 5", i)
		}
	}
}
