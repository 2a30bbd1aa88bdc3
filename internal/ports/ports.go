// Package ports assigns deterministic TCP port triplets to a pool of
// slots.
package ports

import (
	"errors"
	"fmt"

	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
)

// ErrInvalidArgument is returned when count or step are out of range.
var ErrInvalidArgument = errors.New("invalid argument")

// Assign returns count port triplets starting at the given bases,
// incrementing by step between successive slots.
func Assign(count, baseAPI, baseStream, baseDebug, step int) ([]coordtypes.ChildPorts, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: count must be >= 0, got %d", ErrInvalidArgument, count)
	}
	if step <= 0 {
		return nil, fmt.Errorf("%w: step must be > 0, got %d", ErrInvalidArgument, step)
	}

	out := make([]coordtypes.ChildPorts, 0, count)
	for i := 0; i < count; i++ {
		offset := i * step
		out = append(out, coordtypes.ChildPorts{
			APIPort:    baseAPI + offset,
			StreamPort: baseStream + offset,
			DebugPort:  baseDebug + offset,
		})
	}
	return out, nil
}
