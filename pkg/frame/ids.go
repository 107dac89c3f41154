package frame

import (
	"fmt"
	"math"
)

// InvalidIndex is the sentinel slot index for UniqueID.
const InvalidIndex = math.MaxUint64

// UniqueID identifies a slot in a registry together with the generation of
// its current occupant. The index is stable for the lifetime of the slot;
// unique is bumped every time the slot is reused, so a stale UniqueID never
// matches a newer occupant.
type UniqueID struct {
	Index  uint64
	Unique uint32
}

// InvalidUniqueID returns the invalid sentinel.
func InvalidUniqueID() UniqueID {
	return UniqueID{Index: InvalidIndex}
}

// IsValid reports whether the id refers to a slot.
func (u UniqueID) IsValid() bool { return u.Index != InvalidIndex }

// String returns "index:unique", or "invalid".
func (u UniqueID) String() string {
	if !u.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%d:%d", u.Index, u.Unique)
}

// ActorID identifies an actor's slot in a Service.
type ActorID = UniqueID

// RunID identifies an actor's slot on its current Reactor.
type RunID = UniqueID
