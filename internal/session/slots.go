package session

import "math/rand/v2"

// RingSize is the number of streak slots per concentric ring.
const RingSize = 50

// SlotAllocator hands out streak slot indexes. Positions inside the current
// ring are picked uniformly at random among unused ones; a full ring moves
// allocation to the next ring. Slots are never reused until Reset.
type SlotAllocator struct {
	ring int
	used [RingSize]bool
	free int
	rnd  *rand.Rand
}

// NewSlotAllocator creates an allocator. A nil rnd uses the global source.
func NewSlotAllocator(rnd *rand.Rand) *SlotAllocator {
	return &SlotAllocator{free: RingSize, rnd: rnd}
}

// Next returns ring*RingSize + position.
func (a *SlotAllocator) Next() int {
	if a.free == 0 {
		a.ring++
		a.used = [RingSize]bool{}
		a.free = RingSize
	}

	var pick int
	if a.rnd != nil {
		pick = a.rnd.IntN(a.free)
	} else {
		pick = rand.IntN(a.free)
	}
	for pos := 0; pos < RingSize; pos++ {
		if a.used[pos] {
			continue
		}
		if pick == 0 {
			a.used[pos] = true
			a.free--
			return a.ring*RingSize + pos
		}
		pick--
	}
	// unreachable: free > 0 guarantees an unused position
	return a.ring * RingSize
}

// Reset forgets every allocation.
func (a *SlotAllocator) Reset() {
	a.ring = 0
	a.used = [RingSize]bool{}
	a.free = RingSize
}

// snapshot/restore support streak backups on revive.
type slotState struct {
	ring int
	used [RingSize]bool
	free int
}

func (a *SlotAllocator) snapshot() slotState {
	return slotState{ring: a.ring, used: a.used, free: a.free}
}

func (a *SlotAllocator) restore(s slotState) {
	a.ring, a.used, a.free = s.ring, s.used, s.free
}
