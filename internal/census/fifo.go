package census

// IdentityWindow is how many recent event identities are remembered.
const IdentityWindow = 500

// fifoSet remembers the last N keys; the oldest key is forgotten first.
type fifoSet struct {
	ring []string
	next int
	full bool
	keys map[string]struct{}
}

func newFIFOSet(n int) *fifoSet {
	return &fifoSet{ring: make([]string, n), keys: make(map[string]struct{}, n)}
}

// seenOrAdd reports whether key is already remembered; if not it is added,
// evicting the oldest key when full.
func (f *fifoSet) seenOrAdd(key string) bool {
	if _, ok := f.keys[key]; ok {
		return true
	}
	if f.full {
		delete(f.keys, f.ring[f.next])
	}
	f.ring[f.next] = key
	f.keys[key] = struct{}{}
	f.next++
	if f.next == len(f.ring) {
		f.next = 0
		f.full = true
	}
	return false
}

func (f *fifoSet) len() int { return len(f.keys) }
