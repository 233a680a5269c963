package session

import (
	"time"

	"github.com/elliotchance/orderedmap/v3"
)

// ActivePlayer is one row of the active-players table.
type ActivePlayer struct {
	LastSeen time.Time
	Faction  Faction
	WorldID  int
}

// Population counts active players per faction.
type Population struct {
	VS, NC, TR, NSO int
}

// Total sums all factions.
func (p Population) Total() int { return p.VS + p.NC + p.TR + p.NSO }

// Map renders the population for payloads.
func (p Population) Map() map[string]any {
	return map[string]any{"vs": p.VS, "nc": p.NC, "tr": p.TR, "nso": p.NSO, "total": p.Total()}
}

// activeTable keeps entries ordered by last touch, oldest first, so eviction
// only ever looks at the front.
type activeTable struct {
	m         *orderedmap.OrderedMap[string, ActivePlayer]
	window    time.Duration
	retention time.Duration
	max       int
}

func newActiveTable(window, retention time.Duration, max int) *activeTable {
	return &activeTable{
		m:         orderedmap.NewOrderedMap[string, ActivePlayer](),
		window:    window,
		retention: retention,
		max:       max,
	}
}

// touch moves id to the back with fresh data. A zero faction or world keeps
// the previously known value.
func (t *activeTable) touch(id string, now time.Time, faction Faction, world int) {
	if id == "" || id == "0" {
		return
	}
	if prev, ok := t.m.Get(id); ok {
		if faction == FactionNone {
			faction = prev.Faction
		}
		if world == 0 {
			world = prev.WorldID
		}
		t.m.Delete(id)
	}
	t.m.Set(id, ActivePlayer{LastSeen: now, Faction: faction, WorldID: world})
	t.evict(now)
}

func (t *activeTable) remove(id string) {
	t.m.Delete(id)
}

// evict drops entries past retention and trims the table to max.
func (t *activeTable) evict(now time.Time) int {
	evicted := 0
	for {
		front := t.m.Front()
		if front == nil {
			break
		}
		stale := now.Sub(front.Value.LastSeen) >= t.retention
		over := t.max > 0 && t.m.Len() > t.max
		if !stale && !over {
			break
		}
		t.m.Delete(front.Key)
		evicted++
	}
	return evicted
}

// population counts entries seen within the active window. world 0 counts
// every world.
func (t *activeTable) population(now time.Time, world int) Population {
	var p Population
	for el := t.m.Back(); el != nil; el = el.Prev() {
		if now.Sub(el.Value.LastSeen) >= t.window {
			break
		}
		if world != 0 && el.Value.WorldID != 0 && el.Value.WorldID != world {
			continue
		}
		switch el.Value.Faction {
		case FactionVS:
			p.VS++
		case FactionNC:
			p.NC++
		case FactionTR:
			p.TR++
		case FactionNSO:
			p.NSO++
		}
	}
	return p
}

func (t *activeTable) get(id string) (ActivePlayer, bool) {
	return t.m.Get(id)
}

func (t *activeTable) len() int { return t.m.Len() }
