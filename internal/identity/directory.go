// Package identity resolves character ids to display identities in the
// background and serves them from an in-memory directory.
package identity

import (
	"sync"

	"better-planetside/internal/storage/sqlite"
)

// Character is one resolved identity.
type Character struct {
	ID         string
	Name       string
	FactionID  int
	BattleRank int
	OutfitTag  string
}

func (c Character) record() sqlite.Player {
	return sqlite.Player{
		CharacterID: c.ID,
		Name:        c.Name,
		FactionID:   c.FactionID,
		BattleRank:  c.BattleRank,
		OutfitTag:   c.OutfitTag,
	}
}

func fromRecord(p sqlite.Player) Character {
	return Character{
		ID:         p.CharacterID,
		Name:       p.Name,
		FactionID:  p.FactionID,
		BattleRank: p.BattleRank,
		OutfitTag:  p.OutfitTag,
	}
}

// Directory is the in-memory lookup. The worker writes, the session tracker
// reads; the lock orders a Put before any later read.
type Directory struct {
	mu      sync.RWMutex
	names   map[string]string
	outfits map[string]string
	faction map[string]int
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		names:   make(map[string]string),
		outfits: make(map[string]string),
		faction: make(map[string]int),
	}
}

// Put stores characters, replacing earlier entries.
func (d *Directory) Put(chars ...Character) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range chars {
		if c.ID == "" {
			continue
		}
		d.names[c.ID] = c.Name
		if c.OutfitTag != "" {
			d.outfits[c.ID] = c.OutfitTag
		} else {
			delete(d.outfits, c.ID)
		}
		if c.FactionID != 0 {
			d.faction[c.ID] = c.FactionID
		}
	}
}

// Name returns the display name for id.
func (d *Directory) Name(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.names[id]
	return n, ok
}

// Outfit returns the outfit tag for id.
func (d *Directory) Outfit(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.outfits[id]
	return o, ok
}

// Faction returns the faction id for id.
func (d *Directory) Faction(id string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.faction[id]
	return f, ok
}

// Len returns the number of known names.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.names)
}
