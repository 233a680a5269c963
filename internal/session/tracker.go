// Package session turns filtered telemetry events into per-character session
// statistics, killstreak state and the overlay events derived from them.
package session

import (
	"fmt"
	"html"
	"log"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"better-planetside/internal/census"
	"better-planetside/internal/config"
)

// Emitter receives derived overlay events. broadcast.Core satisfies it.
type Emitter interface {
	Publish(typ string, payload map[string]any) bool
}

// Identity is the lookup the tracker reads names from. Unknown ids are
// handed back through Enqueue for resolution.
type Identity interface {
	Name(id string) (string, bool)
	Outfit(id string) (string, bool)
	Enqueue(id string) bool
}

// Streak is the current killstreak as sent to the renderer.
type Streak struct {
	Count    int
	Factions []string
	Slots    []int
}

func (s Streak) clone() Streak {
	return Streak{
		Count:    s.Count,
		Factions: append([]string(nil), s.Factions...),
		Slots:    append([]int(nil), s.Slots...),
	}
}

func (s Streak) payload(multi int) map[string]any {
	factions := s.Factions
	if factions == nil {
		factions = []string{}
	}
	slots := s.Slots
	if slots == nil {
		slots = []int{}
	}
	return map[string]any{
		"count":      s.Count,
		"factions":   factions,
		"slots":      slots,
		"multi_kill": multi,
	}
}

// Options configures a Tracker. Now and Rand are for tests.
type Options struct {
	Session config.SessionConfig
	Emitter Emitter
	Ident   Identity
	Now     func() time.Time
	Rand    *rand.Rand
}

// Tracker owns every session record and the active-players table. Handle is
// meant to be called from a single goroutine; the other methods are safe to
// call concurrently with it.
type Tracker struct {
	cfg   config.SessionConfig
	emit  Emitter
	ident Identity
	now   func() time.Time

	mu      sync.Mutex
	me      map[string]string
	active  string
	stats   map[string]*Stats
	players *activeTable

	streak     Streak
	backup     Streak
	slots      *SlotAllocator
	slotBackup slotState
	multi      int
	lastKill   time.Time

	// Set by a death of me, cleared by the first revive that restores.
	pendingRestore bool

	world int
	zone  int

	running  bool
	since    time.Time
	activeMs int64

	handled   atomic.Uint64
	malformed atomic.Uint64
}

// NewTracker creates a tracker with no tracked characters.
func NewTracker(opts Options) *Tracker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Session.Clamped()
	return &Tracker{
		cfg:     cfg,
		emit:    opts.Emitter,
		ident:   opts.Ident,
		now:     now,
		me:      make(map[string]string),
		stats:   make(map[string]*Stats),
		players: newActiveTable(cfg.ActiveWindow, cfg.Retention, cfg.MaxActivePlayers),
		slots:   NewSlotAllocator(opts.Rand),
	}
}

// SetCharacters replaces the tracked characters (id → display name). If the
// active character is no longer tracked it is cleared.
func (t *Tracker) SetCharacters(chars map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.me = make(map[string]string, len(chars))
	for id, name := range chars {
		t.me[id] = name
	}
	if _, ok := t.me[t.active]; !ok {
		t.active = ""
	}
}

// SetActive selects the tracked character whose session is shown.
func (t *Tracker) SetActive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.me[id]; !ok {
		return false
	}
	t.active = id
	return true
}

// Active returns the active tracked character id.
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Pause stops the session clock.
func (t *Tracker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pauseLocked(t.now())
}

// Resume restarts the session clock.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumeLocked(t.now())
}

func (t *Tracker) pauseLocked(now time.Time) {
	if !t.running {
		return
	}
	t.activeMs += now.Sub(t.since).Milliseconds()
	t.running = false
}

func (t *Tracker) resumeLocked(now time.Time) {
	if t.running {
		return
	}
	t.since = now
	t.running = true
}

func (t *Tracker) activeMsLocked(now time.Time) int64 {
	ms := t.activeMs
	if t.running {
		ms += now.Sub(t.since).Milliseconds()
	}
	return ms
}

// Stats returns a copy of the record for id.
func (t *Tracker) Stats(id string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[id]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Streak returns the current killstreak.
func (t *Tracker) Streak() Streak {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streak.clone()
}

// Population counts active players in the tracked world.
func (t *Tracker) Population() Population {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.players.population(t.now(), t.world)
}

// ActivePlayers returns the size of the active-players table.
func (t *Tracker) ActivePlayers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.players.len()
}

// Malformed counts events dropped for missing fields.
func (t *Tracker) Malformed() uint64 { return t.malformed.Load() }

// Handled counts events processed.
func (t *Tracker) Handled() uint64 { return t.handled.Load() }

// Handle applies one event. It implements census.Sink.
func (t *Tracker) Handle(ev census.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handled.Add(1)

	now := t.now()
	switch ev.Kind {
	case census.KindDeath:
		t.onDeath(ev, now)
	case census.KindExperience:
		t.onExperience(ev, now)
	case census.KindLogin:
		t.onLogin(ev, now)
	case census.KindLogout:
		t.onLogout(ev, now)
	case census.KindMetagame:
		t.onMetagame(ev)
	default:
		t.malformed.Add(1)
	}
}

// =============================================================================
// Death
// =============================================================================

func (t *Tracker) onDeath(ev census.Event, now time.Time) {
	victim, attacker := ev.CharacterID, ev.AttackerID
	if victim == "" || attacker == "" {
		t.malformed.Add(1)
		return
	}
	victimFaction := FactionFromTeam(ev.TeamID)
	attackerFaction := FactionFromTeam(ev.AttackerTeam)

	t.seen(victim, now, victimFaction, ev.WorldID)
	t.seen(attacker, now, attackerFaction, ev.WorldID)

	suicide := attacker == victim || attacker == "0"
	teamKill := !suicide && ev.AttackerTeam != 0 && ev.AttackerTeam == ev.TeamID
	eligible := HeadshotEligible(ev.WeaponID, ev.VehicleID)

	meAttacker := t.isMe(attacker)
	meVictim := t.isMe(victim)

	switch {
	case suicide:
		vs := t.record(victim, victimFaction, now)
		vs.Deaths++
		vs.Suicides++
	case teamKill:
		t.record(attacker, attackerFaction, now).TeamKills++
	default:
		as := t.record(attacker, attackerFaction, now)
		as.Kills++
		as.LastKill = now
		if eligible {
			as.HeadshotEligible++
			if ev.IsHeadshot {
				as.HeadshotKills++
			}
		}
		vs := t.record(victim, victimFaction, now)
		vs.Deaths++
		if eligible {
			vs.DeathsHSEligible++
			if ev.IsHeadshot {
				vs.DeathsFromHeadshot++
			}
		}
	}

	if meAttacker && !suicide {
		t.adoptActive(attacker, ev)
		if teamKill {
			t.emitEvent(KindTeamKill, map[string]any{"victim": t.nameOf(victim), "victim_id": victim})
			if t.cfg.FeedShowKills {
				t.emitFeed("teamkill", attacker, victim, ev.WeaponID)
			}
			return
		}
		t.onMyKill(ev, now, victimFaction)
		return
	}
	if meVictim {
		t.adoptActive(victim, ev)
		t.onMyDeath(ev, suicide)
	}
}

func (t *Tracker) onMyKill(ev census.Event, now time.Time, victimFaction Faction) {
	if !t.lastKill.IsZero() && now.Sub(t.lastKill) <= t.cfg.StreakTimeout {
		t.multi++
	} else {
		t.multi = 1
	}
	t.lastKill = now

	slot := t.slots.Next()
	t.streak.Count++
	t.streak.Factions = append(t.streak.Factions, victimFaction.Tag())
	t.streak.Slots = append(t.streak.Slots, slot)

	kind := ClassifyKill(ev.WeaponID, ev.IsHeadshot, ev.VictimLoadout)
	eventType := "kill"
	if ev.IsHeadshot {
		eventType = "headshot"
	}
	weapon, _ := LookupWeapon(ev.WeaponID)
	t.publish("event", map[string]any{
		"event_type":  eventType,
		"kind":        kind,
		"filename":    Filename(kind),
		"victim":      t.nameOf(ev.CharacterID),
		"victim_id":   ev.CharacterID,
		"weapon_id":   ev.WeaponID,
		"weapon":      weapon.Name,
		"slot":        slot,
		"streak":      t.streak.Count,
		"multi_kill":  t.multi,
		"is_headshot": ev.IsHeadshot,
	})
	if t.multi > 1 {
		t.emitEvent(KindMultiKill, map[string]any{"count": t.multi})
	}
	if t.cfg.FeedShowKills {
		t.emitFeed("kill", ev.AttackerID, ev.CharacterID, ev.WeaponID)
	}
	t.emitStreak()
	t.emitStats()
}

func (t *Tracker) onMyDeath(ev census.Event, suicide bool) {
	t.backup = t.streak.clone()
	t.slotBackup = t.slots.snapshot()
	t.pendingRestore = true
	t.streak = Streak{}
	t.slots.Reset()
	t.multi = 0
	t.lastKill = time.Time{}

	kind := KindDeath
	if suicide {
		kind = KindSuicide
	}
	t.publish("event", map[string]any{
		"event_type":  "death",
		"kind":        kind,
		"filename":    Filename(kind),
		"attacker":    t.nameOf(ev.AttackerID),
		"attacker_id": ev.AttackerID,
		"weapon_id":   ev.WeaponID,
		"is_headshot": ev.IsHeadshot,
	})
	if t.cfg.FeedShowDeaths {
		t.emitFeed("death", ev.AttackerID, ev.CharacterID, ev.WeaponID)
	}
	t.emitStreak()
	t.emitStats()
}

// =============================================================================
// Experience
// =============================================================================

func (t *Tracker) onExperience(ev census.Event, now time.Time) {
	actor, other := ev.CharacterID, ev.OtherID
	t.seen(actor, now, FactionFromTeam(ev.TeamID), ev.WorldID)

	switch {
	case ReviveIDs[ev.ExperienceID]:
		t.record(actor, FactionFromTeam(ev.TeamID), now).Assists++
		if other != "" && other != "0" {
			t.seen(other, now, FactionNone, ev.WorldID)
			t.record(other, FactionNone, now).RevivesReceived++
		}
		if t.isMe(other) {
			t.adoptActive(other, ev)
			restored := t.pendingRestore
			if restored {
				t.streak = t.backup
				t.slots.restore(t.slotBackup)
				t.backup = Streak{}
				t.slotBackup = slotState{}
				t.pendingRestore = false
			}
			t.emitEvent(KindReviveMe, map[string]any{"reviver": t.nameOf(actor), "reviver_id": actor})
			if restored {
				t.emitStreak()
			}
			t.emitStats()
		}
		if t.isMe(actor) {
			t.adoptActive(actor, ev)
			t.emitEvent(KindRevive, map[string]any{"target": t.nameOf(other), "target_id": other})
			t.emitStats()
		}
	case AssistIDs[ev.ExperienceID]:
		t.record(actor, FactionFromTeam(ev.TeamID), now).Assists++
		if t.isMe(actor) {
			t.adoptActive(actor, ev)
			t.emitEvent(KindAssist, map[string]any{"target_id": other})
			t.emitStats()
		}
	default:
		if !t.isMe(actor) {
			return
		}
		if kind := ClassifyExperience(ev.ExperienceID); kind != "" {
			t.emitEvent(kind, map[string]any{"experience_id": ev.ExperienceID, "amount": ev.Amount})
		}
	}
}

// =============================================================================
// Login / logout / metagame
// =============================================================================

func (t *Tracker) onLogin(ev census.Event, now time.Time) {
	t.seen(ev.CharacterID, now, FactionNone, ev.WorldID)
	if !t.isMe(ev.CharacterID) {
		return
	}
	t.active = ev.CharacterID
	if ev.WorldID != 0 {
		t.world = ev.WorldID
	}
	t.resumeLocked(now)
	log.Printf("👁️ Tracked character online: %s", t.nameOf(ev.CharacterID))
	t.emitStats()
}

func (t *Tracker) onLogout(ev census.Event, now time.Time) {
	t.players.remove(ev.CharacterID)
	if ev.CharacterID != t.active {
		return
	}
	t.pauseLocked(now)
	log.Printf("👁️ Tracked character offline: %s", t.nameOf(ev.CharacterID))
	t.emitStats()
}

func (t *Tracker) onMetagame(ev census.Event) {
	if ev.StateName != "ended" {
		return
	}
	if t.world != 0 && ev.WorldID != 0 && ev.WorldID != t.world {
		return
	}
	if t.zone != 0 && ev.ZoneID != 0 && ev.ZoneID != t.zone {
		return
	}
	mine := FactionNone
	if s, ok := t.stats[t.active]; ok {
		mine = s.Faction
	}

	winner, best := FactionNone, -1.0
	for _, fs := range []struct {
		f     Faction
		share float64
	}{{FactionVS, ev.FactionVS}, {FactionNC, ev.FactionNC}, {FactionTR, ev.FactionTR}} {
		if fs.share > best {
			winner, best = fs.f, fs.share
		}
	}

	kind := KindAlertEnd
	if mine != FactionNone && winner == mine {
		kind = KindAlertWin
	}
	t.emitEvent(kind, map[string]any{
		"metagame_event_id": ev.MetagameEventID,
		"winner":            winner.Tag(),
		"world_id":          ev.WorldID,
		"zone_id":           ev.ZoneID,
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (t *Tracker) isMe(id string) bool {
	_, ok := t.me[id]
	return ok && id != ""
}

// adoptActive makes id the active character if none is, and follows it to
// the world and zone of ev.
func (t *Tracker) adoptActive(id string, ev census.Event) {
	if t.active == "" {
		t.active = id
	}
	if id == t.active {
		if ev.WorldID != 0 {
			t.world = ev.WorldID
		}
		if ev.ZoneID != 0 {
			t.zone = ev.ZoneID
		}
	}
	if !t.running && t.activeMs == 0 {
		t.resumeLocked(t.now())
	}
}

// seen updates the active-players row and queues unknown names.
func (t *Tracker) seen(id string, now time.Time, faction Faction, world int) {
	if id == "" || id == "0" {
		return
	}
	t.players.touch(id, now, faction, world)
	if t.ident == nil || t.isMe(id) {
		return
	}
	if _, ok := t.ident.Name(id); !ok {
		t.ident.Enqueue(id)
	}
}

// record returns the session record for id, creating it on first use.
func (t *Tracker) record(id string, faction Faction, now time.Time) *Stats {
	s, ok := t.stats[id]
	if !ok {
		s = &Stats{CharacterID: id, Faction: faction, SessionStart: now}
		t.stats[id] = s
	}
	if s.Faction == FactionNone {
		s.Faction = faction
	}
	return s
}

func (t *Tracker) nameOf(id string) string {
	if name, ok := t.me[id]; ok && name != "" {
		return name
	}
	if t.ident != nil {
		if name, ok := t.ident.Name(id); ok {
			return name
		}
	}
	return id
}

func (t *Tracker) displayName(id string) string {
	name := html.EscapeString(t.nameOf(id))
	if t.ident != nil {
		if tag, ok := t.ident.Outfit(id); ok && tag != "" {
			return "[" + html.EscapeString(tag) + "] " + name
		}
	}
	return name
}

func (t *Tracker) publish(typ string, payload map[string]any) {
	if t.emit == nil {
		return
	}
	t.emit.Publish(typ, payload)
}

func (t *Tracker) emitEvent(kind string, extra map[string]any) {
	payload := map[string]any{
		"event_type": EventType(kind),
		"kind":       kind,
		"filename":   Filename(kind),
	}
	for k, v := range extra {
		payload[k] = v
	}
	t.publish("event", payload)
}

func (t *Tracker) emitFeed(class, attacker, victim, weaponID string) {
	weapon := weaponID
	if w, ok := LookupWeapon(weaponID); ok {
		weapon = w.Name
	}
	body := fmt.Sprintf(`<div class="feed-row %s"><span class="attacker">%s</span><span class="weapon">%s</span><span class="victim">%s</span></div>`,
		class, t.displayName(attacker), html.EscapeString(weapon), t.displayName(victim))
	t.publish("feed", map[string]any{"html": body, "class": class})
}

func (t *Tracker) emitStreak() {
	t.publish("streak", t.streak.payload(t.multi))
}

func (t *Tracker) emitStats() {
	if t.active == "" {
		return
	}
	now := t.now()
	s := t.record(t.active, FactionNone, now)
	if s.Name == "" {
		s.Name = t.nameOf(t.active)
	}
	s.ActiveMs = t.activeMsLocked(now)
	t.publish("stats", s.Payload(t.cfg.KDModeRevive, t.players.population(now, t.world)))
}
