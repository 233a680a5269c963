// Package census subscribes to the upstream game-event stream, parses its
// frames into typed events and filters them before the session tracker sees
// them.
package census

import (
	"errors"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrMalformed marks a frame that could not be parsed into an event.
var ErrMalformed = errors.New("malformed telemetry frame")

// Kind tags the event variant.
type Kind string

const (
	KindDeath      Kind = "Death"
	KindExperience Kind = "Experience"
	KindLogin      Kind = "Login"
	KindLogout     Kind = "Logout"
	KindMetagame   Kind = "Metagame"
)

// Upstream event names we subscribe to.
var EventNames = []string{"Death", "GainExperience", "PlayerLogin", "PlayerLogout", "MetagameEvent"}

var kindByName = map[string]Kind{
	"Death":          KindDeath,
	"GainExperience": KindExperience,
	"PlayerLogin":    KindLogin,
	"PlayerLogout":   KindLogout,
	"MetagameEvent":  KindMetagame,
}

// Event is one parsed upstream event. Which fields are set depends on Kind.
type Event struct {
	Kind      Kind
	Name      string
	Timestamp int64
	WorldID   int
	ZoneID    int

	// Death: CharacterID is the victim
	CharacterID     string
	AttackerID      string
	AttackerTeam    int
	TeamID          int
	IsHeadshot      bool
	WeaponID        string
	VehicleID       string
	AttackerLoadout int
	VictimLoadout   int

	// Experience: CharacterID is the actor
	ExperienceID int
	OtherID      string
	Amount       int

	// Metagame
	MetagameEventID int
	StateName       string
	FactionNC       float64
	FactionTR       float64
	FactionVS       float64
}

// IdentityKey is the source-level identity used to drop upstream replays:
// event name, timestamp, primary and secondary character.
func (e Event) IdentityKey() string {
	secondary := e.AttackerID
	if e.Kind == KindExperience {
		secondary = e.OtherID + "#" + strconv.Itoa(e.ExperienceID)
	}
	if e.Kind == KindMetagame {
		secondary = strconv.Itoa(e.MetagameEventID) + "#" + e.StateName
	}
	return e.Name + "|" + strconv.FormatInt(e.Timestamp, 10) + "|" + e.CharacterID + "|" + secondary
}

// ParseFrame decodes one upstream frame. ok is false for frames that carry
// no event (heartbeats, service state, subscription echoes). A frame that is
// not JSON, or an event missing mandatory fields, returns ErrMalformed.
func ParseFrame(frame []byte) (ev Event, ok bool, err error) {
	if !gjson.ValidBytes(frame) {
		return Event{}, false, ErrMalformed
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return Event{}, false, ErrMalformed
	}
	payload := root.Get("payload")
	if !payload.Exists() {
		return Event{}, false, nil
	}
	if !payload.IsObject() {
		return Event{}, false, ErrMalformed
	}

	name := payload.Get("event_name").String()
	kind, known := kindByName[name]
	if !known {
		return Event{}, false, nil
	}

	ev = Event{
		Kind:      kind,
		Name:      name,
		Timestamp: payload.Get("timestamp").Int(),
		WorldID:   int(payload.Get("world_id").Int()),
		ZoneID:    int(payload.Get("zone_id").Int()),
	}

	switch kind {
	case KindDeath:
		ev.CharacterID = payload.Get("character_id").String()
		ev.AttackerID = payload.Get("attacker_character_id").String()
		ev.AttackerTeam = int(payload.Get("attacker_team_id").Int())
		ev.TeamID = int(payload.Get("team_id").Int())
		ev.IsHeadshot = payload.Get("is_headshot").Bool()
		ev.WeaponID = payload.Get("attacker_weapon_id").String()
		ev.VehicleID = payload.Get("attacker_vehicle_id").String()
		ev.AttackerLoadout = int(payload.Get("attacker_loadout_id").Int())
		ev.VictimLoadout = int(payload.Get("character_loadout_id").Int())
		if ev.CharacterID == "" {
			return Event{}, false, ErrMalformed
		}
	case KindExperience:
		ev.CharacterID = payload.Get("character_id").String()
		ev.OtherID = payload.Get("other_id").String()
		ev.TeamID = int(payload.Get("team_id").Int())
		ev.Amount = int(payload.Get("amount").Int())
		exp := payload.Get("experience_id")
		if ev.CharacterID == "" || !exp.Exists() {
			return Event{}, false, ErrMalformed
		}
		ev.ExperienceID = int(exp.Int())
	case KindLogin, KindLogout:
		ev.CharacterID = payload.Get("character_id").String()
		if ev.CharacterID == "" {
			return Event{}, false, ErrMalformed
		}
	case KindMetagame:
		ev.MetagameEventID = int(payload.Get("metagame_event_id").Int())
		ev.StateName = payload.Get("metagame_event_state_name").String()
		ev.FactionNC = payload.Get("faction_nc").Float()
		ev.FactionTR = payload.Get("faction_tr").Float()
		ev.FactionVS = payload.Get("faction_vs").Float()
		if ev.StateName == "" {
			return Event{}, false, ErrMalformed
		}
	}
	return ev, true, nil
}
