package session

import "strings"

// Faction is derived from a team id.
type Faction int

const (
	FactionNone Faction = 0
	FactionVS   Faction = 1
	FactionNC   Faction = 2
	FactionTR   Faction = 3
	FactionNSO  Faction = 4
)

// FactionFromTeam maps a team id; unknown ids map to FactionNone.
func FactionFromTeam(team int) Faction {
	if team >= 1 && team <= 4 {
		return Faction(team)
	}
	return FactionNone
}

// Tag returns the short faction label used in streak fractions.
func (f Faction) Tag() string {
	switch f {
	case FactionVS:
		return "VS"
	case FactionNC:
		return "NC"
	case FactionTR:
		return "TR"
	case FactionNSO:
		return "NSO"
	}
	return "?"
}

// =============================================================================
// Weapons
// =============================================================================

// Weapon categories.
const (
	CatAssaultRifle = "Assault Rifle"
	CatCarbine      = "Carbine"
	CatLMG          = "LMG"
	CatSMG          = "SMG"
	CatShotgun      = "Shotgun"
	CatSniper       = "Sniper Rifle"
	CatScout        = "Scout Rifle"
	CatBattleRifle  = "Battle Rifle"
	CatPistol       = "Pistol"
	CatKnife        = "Knife"
	CatGrenade      = "Grenade"
	CatExplosive    = "Explosive"
	CatDeployable   = "Deployable"
	CatMAX          = "MAX"
	CatVehicle      = "Vehicle Weapon"
)

// Weapon is one entry of the static weapon table.
type Weapon struct {
	Name     string
	Category string
}

// weapons is a subset of item ids seen in kill events. Ids not listed fall
// back to name and default rules.
var weapons = map[string]Weapon{
	"7214":   {"Gauss SAW", CatLMG},
	"7169":   {"Gauss Rifle", CatAssaultRifle},
	"80":     {"T1 Cycler", CatAssaultRifle},
	"7254":   {"Orion VS54", CatLMG},
	"7390":   {"Sweeper", CatShotgun},
	"7337":   {"Longshot", CatSniper},
	"1919":   {"Commissioner", CatPistol},
	"6009":   {"Eidolon VE2", CatSMG},
	"7400":   {"Artemis VM1", CatCarbine},
	"802733": {"Razor GD-23", CatScout},
	"6005":   {"Warden", CatBattleRifle},
	"271":    {"Carver", CatKnife},
	"1082":   {"Chimera Knife", CatKnife},
	"6002":   {"Auraxium Knife", CatKnife},
	"44505":  {"Frag Grenade", CatGrenade},
	"432":    {"Sticky Grenade", CatGrenade},
	"650":    {"Tank Mine", CatExplosive},
	"1045":   {"Proximity Mine", CatExplosive},
	"1044":   {"Claymore", CatExplosive},
	"6003":   {"Bouncing Betty", CatExplosive},
	"800623": {"Spitfire Auto-Turret", CatDeployable},
	"6004":   {"AI Module", CatDeployable},
	"7506":   {"Mercy", CatMAX},
	"7528":   {"Mattock", CatMAX},
	"4906":   {"Fury", CatVehicle},
}

// headshotEligible lists the categories where a headshot is possible.
var headshotEligible = map[string]bool{
	CatAssaultRifle: true,
	CatCarbine:      true,
	CatLMG:          true,
	CatSMG:          true,
	CatShotgun:      true,
	CatSniper:       true,
	CatScout:        true,
	CatBattleRifle:  true,
	CatPistol:       true,
}

// LookupWeapon returns the table entry for id.
func LookupWeapon(id string) (Weapon, bool) {
	w, ok := weapons[id]
	return w, ok
}

// HeadshotEligible reports whether a kill counts toward headshot ratios.
// Unknown weapons are eligible when the kill was not made from a vehicle.
func HeadshotEligible(weaponID, vehicleID string) bool {
	if w, ok := weapons[weaponID]; ok {
		return headshotEligible[w.Category]
	}
	if weaponID == "" || weaponID == "0" {
		return false
	}
	return vehicleID == "" || vehicleID == "0"
}

// Kill kinds.
const (
	KindKill      = "Kill"
	KindHeadshot  = "Headshot"
	KindKnife     = "Knife Kill"
	KindNade      = "Nade Kill"
	KindSpitfire  = "Spitfire Kill"
	KindTankmine  = "Tankmine Kill"
	KindAPMine    = "AP-Mine Kill"
	KindMax       = "Max Kill"
	KindDeath     = "Death"
	KindTeamKill  = "Team Kill"
	KindSuicide   = "Suicide"
	KindAlertWin  = "Alert Win"
	KindAlertEnd  = "Alert End"
	KindRevive    = "Revive"
	KindReviveMe  = "Revive Taken"
	KindAssist    = "Assist"
	KindMultiKill = "Multi Kill"
)

// weaponIDKinds take precedence over every other rule.
var weaponIDKinds = map[string]string{
	"800623": KindSpitfire,
	"650":    KindTankmine,
	"1045":   KindAPMine,
	"1044":   KindAPMine,
	"6003":   KindAPMine,
}

var categoryKinds = map[string]string{
	CatKnife:   KindKnife,
	CatGrenade: KindNade,
}

// nameKinds match case-insensitive substrings of the weapon name.
var nameKinds = []struct {
	substr string
	kind   string
}{
	{"spitfire", KindSpitfire},
	{"tank mine", KindTankmine},
	{"claymore", KindAPMine},
	{"bouncing betty", KindAPMine},
	{"proximity mine", KindAPMine},
	{"knife", KindKnife},
	{"grenade", KindNade},
}

// maxLoadouts are the MAX profile ids of the four factions.
var maxLoadouts = map[int]bool{7: true, 14: true, 21: true, 45: true}

// ClassifyKill picks the event kind for a kill. Precedence: specific weapon
// id, then weapon category, then weapon name, then victim profile, then the
// default (Headshot when is_headshot, otherwise Kill).
func ClassifyKill(weaponID string, isHeadshot bool, victimLoadout int) string {
	if kind, ok := weaponIDKinds[weaponID]; ok {
		return kind
	}
	w, known := weapons[weaponID]
	if known {
		if kind, ok := categoryKinds[w.Category]; ok {
			return kind
		}
		name := strings.ToLower(w.Name)
		for _, nk := range nameKinds {
			if strings.Contains(name, nk.substr) {
				return nk.kind
			}
		}
	}
	if maxLoadouts[victimLoadout] {
		return KindMax
	}
	if isHeadshot {
		return KindHeadshot
	}
	return KindKill
}

// =============================================================================
// Experience
// =============================================================================

// Experience ids with dedicated handling.
const (
	ExpRevive      = 7
	ExpSquadRevive = 53
)

// ReviveIDs credit an assist on the reviver and a revive on the revived.
var ReviveIDs = map[int]bool{ExpRevive: true, ExpSquadRevive: true}

// AssistIDs increment assists on the actor.
var AssistIDs = map[int]bool{2: true, 3: true, 371: true, 372: true}

type expRange struct {
	lo, hi int
	kind   string
}

// experienceKinds maps experience id ranges to event kinds. First match wins.
var experienceKinds = []expRange{
	{7, 7, KindRevive},
	{53, 53, KindRevive},
	{4, 5, "Heal"},
	{51, 51, "Heal"},
	{34, 34, "Resupply"},
	{55, 55, "Resupply"},
	{15, 16, "Point Control"},
	{272, 272, "Point Control"},
	{556, 557, "Point Control"},
	{233, 233, "Sunderer Spawn"},
	{19, 19, "Base Capture"},
	{26, 26, "Road Kill"},
	{10, 10, "Domination"},
	{11, 11, "Revenge"},
	{8, 8, "Killstreak Stop"},
	{146, 154, "Gunner Assist"},
	{604, 616, "Break Construction"},
	{328, 328, KindAlertEnd},
}

// ClassifyExperience returns the event kind for an experience id, or "".
func ClassifyExperience(id int) string {
	for _, r := range experienceKinds {
		if id >= r.lo && id <= r.hi {
			return r.kind
		}
	}
	return ""
}

// EventType lowercases a kind into the envelope sub-type.
func EventType(kind string) string {
	return strings.ToLower(kind)
}

// Filename derives the renderer asset for a kind.
func Filename(kind string) string {
	return strings.ReplaceAll(strings.ToLower(kind), " ", "_") + ".png"
}
