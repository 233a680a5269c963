package session

import (
	"fmt"
	"html"
	"math"
	"strings"
	"time"
)

// Stats is the per-character session record. Counters only grow.
type Stats struct {
	CharacterID string
	Name        string
	Faction     Faction

	Kills              int
	Deaths             int
	Assists            int
	HeadshotKills      int
	HeadshotEligible   int
	DeathsFromHeadshot int
	DeathsHSEligible   int
	RevivesReceived    int
	TeamKills          int
	Suicides           int

	SessionStart time.Time
	ActiveMs     int64
	LastKill     time.Time
}

// EffectiveDeaths subtracts revives when reviveMode is on. Revives never
// take the result below zero.
func (s *Stats) EffectiveDeaths(reviveMode bool) int {
	if !reviveMode {
		return s.Deaths
	}
	revives := min(s.RevivesReceived, s.Deaths)
	return s.Deaths - revives
}

// KD is kills over effective deaths; with no deaths it is the kill count.
func (s *Stats) KD(reviveMode bool) float64 {
	d := s.EffectiveDeaths(reviveMode)
	if d == 0 {
		return float64(s.Kills)
	}
	return float64(s.Kills) / float64(d)
}

// HSR is the headshot ratio over headshot-eligible kills, in percent.
func (s *Stats) HSR() float64 {
	if s.HeadshotEligible == 0 {
		return 0
	}
	return float64(s.HeadshotKills) / float64(s.HeadshotEligible) * 100
}

// KPM is kills per active minute.
func (s *Stats) KPM() float64 {
	if s.ActiveMs <= 0 {
		return 0
	}
	return float64(s.Kills) / (float64(s.ActiveMs) / 60000)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Payload renders the stats state envelope body.
func (s *Stats) Payload(reviveMode bool, pop Population) map[string]any {
	kd := round2(s.KD(reviveMode))
	hsr := round2(s.HSR())
	kpm := round2(s.KPM())
	eff := s.EffectiveDeaths(reviveMode)

	var b strings.Builder
	b.WriteString(`<div class="stats">`)
	fmt.Fprintf(&b, `<span class="name">%s</span>`, html.EscapeString(s.Name))
	fmt.Fprintf(&b, `<span class="kd">K %d / D %d / A %d &middot; KD %.2f</span>`, s.Kills, eff, s.Assists, kd)
	fmt.Fprintf(&b, `<span class="hsr">HSR %.1f%% &middot; KPM %.2f</span>`, hsr, kpm)
	fmt.Fprintf(&b, `<span class="pop">VS %d &middot; NC %d &middot; TR %d &middot; NSO %d</span>`,
		pop.VS, pop.NC, pop.TR, pop.NSO)
	b.WriteString(`</div>`)

	return map[string]any{
		"character_id":     s.CharacterID,
		"name":             s.Name,
		"faction":          s.Faction.Tag(),
		"kills":            s.Kills,
		"deaths":           s.Deaths,
		"effective_deaths": eff,
		"assists":          s.Assists,
		"kd":               kd,
		"kpm":              kpm,
		"hsr":              hsr,
		"revives":          s.RevivesReceived,
		"session_seconds":  s.ActiveMs / 1000,
		"population":       pop.Map(),
		"html":             b.String(),
	}
}
