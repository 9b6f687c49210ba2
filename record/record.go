// Package record defines the per-user game state persisted by keepsake, and
// the catalog of collectible and cosmetic identifiers it may reference.
package record

import "sort"

// CurrentVersion is the schema version of Records produced by this package.
const CurrentVersion = 2

// Stage is the onboarding stage of a user.
type Stage string

const (
	StageNew      Stage = "new"
	StageTutorial Stage = "tutorial"
	StageComplete Stage = "complete"
)

// Valid returns true if the Stage is one of the known onboarding stages.
func (s Stage) Valid() bool {
	switch s {
	case StageNew, StageTutorial, StageComplete:
		return true
	}
	return false
}

// Ownership of a single collectible.
type Ownership struct {
	Count  int  `json:"count"`
	Shiny  bool `json:"shiny"`
	Golden bool `json:"golden"`
}

// Merge folds |o| into the receiver: counts are summed and variant flags OR-ed.
func (own Ownership) Merge(o Ownership) Ownership {
	return Ownership{
		Count:  own.Count + o.Count,
		Shiny:  own.Shiny || o.Shiny,
		Golden: own.Golden || o.Golden,
	}
}

// Record is the persisted state of one user.
type Record struct {
	Version      int                  `json:"version"`
	Coins        int64                `json:"coins"`
	Gems         int64                `json:"gems"`
	Collectibles map[string]Ownership `json:"collectibles"`
	Cosmetics    map[string]bool      `json:"cosmetics"`
	// Cooldowns maps an action name to the unix milliseconds of its last use.
	Cooldowns  map[string]int64 `json:"cooldowns"`
	Onboarding Stage            `json:"onboarding"`
}

// New returns a zero-valued Record of the current version, as created on
// first contact from an unknown user.
func New() Record {
	return Record{
		Version:      CurrentVersion,
		Collectibles: make(map[string]Ownership),
		Cosmetics:    make(map[string]bool),
		Cooldowns:    make(map[string]int64),
		Onboarding:   StageNew,
	}
}

// Clone returns a deep copy of the Record.
func (r Record) Clone() Record {
	var out = r
	if r.Collectibles != nil {
		out.Collectibles = make(map[string]Ownership, len(r.Collectibles))
		for k, v := range r.Collectibles {
			out.Collectibles[k] = v
		}
	}
	if r.Cosmetics != nil {
		out.Cosmetics = make(map[string]bool, len(r.Cosmetics))
		for k, v := range r.Cosmetics {
			out.Cosmetics[k] = v
		}
	}
	if r.Cooldowns != nil {
		out.Cooldowns = make(map[string]int64, len(r.Cooldowns))
		for k, v := range r.Cooldowns {
			out.Cooldowns[k] = v
		}
	}
	return out
}

// Reset returns a fresh Record which preserves only the currencies of the
// receiver. It backs the administrative reset of a user.
func (r Record) Reset() Record {
	var out = New()
	out.Coins, out.Gems = r.Coins, r.Gems
	return out
}

// Touch records use of cooldown |action| at |atMillis|. Timestamps never move
// backwards: an earlier |atMillis| than the one recorded is ignored, and
// Touch returns false.
func (r *Record) Touch(action string, atMillis int64) bool {
	if r.Cooldowns == nil {
		r.Cooldowns = make(map[string]int64)
	}
	if cur, ok := r.Cooldowns[action]; ok && cur > atMillis {
		return false
	}
	r.Cooldowns[action] = atMillis
	return true
}

// Ready returns true if |action| was last used at least |cooldownMillis|
// before |nowMillis|, or was never used.
func (r Record) Ready(action string, nowMillis, cooldownMillis int64) bool {
	var last, ok = r.Cooldowns[action]
	return !ok || nowMillis-last >= cooldownMillis
}

// Grant adds |n| copies of collectible |id| with the given variant flags.
func (r *Record) Grant(id string, n int, shiny, golden bool) {
	if r.Collectibles == nil {
		r.Collectibles = make(map[string]Ownership)
	}
	r.Collectibles[id] = r.Collectibles[id].Merge(Ownership{Count: n, Shiny: shiny, Golden: golden})
}

// CollectibleIDs returns the sorted ids of owned collectibles.
func (r Record) CollectibleIDs() []string {
	var ids = make([]string, 0, len(r.Collectibles))
	for id := range r.Collectibles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
