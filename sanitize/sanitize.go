// Package sanitize structurally repairs migrated records before they enter
// the in-memory store.
package sanitize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/keepsakebot/keepsake/record"
)

// Issue describes a single repair applied to a Record.
type Issue struct {
	// Field of the Record which was repaired.
	Field string
	// Key of the repaired map entry, if Field is a map.
	Key string
	// Reason is a human-readable description of the repair.
	Reason string
}

func (i Issue) String() string {
	if i.Key == "" {
		return fmt.Sprintf("%s: %s", i.Field, i.Reason)
	}
	return fmt.Sprintf("%s[%q]: %s", i.Field, i.Key, i.Reason)
}

// Repair returns a copy of |r| which satisfies record.Record invariants under
// Catalog |c|, and the Issues which were repaired. Repair never fails: a
// thoroughly corrupt Record becomes a minimal valid one. Repair is
// deterministic, and a repaired Record is its own repair with no Issues.
func Repair(c *record.Catalog, r record.Record) (record.Record, []Issue) {
	var out = record.Record{
		Version:      record.CurrentVersion,
		Coins:        r.Coins,
		Gems:         r.Gems,
		Collectibles: make(map[string]record.Ownership, len(r.Collectibles)),
		Cosmetics:    make(map[string]bool, len(r.Cosmetics)),
		Cooldowns:    make(map[string]int64, len(r.Cooldowns)),
		Onboarding:   r.Onboarding,
	}
	var issues []Issue
	var report = func(field, key, format string, args ...interface{}) {
		issues = append(issues, Issue{Field: field, Key: key, Reason: fmt.Sprintf(format, args...)})
	}

	if r.Version != record.CurrentVersion {
		report("version", "", "set %d to %d", r.Version, record.CurrentVersion)
	}
	if out.Coins < 0 {
		report("coins", "", "negative balance %d reset to zero", out.Coins)
		out.Coins = 0
	}
	if out.Gems < 0 {
		report("gems", "", "negative balance %d reset to zero", out.Gems)
		out.Gems = 0
	}

	// Walk keys in sorted order, so that merges and reported Issues are
	// independent of map iteration order.
	for _, key := range sortedKeys(r.Collectibles) {
		var own, id = r.Collectibles[key], canonical(key)

		if own.Count < 1 {
			report("collectibles", key, "dropped invalid count %d", own.Count)
			continue
		} else if !c.ValidCollectible(id) {
			report("collectibles", key, "dropped unknown id")
			continue
		} else if id != key {
			report("collectibles", key, "canonicalized to %q", id)
		}
		if prior, ok := out.Collectibles[id]; ok {
			report("collectibles", key, "merged duplicate of %q", id)
			own = prior.Merge(own)
		}
		out.Collectibles[id] = own
	}

	for _, key := range sortedKeys(r.Cosmetics) {
		var owned, id = r.Cosmetics[key], canonical(key)

		if !owned {
			report("cosmetics", key, "dropped unowned entry")
			continue
		} else if !c.ValidCosmetic(id) {
			report("cosmetics", key, "dropped unknown id")
			continue
		} else if id != key {
			report("cosmetics", key, "canonicalized to %q", id)
		}
		if out.Cosmetics[id] {
			report("cosmetics", key, "merged duplicate of %q", id)
		}
		out.Cosmetics[id] = true
	}

	for _, action := range sortedKeys(r.Cooldowns) {
		var ts = r.Cooldowns[action]

		if ts < 0 {
			report("cooldowns", action, "dropped invalid timestamp %d", ts)
			continue
		}
		out.Cooldowns[action] = ts
	}

	if !out.Onboarding.Valid() {
		report("onboarding", "", "unknown stage %q reset to %q", out.Onboarding, record.StageNew)
		out.Onboarding = record.StageNew
	}
	return out, issues
}

// canonical returns the canonical form of a catalog id.
func canonical(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

func sortedKeys[V any](m map[string]V) []string {
	var keys = make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
