// Package migrate detects the schema version of persisted user records and
// upgrades them, one version at a time, to the current record.Record layout.
//
// Migration steps are pure functions over generically decoded documents. Each
// step has exactly one precondition Shape and produces the next Shape, so the
// chain from any recognized Shape to Current is unique and never skips or
// regresses a version.
package migrate

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/keepsakebot/keepsake/record"
)

// ErrUnrecognizedSchema is returned for records which match no known Shape.
var ErrUnrecognizedSchema = errors.New("unrecognized record schema")

// step upgrades a document of one Shape to the next.
type step func(document) document

var steps = map[Shape]step{
	LegacyArray:  fromLegacyArray,
	LegacyObject: fromLegacyObject,
}

// Normalize decodes |raw|, migrates it to the Current shape and materializes
// it as a record.Record. It returns the number of migration steps applied.
// Normalize does not repair the Record: values it can't interpret become zero
// values which the sanitizer subsequently drops.
func Normalize(raw []byte) (record.Record, int, error) {
	var doc, err = decode(raw)
	if err != nil {
		return record.Record{}, 0, err
	}
	shape, err := detect(doc)
	if err != nil {
		return record.Record{}, 0, err
	}

	var applied int
	for ; shape != Current; shape++ {
		doc = steps[shape](doc)
		applied++
	}
	return materialize(doc), applied, nil
}

// fromLegacyArray folds the "inventory" array into a "collection" count
// mapping, and renames "balance" to "coins".
func fromLegacyArray(in document) document {
	var out = clone(in, "inventory", "balance", "tutorialDone")

	// A missing inventory is empty.
	var inventory, _ = in["inventory"].([]interface{})
	var collection = make(map[string]interface{})
	for _, v := range inventory {
		if id, ok := v.(string); ok {
			var n, _ = toInt64(collection[id])
			collection[id] = json.Number(strconv.FormatInt(n+1, 10))
		}
	}
	out["collection"] = collection

	if _, ok := out["coins"]; !ok {
		if balance, ok := in["balance"]; ok {
			out["coins"] = balance
		}
	}
	if _, ok := out["onboarding"]; !ok {
		if done, ok := toBool(in["tutorialDone"]); ok && done {
			out["onboarding"] = string(record.StageComplete)
		} else if ok {
			out["onboarding"] = string(record.StageTutorial)
		}
	}
	out["version"] = json.Number("1")
	return out
}

// fromLegacyObject expands count-valued ownership into {count, shiny, golden}
// objects under "collectibles", and cosmetics id arrays into owned-flag
// mappings.
func fromLegacyObject(in document) document {
	var out = clone(in, "collection", "collectibles")

	var counts, ok = in["collection"].(map[string]interface{})
	if !ok {
		counts, _ = in["collectibles"].(map[string]interface{})
	}
	var collectibles = make(map[string]interface{}, len(counts))
	for id, n := range counts {
		if n == nil {
			continue
		}
		collectibles[id] = map[string]interface{}{
			"count":  n,
			"shiny":  false,
			"golden": false,
		}
	}
	out["collectibles"] = collectibles

	if ids, ok := in["cosmetics"].([]interface{}); ok {
		var cosmetics = make(map[string]interface{}, len(ids))
		for _, v := range ids {
			if id, ok := v.(string); ok {
				cosmetics[id] = true
			}
		}
		out["cosmetics"] = cosmetics
	}
	out["version"] = json.Number("2")
	return out
}

// clone returns a shallow copy of |doc| without the |omit| keys.
func clone(doc document, omit ...string) document {
	var out = make(document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, k := range omit {
		delete(out, k)
	}
	return out
}

// materialize a Current document as a Record.
func materialize(doc document) record.Record {
	var r = record.Record{
		Version:      record.CurrentVersion,
		Collectibles: make(map[string]record.Ownership),
		Cosmetics:    make(map[string]bool),
		Cooldowns:    make(map[string]int64),
	}
	r.Coins, _ = toInt64(doc["coins"])
	r.Gems, _ = toInt64(doc["gems"])

	if m, ok := doc["collectibles"].(map[string]interface{}); ok {
		for id, v := range m {
			var obj, _ = v.(map[string]interface{})
			var count, _ = toInt64(obj["count"])
			var shiny, _ = toBool(obj["shiny"])
			var golden, _ = toBool(obj["golden"])

			if count > math.MaxInt32 || count < 0 {
				count = 0
			}
			r.Collectibles[id] = record.Ownership{Count: int(count), Shiny: shiny, Golden: golden}
		}
	}
	if m, ok := doc["cosmetics"].(map[string]interface{}); ok {
		for id, v := range m {
			r.Cosmetics[id], _ = toBool(v)
		}
	}
	if m, ok := doc["cooldowns"].(map[string]interface{}); ok {
		for action, v := range m {
			if ts, ok := toInt64(v); ok {
				r.Cooldowns[action] = ts
			} else {
				r.Cooldowns[action] = -1
			}
		}
	}
	if s, ok := doc["onboarding"].(string); ok {
		r.Onboarding = record.Stage(s)
	}
	return r
}

// toInt64 coerces JSON numbers, integral floats and numeric strings.
func toInt64(v interface{}) (int64, bool) {
	var s string
	switch vv := v.(type) {
	case json.Number:
		s = vv.String()
	case string:
		s = strings.TrimSpace(vv)
	case float64:
		return floatToInt64(vv)
	case int64:
		return vv, true
	case int:
		return int64(vv), true
	default:
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return floatToInt64(f)
	}
	return 0, false
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) ||
		f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// toBool coerces JSON booleans, and the strings "true" and "false".
func toBool(v interface{}) (bool, bool) {
	switch vv := v.(type) {
	case bool:
		return vv, true
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(vv)); err == nil {
			return b, true
		}
	}
	return false, false
}
