package migrate

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/keepsakebot/keepsake/record"
	"github.com/stretchr/testify/require"
)

func TestShapeDetection(t *testing.T) {
	var cases = []struct {
		raw    string
		expect Shape
	}{
		{`{}`, LegacyObject},
		{`{"coins": 5}`, LegacyObject},
		{`{"inventory": ["c001"], "balance": 3}`, LegacyArray},
		{`{"inventory": [], "version": 0}`, LegacyArray},
		{`{"collection": {"c001": 2}}`, LegacyObject},
		{`{"collection": {"c001": "2"}, "version": 1}`, LegacyObject},
		{`{"collectibles": {"c001": 2}}`, LegacyObject},
		{`{"collectibles": {"c001": {"count": 1}}}`, Current},
		{`{"collectibles": {}, "version": 2}`, Current},
		{`{"collectibles": {}, "version": 1}`, LegacyObject},
		{`{"collectibles": {"c001": null, "c002": {"count": 1}}}`, Current},
		{`{"version": 2}`, Current},
		{`{"version": "2"}`, Current},
		{`{"version": 0, "coins": 5}`, LegacyArray},
		{`{"version": "0"}`, LegacyArray},

		{`[]`, Unrecognized},
		{`"hello"`, Unrecognized},
		{`{"coins": `, Unrecognized},
		{`{"version": 3}`, Unrecognized},
		{`{"version": -1}`, Unrecognized},
		{`{"version": "two"}`, Unrecognized},
		{`{"inventory": {"c001": 1}}`, Unrecognized},
		{`{"inventory": [], "collection": {}}`, Unrecognized},
		{`{"collection": {}, "collectibles": {}}`, Unrecognized},
		{`{"collection": {"c001": {"count": 1}}}`, Unrecognized},
		{`{"collectibles": {"c001": 1, "c002": {"count": 1}}}`, Unrecognized},
		{`{"collectibles": {"c001": true}}`, Unrecognized},
		{`{"collectibles": {"c001": 2}, "version": 2}`, Unrecognized},
		{`{"inventory": [], "version": 1}`, Unrecognized},
		{`{"version": 0, "collection": {}}`, Unrecognized},
		{`{"version": 0, "collectibles": {}}`, Unrecognized},
		{`{"inventory": null, "version": 0}`, Unrecognized},
		{`null`, Unrecognized},
		{`42`, Unrecognized},
	}
	for _, tc := range cases {
		var shape, err = Detect([]byte(tc.raw))
		require.Equal(t, tc.expect, shape, tc.raw)

		if tc.expect == Unrecognized {
			require.True(t, errors.Is(err, ErrUnrecognizedSchema), tc.raw)
		} else {
			require.NoError(t, err, tc.raw)
		}
	}
}

func TestNormalizeLegacyArray(t *testing.T) {
	var r, applied, err = Normalize([]byte(`{
		"inventory": ["c001", "c002", "c001", 7],
		"balance": 50,
		"tutorialDone": true,
		"cosmetics": ["k10", "k11"],
		"cooldowns": {"daily": 1700000000000}
	}`))
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	require.Equal(t, record.Record{
		Version: record.CurrentVersion,
		Coins:   50,
		Collectibles: map[string]record.Ownership{
			"c001": {Count: 2},
			"c002": {Count: 1},
		},
		Cosmetics:  map[string]bool{"k10": true, "k11": true},
		Cooldowns:  map[string]int64{"daily": 1700000000000},
		Onboarding: record.StageComplete,
	}, r)

	// An unfinished tutorial maps to the tutorial stage.
	r, _, err = Normalize([]byte(`{"inventory": [], "tutorialDone": false}`))
	require.NoError(t, err)
	require.Equal(t, record.StageTutorial, r.Onboarding)

	// An explicit legacy version without an inventory owns nothing.
	r, applied, err = Normalize([]byte(`{"version": 0, "coins": 5}`))
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.Equal(t, int64(5), r.Coins)
	require.Empty(t, r.Collectibles)

	_, _, err = Normalize([]byte(`{"version": 0, "collection": {}}`))
	require.True(t, errors.Is(err, ErrUnrecognizedSchema))

	// Explicit coins take precedence over a legacy balance.
	r, _, err = Normalize([]byte(`{"inventory": [], "balance": 1, "coins": 9}`))
	require.NoError(t, err)
	require.Equal(t, int64(9), r.Coins)
}

func TestNormalizeLegacyObject(t *testing.T) {
	var r, applied, err = Normalize([]byte(`{
		"version": 1,
		"collection": {"c001": 3, "c002": "2", "c003": 1.0},
		"coins": 10,
		"gems": "4",
		"cosmetics": {"k10": true, "k11": false},
		"onboarding": "tutorial"
	}`))
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	require.Equal(t, record.Record{
		Version: record.CurrentVersion,
		Coins:   10,
		Gems:    4,
		Collectibles: map[string]record.Ownership{
			"c001": {Count: 3},
			"c002": {Count: 2},
			"c003": {Count: 1},
		},
		Cosmetics:  map[string]bool{"k10": true, "k11": false},
		Cooldowns:  map[string]int64{},
		Onboarding: record.StageTutorial,
	}, r)
}

func TestNormalizeCurrentIsNoOp(t *testing.T) {
	var in = record.Record{
		Version:      record.CurrentVersion,
		Coins:        1,
		Gems:         2,
		Collectibles: map[string]record.Ownership{"c001": {Count: 4, Shiny: true, Golden: true}},
		Cosmetics:    map[string]bool{"k10": true},
		Cooldowns:    map[string]int64{"work": 12345},
		Onboarding:   record.StageComplete,
	}
	var raw, err = json.Marshal(in)
	require.NoError(t, err)

	out, applied, err := Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, 0, applied)
	require.Equal(t, in, out)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	for _, raw := range []string{
		`{}`,
		`{"inventory": ["c001", "c001"], "balance": 7}`,
		`{"collection": {"c001": 2}, "cosmetics": ["k10"], "gems": 1}`,
		`{"collectibles": {"c001": {"count": "x", "shiny": "true"}}, "cooldowns": {"a": "soon"}}`,
	} {
		var first, _, err = Normalize([]byte(raw))
		require.NoError(t, err, raw)

		b, err := json.Marshal(first)
		require.NoError(t, err)

		second, applied, err := Normalize(b)
		require.NoError(t, err)
		require.Equal(t, 0, applied, raw)
		require.Equal(t, first, second, raw)
	}
}

func TestLenientMaterialization(t *testing.T) {
	var r, _, err = Normalize([]byte(`{
		"version": 2,
		"coins": 1.5,
		"gems": "lots",
		"collectibles": {
			"c001": {"count": 2.0, "golden": "true"},
			"c002": {"count": "abc"},
			"c003": {"count": 1e300}
		},
		"cosmetics": {"k10": "yes"},
		"cooldowns": {"daily": "1700000000000", "work": null},
		"onboarding": 3
	}`))
	require.NoError(t, err)

	require.Equal(t, int64(0), r.Coins)
	require.Equal(t, int64(0), r.Gems)
	require.Equal(t, record.Ownership{Count: 2, Golden: true}, r.Collectibles["c001"])
	require.Equal(t, record.Ownership{}, r.Collectibles["c002"])
	require.Equal(t, record.Ownership{}, r.Collectibles["c003"])
	require.Equal(t, map[string]bool{"k10": false}, r.Cosmetics)
	require.Equal(t, map[string]int64{"daily": 1700000000000, "work": -1}, r.Cooldowns)
	require.Equal(t, record.Stage(""), r.Onboarding)
}

func TestNormalizeUnrecognized(t *testing.T) {
	var _, _, err = Normalize([]byte(`{"version": 9}`))
	require.True(t, errors.Is(err, ErrUnrecognizedSchema))
	require.EqualError(t, err, "unknown version 9: unrecognized record schema")
}

func TestNormalizeOfDegenerateInputs(t *testing.T) {
	for _, raw := range []string{
		`null`, `0`, `"x"`, `[]`, `{}`,
		`{"version": 0}`,
		`{"version": 0, "coins": 5}`,
		`{"version": 0, "collection": {}}`,
		`{"version": 0, "collectibles": {"c001": {"count": 1}}}`,
		`{"version": 1}`,
		`{"version": 1, "collection": null}`,
		`{"version": 2, "collectibles": null}`,
		`{"version": null, "inventory": null}`,
		`{"collectibles": {"c001": null}}`,
		`{"cosmetics": null, "cooldowns": [], "onboarding": {}}`,
	} {
		var shape, detectErr = Detect([]byte(raw))
		var _, applied, err = Normalize([]byte(raw))

		if detectErr != nil {
			require.True(t, errors.Is(err, ErrUnrecognizedSchema), raw)
			require.Equal(t, Unrecognized, shape, raw)
		} else {
			require.NoError(t, err, raw)
			require.Equal(t, int(Current-shape), applied, raw)
		}
	}
}
