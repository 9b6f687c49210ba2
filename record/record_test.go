package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordJSONRoundTrip(t *testing.T) {
	var fixtures = []Record{
		New(),
		{Version: CurrentVersion},
		{
			Version:      CurrentVersion,
			Coins:        120,
			Gems:         3,
			Collectibles: map[string]Ownership{"c001": {Count: 2, Shiny: true}, "c042": {Count: 1, Golden: true}},
			Cosmetics:    map[string]bool{"k10": true},
			Cooldowns:    map[string]int64{"daily": 1760000000000, "work": 1760000360000},
			Onboarding:   StageComplete,
		},
	}
	for _, r := range fixtures {
		var b, err = json.Marshal(r)
		require.NoError(t, err)

		var out Record
		require.NoError(t, json.Unmarshal(b, &out))
		require.Equal(t, r, out)
	}
}

func TestCloneIsDeep(t *testing.T) {
	var r = New()
	r.Grant("c001", 1, false, false)
	r.Cosmetics["k10"] = true
	r.Touch("daily", 100)

	var c = r.Clone()
	c.Grant("c001", 1, true, false)
	c.Cosmetics["k11"] = true
	c.Touch("daily", 200)

	require.Equal(t, Ownership{Count: 1}, r.Collectibles["c001"])
	require.Equal(t, Ownership{Count: 2, Shiny: true}, c.Collectibles["c001"])
	require.Len(t, r.Cosmetics, 1)
	require.Equal(t, int64(100), r.Cooldowns["daily"])
}

func TestTouchIsMonotonic(t *testing.T) {
	var r Record
	require.True(t, r.Touch("daily", 100))
	require.True(t, r.Touch("daily", 100))
	require.False(t, r.Touch("daily", 50))
	require.Equal(t, int64(100), r.Cooldowns["daily"])
	require.True(t, r.Touch("daily", 150))
	require.Equal(t, int64(150), r.Cooldowns["daily"])

	require.False(t, r.Ready("daily", 200, 100))
	require.True(t, r.Ready("daily", 250, 100))
	require.True(t, r.Ready("weekly", 0, 100))
}

func TestResetPreservesCurrencies(t *testing.T) {
	var r = New()
	r.Coins, r.Gems = 10, 2
	r.Grant("c001", 3, false, false)
	r.Onboarding = StageComplete
	r.Touch("daily", 1)

	var out = r.Reset()
	require.Equal(t, int64(10), out.Coins)
	require.Equal(t, int64(2), out.Gems)
	require.Empty(t, out.Collectibles)
	require.Empty(t, out.Cooldowns)
	require.Equal(t, StageNew, out.Onboarding)
}

func TestCatalogParsing(t *testing.T) {
	var c, err = ParseCatalog([]byte(`
collectibles:
  pattern: "^c[0-9]{3}$"
  ids: [c001, c002]
`))
	require.NoError(t, err)

	require.True(t, c.ValidCollectible("c001"))
	require.False(t, c.ValidCollectible("c003")) // Matches, but not listed.
	require.False(t, c.ValidCollectible("c0001"))
	require.True(t, c.ValidCosmetic("k12")) // Default pattern, no list.

	_, err = ParseCatalog([]byte("collectibles:\n  ids: [x1]\n"))
	require.EqualError(t, err, `collectibles: id "x1" doesn't match pattern "^c[0-9]{3,5}$"`)

	_, err = ParseCatalog([]byte("unknown: 1\n"))
	require.Error(t, err)

	_, err = ParseCatalog([]byte("cosmetics:\n  pattern: \"(\"\n"))
	require.Error(t, err)
}
