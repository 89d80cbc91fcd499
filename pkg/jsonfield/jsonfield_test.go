package jsonfield

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type profile struct {
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Extra   map[string]any `json:"-"`
}

type settingsDoc struct {
	Name   string         `json:"name"`
	Custom map[string]any `json:"custom,omitempty"`
	Extra  map[string]any `json:"-"`
}

type settingsAlias settingsDoc

func (d settingsDoc) MarshalJSON() ([]byte, error) {
	return Marshal(settingsAlias(d), d.Extra)
}

func (d *settingsDoc) UnmarshalJSON(b []byte) error {
	return Unmarshal(b, (*settingsAlias)(d), &d.Extra)
}

type profileAlias profile

func (p profile) MarshalJSON() ([]byte, error) {
	return Marshal(profileAlias(p), p.Extra)
}

func (p *profile) UnmarshalJSON(b []byte) error {
	return Unmarshal(b, (*profileAlias)(p), &p.Extra)
}

func TestRoundTripKeepsUnknownKeys(t *testing.T) {
	in := `{"name":"acme","enabled":true,"tier":{"level":3,"ratio":0.125,"tags":["a","b"]},"big":12345678901234567890}`

	var p profile
	require.NoError(t, json.Unmarshal([]byte(in), &p))
	require.Equal(t, "acme", p.Name)
	require.True(t, p.Enabled)
	require.Contains(t, p.Extra, "tier")
	require.Equal(t, json.Number("12345678901234567890"), p.Extra["big"])

	out, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, in, string(out))
}

func TestKnownMapKeepsWideIntegers(t *testing.T) {
	in := `{"name":"acme","custom":{"seat_id":9007199254740993}}`

	var d settingsDoc
	require.NoError(t, json.Unmarshal([]byte(in), &d))
	require.Equal(t, json.Number("9007199254740993"), d.Custom["seat_id"])

	out, err := json.Marshal(d)
	require.NoError(t, err)
	require.Equal(t, in, string(out))
}

func TestUnmarshalKeepsDefaultsForMissingKeys(t *testing.T) {
	p := profile{Name: "default", Enabled: true}
	require.NoError(t, json.Unmarshal([]byte(`{"name":"override"}`), &p))
	require.Equal(t, "override", p.Name)
	require.True(t, p.Enabled)
	require.Empty(t, p.Extra)
}

func TestExtraCannotShadowKnownField(t *testing.T) {
	p := profile{Name: "acme", Extra: map[string]any{"name": "shadow", "x": 1}}
	out, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"acme","enabled":false,"x":1}`, string(out))
}

func TestMerge(t *testing.T) {
	got := Merge(map[string]any{"a": 1, "b": 2}, map[string]any{"b": 3})
	require.Equal(t, map[string]any{"a": 1, "b": 3}, got)
}

func TestMergeRecursesIntoObjects(t *testing.T) {
	base := map[string]any{"theme": map[string]any{"dark": true, "accent": "red"}, "n": 1}
	got := Merge(base, map[string]any{"theme": map[string]any{"accent": "blue"}, "n": map[string]any{"x": 1}})
	require.Equal(t, map[string]any{
		"theme": map[string]any{"dark": true, "accent": "blue"},
		"n":     map[string]any{"x": 1},
	}, got)
	require.Equal(t, "red", base["theme"].(map[string]any)["accent"])
}

func TestApplyPatchesDocument(t *testing.T) {
	d := settingsDoc{Name: "acme", Custom: map[string]any{"limits": map[string]any{"cpu": 2}}, Extra: map[string]any{"tier": "gold"}}
	require.NoError(t, Apply(&d, []byte(`{"custom":{"limits":{"ram":9007199254740993}}}`)))

	out, err := json.Marshal(d)
	require.NoError(t, err)
	require.Equal(t, `{"custom":{"limits":{"cpu":2,"ram":9007199254740993}},"name":"acme","tier":"gold"}`, string(out))

	require.Error(t, Apply(&d, []byte(`[1]`)))
	require.Error(t, Apply(&d, []byte(`null`)))
	require.Error(t, Apply(&d, []byte(`{"name":`)))
	require.Equal(t, "acme", d.Name)
}
