package canonical

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	in := map[string]any{
		"zeta": 1,
		"alpha": map[string]any{
			"nested_b": "x",
			"nested_a": []any{map[string]any{"k2": 2, "k1": 1}},
		},
	}

	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"nested_a":[{"k1":1,"k2":2}],"nested_b":"x"},"zeta":1}`, string(out))
}

func TestMarshalNoWhitespace(t *testing.T) {
	out, err := Marshal(map[string]any{"a": []any{1, 2, 3}, "b": "with space"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2,3],"b":"with space"}`, string(out))
}

func TestMarshalTimestamps(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	out, err := Marshal(map[string]any{"collected_at": ts})
	require.NoError(t, err)
	assert.Equal(t, `{"collected_at":"2025-03-14T09:26:53.589793Z"}`, string(out))
}

func TestMarshalStructUsesJSONTags(t *testing.T) {
	type payload struct {
		ControlID string  `json:"control_id"`
		Status    string  `json:"status"`
		Count     int     `json:"count"`
		Score     float64 `json:"score"`
	}
	out, err := Marshal(payload{ControlID: "LA.01", Status: "pass", Count: 3, Score: 0.6667})
	require.NoError(t, err)
	assert.Equal(t, `{"control_id":"LA.01","count":3,"score":0.6667,"status":"pass"}`, string(out))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	out, err := Marshal(map[string]any{"s": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"a<b>&c"}`, string(out))
}

// Round-tripping canonical bytes through a JSON parser and back must be
// bit-identical; this is what makes the form safe to re-verify from storage.
func TestRoundTripIsBitIdentical(t *testing.T) {
	cases := []any{
		map[string]any{"b": 1, "a": []any{true, nil, "x", 0.25}},
		map[string]any{"nested": map[string]any{"y": []any{1, 2}, "x": map[string]any{"k": "v"}}},
		map[string]any{"confidence": 0.3333, "count": 17, "root": nil},
		[]any{"one", 2, 3.5, false},
	}

	for _, c := range cases {
		first, err := Marshal(c)
		require.NoError(t, err)

		dec := json.NewDecoder(bytes.NewReader(first))
		dec.UseNumber()
		var parsed any
		require.NoError(t, dec.Decode(&parsed))

		second, err := Marshal(parsed)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	}
}

func TestMarshalDeterministic(t *testing.T) {
	in := map[string]any{"k1": "v1", "k2": 2, "k3": []any{"a", "b"}}
	a, err := Marshal(in)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		b, err := Marshal(in)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	_, err := Marshal(map[string]any{"bad": math.Inf(1)})
	assert.Error(t, err)

	_, err = Marshal(map[string]any{"bad": math.NaN()})
	assert.Error(t, err)
}
