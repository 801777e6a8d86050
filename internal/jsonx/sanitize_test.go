package jsonx

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opaque struct {
	ch chan int
}

func (o opaque) String() string { return "opaque-value" }

type taskOutput struct {
	Raw     string `json:"raw"`
	Summary string `json:"summary"`
}

func TestSanitizeCoercesUnsupportedFieldsOnly(t *testing.T) {
	payload := map[string]any{
		"ok":      "value",
		"count":   3,
		"nan":     math.NaN(),
		"fn":      func() {},
		"err":     errors.New("boom"),
		"when":    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		"nested":  []any{1, make(chan int)},
		"struct":  taskOutput{Raw: "r", Summary: "s"},
		"stringy": opaque{ch: make(chan int)},
	}

	out, ok := Sanitize(payload).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "value", out["ok"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "NaN", out["nan"])
	assert.IsType(t, "", out["fn"])
	assert.Equal(t, "boom", out["err"])
	assert.Equal(t, "2025-01-02T03:04:05Z", out["when"])
	assert.Equal(t, map[string]any{"raw": "r", "summary": "s"}, out["struct"])
	assert.Equal(t, "opaque-value", out["stringy"])

	nested, ok := out["nested"].([]any)
	require.True(t, ok)
	assert.Equal(t, 1, nested[0])
	assert.IsType(t, "", nested[1])

	data, err := Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ok":"value"`)
}

type AgentMeta struct {
	Model string `json:"model"`
}

type stepResult struct {
	AgentMeta
	Name     string   `json:"name"`
	Attempts int      `json:"attempts"`
	Score    float64  `json:"score"`
	Notify   chan int `json:"notify"`
	Callback func()   `json:"-"`
	Note     string   `json:"note,omitempty"`
	Plain    bool
	hidden   string
}

func TestSanitizeStructKeepsGoodFields(t *testing.T) {
	result := &stepResult{
		AgentMeta: AgentMeta{Model: "gpt"},
		Name:      "fetch",
		Attempts:  2,
		Score:     math.NaN(),
		Notify:    make(chan int),
		Callback:  func() {},
		Plain:     true,
		hidden:    "x",
	}

	out, ok := Sanitize(result).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "gpt", out["model"])
	assert.Equal(t, "fetch", out["name"])
	assert.Equal(t, 2, out["attempts"])
	assert.Equal(t, "NaN", out["score"])
	assert.IsType(t, "", out["notify"])
	assert.Equal(t, true, out["Plain"])
	assert.NotContains(t, out, "Callback")
	assert.NotContains(t, out, "note")
	assert.NotContains(t, out, "hidden")

	_, err := Marshal(out)
	require.NoError(t, err)
}

func TestMarshalSafeNeverFailsOnChannels(t *testing.T) {
	data, err := MarshalSafe(map[string]any{"ch": make(chan int)})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ch":"0x`)
}

func TestSanitizeNil(t *testing.T) {
	assert.Nil(t, Sanitize(nil))
	var m map[string]int
	assert.Nil(t, Sanitize(m))
}
