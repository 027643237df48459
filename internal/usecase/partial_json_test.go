package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePartialArgs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"empty", "", nil},
		{"blank", "   ", nil},
		{"complete", `{"a":1,"b":"x"}`, map[string]any{"a": float64(1), "b": "x"}},
		{"open brace", `{`, map[string]any{}},
		{"open string value", `{"city":"Par`, map[string]any{"city": "Par"}},
		{"dangling key", `{"a":1,"b`, map[string]any{"a": float64(1)}},
		{"dangling colon", `{"a":1,"b":`, map[string]any{"a": float64(1)}},
		{"trailing comma", `{"a":1,`, map[string]any{"a": float64(1)}},
		{"nested object", `{"a":{"b":"c`, map[string]any{"a": map[string]any{"b": "c"}}},
		{"nested array", `{"xs":[1,2`, map[string]any{"xs": []any{float64(1), float64(2)}}},
		{"escaped quote", `{"q":"say \"hi`, map[string]any{"q": `say "hi`}},
		{"dangling escape", `{"q":"a\`, map[string]any{"q": "a"}},
		{"partial number", `{"n":12`, map[string]any{"n": float64(12)}},
		{"partial literal", `{"ok":tr`, map[string]any{}},
		{"not an object", `[1,2]`, nil},
		{"garbage", `hello`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePartialArgs(tt.raw))
		})
	}
}

func TestParsePartialArgs_EveryPrefixDecodes(t *testing.T) {
	full := `{"location":"Paris, FR","units":["c","f"],"days":3,"opts":{"hourly":true}}`
	for i := 1; i <= len(full); i++ {
		got := parsePartialArgs(full[:i])
		assert.NotNil(t, got, "prefix %q", full[:i])
	}
}
