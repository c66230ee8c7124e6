package record

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var zeroWidth = strings.NewReplacer(
	"\u200b", "", // zero width space
	"\u200c", "", // zero width non-joiner
	"\u200d", "", // zero width joiner
	"\ufeff", "", // byte order mark
)

// Normalize applies NFKC, strips zero-width characters and trims
// surrounding whitespace. It is applied to every extracted text before it is
// stored.
func Normalize(s string) string {
	return strings.TrimSpace(zeroWidth.Replace(norm.NFKC.String(s)))
}

// NormalizedValue normalizes text and maps an empty result to Missing.
func NormalizedValue(s string) Value { return OrMissing(Normalize(s)) }

// FromAny converts a decoded JSON value into a field Value. Lists and objects
// are kept as indented JSON text so the document store sees plain strings.
// nil becomes Missing.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Missing()
	case string:
		return NormalizedValue(t)
	case bool:
		return Present(fmt.Sprintf("%t", t))
	case float64:
		return Present(formatNumber(t))
	case json.Number:
		return Present(t.String())
	case []any, map[string]any:
		b, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return Present(fmt.Sprint(t))
		}
		return Present(string(b))
	default:
		return Present(fmt.Sprint(t))
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
