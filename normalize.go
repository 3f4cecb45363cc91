package geocorr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// combiningMarks matches the Combining Diacritical Marks block (U+0300–U+036F).
var combiningMarks = runes.Predicate(func(r rune) bool {
	return r >= 0x0300 && r <= 0x036F
})

// NormalizeKey lowercases s, decomposes it (NFD), strips combining diacritical
// marks and collapses runs of whitespace to a single space.
//
//	NormalizeKey("JOSÉ  García") == "jose garcia"
//
// NormalizeKey is idempotent.
func NormalizeKey(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(combiningMarks))
	stripped, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		stripped = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(stripped), " ")
}

// ParseListValues expands a cell value into its list elements.
//
// nil yields no elements. Slices are stringified element-wise with empty
// elements dropped. Strings are split on ";" when they contain one, otherwise
// on ","; a semicolon-split segment is never split further. Other scalars
// become a single element.
func ParseListValues(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, 0, len(x))
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s := strings.TrimSpace(stringify(e)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		sep := ""
		if strings.Contains(x, ";") {
			sep = ";"
		} else if strings.Contains(x, ",") {
			sep = ","
		}
		if sep == "" {
			if s := strings.TrimSpace(x); s != "" {
				return []string{s}
			}
			return nil
		}
		var out []string
		for _, part := range strings.Split(x, sep) {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{stringify(v)}
	}
}

// stringify renders a decoded JSON cell as text. Objects are rendered by
// their name or label when they carry one.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case map[string]any:
		if s := firstString(x, "name", "label"); s != "" {
			return s
		}
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

// toNumber coerces a cell to a float64. ok is false when v holds no number.
func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// LevenshteinDistance returns the edit distance between a and b, counting
// insertions, deletions and substitutions over runes.
func LevenshteinDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// Similarity returns 1 - distance/max(len(a), len(b)) with lengths counted in
// runes. Two empty strings are identical (1.0).
func Similarity(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(LevenshteinDistance(a, b))/float64(longest)
}

// firstString returns the first non-empty trimmed string value among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
