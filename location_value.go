package geocorr

import (
	"encoding/json"
	"strings"
)

// LocationKind tags the shape of a location cell.
type LocationKind uint8

const (
	LocationNone       LocationKind = iota // no usable value
	LocationRaw                            // plain text, e.g. "Chiquimula"
	LocationStructured                     // object with semantic fields
)

// LocationField names a semantic field that can be read out of a location cell.
type LocationField string

const (
	FieldDepartment   LocationField = "department"
	FieldMunicipality LocationField = "municipality"
)

// locationFieldKeys lists the object keys that carry each semantic field,
// in lookup order.
var locationFieldKeys = map[LocationField][]string{
	FieldDepartment:   {"department", "departamento", "state", "administrative_area_level_1"},
	FieldMunicipality: {"municipality", "municipio", "city", "locality", "administrative_area_level_2"},
}

// descriptiveKeys are generic keys consulted only when an object carries
// none of the requested semantic keys.
var descriptiveKeys = []string{"formatted_address", "name", "label"}

// LocationValue is a decoded location cell: either raw text or a structured
// object such as {"department": "Zacapa", "municipality": "Gualán"}.
type LocationValue struct {
	Kind       LocationKind
	Raw        string
	Structured map[string]any
}

// ParseLocationValue decodes a dataset cell into a LocationValue. Strings that
// hold a JSON object are decoded as Structured.
func ParseLocationValue(v any) LocationValue {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return LocationValue{}
		}
		if strings.HasPrefix(s, "{") {
			var m map[string]any
			if err := json.Unmarshal([]byte(s), &m); err == nil {
				return LocationValue{Kind: LocationStructured, Structured: m}
			}
		}
		return LocationValue{Kind: LocationRaw, Raw: s}
	case map[string]any:
		if len(x) == 0 {
			return LocationValue{}
		}
		return LocationValue{Kind: LocationStructured, Structured: x}
	case nil:
		return LocationValue{}
	default:
		if s := strings.TrimSpace(stringify(v)); s != "" {
			return LocationValue{Kind: LocationRaw, Raw: s}
		}
		return LocationValue{}
	}
}

// Field extracts the requested semantic field.
//
// Raw values answer every field with their text. For structured values the
// field's own keys are read first; a key that is present but blank yields no
// value rather than falling through to an unrelated field. Only when none of
// the field's keys exist are the descriptive keys consulted, taking the first
// comma-delimited segment of formatted_address.
func (lv LocationValue) Field(f LocationField) (string, bool) {
	switch lv.Kind {
	case LocationRaw:
		return lv.Raw, true
	case LocationStructured:
		return structuredField(lv.Structured, f)
	default:
		return "", false
	}
}

// Department is shorthand for Field(FieldDepartment).
func (lv LocationValue) Department() (string, bool) { return lv.Field(FieldDepartment) }

// Municipality is shorthand for Field(FieldMunicipality).
func (lv LocationValue) Municipality() (string, bool) { return lv.Field(FieldMunicipality) }

func structuredField(m map[string]any, f LocationField) (string, bool) {
	present := false
	for _, k := range locationFieldKeys[f] {
		v, ok := m[k]
		if !ok {
			continue
		}
		present = true
		if s := strings.TrimSpace(stringify(v)); s != "" {
			return s, true
		}
	}
	if present {
		return "", false
	}
	for _, k := range descriptiveKeys {
		s, ok := m[k].(string)
		if !ok {
			continue
		}
		if k == "formatted_address" {
			s, _, _ = strings.Cut(s, ",")
		}
		if s = strings.TrimSpace(s); s != "" {
			return s, true
		}
	}
	return "", false
}
