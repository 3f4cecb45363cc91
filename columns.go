package geocorr

import "strings"

// ColumnTag is the semantic role inferred for a dataset column.
type ColumnTag uint8

const (
	TagNone ColumnTag = iota
	TagDepartment
	TagMunicipality
	TagLocation
	TagActor
	TagParty
)

func (t ColumnTag) String() string {
	switch t {
	case TagDepartment:
		return "department"
	case TagMunicipality:
		return "municipality"
	case TagLocation:
		return "location"
	case TagActor:
		return "actor"
	case TagParty:
		return "party"
	default:
		return "none"
	}
}

// ColumnRule maps column-name patterns to a tag. A column matches when its
// normalized name contains any pattern and none of the Exclude patterns.
type ColumnRule struct {
	Tag      ColumnTag
	Patterns []string
	Exclude  []string
}

func (r ColumnRule) matches(name string) bool {
	for _, x := range r.Exclude {
		if strings.Contains(name, x) {
			return false
		}
	}
	for _, p := range r.Patterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// partyPatterns mark affiliation columns; they are never actor-bearing.
var partyPatterns = []string{"partido", "party", "afiliacion", "affiliation", "organizacion politica", "comite civico"}

// DefaultColumnRules is evaluated top to bottom; the first matching rule wins.
// Geographic rules come first so a column such as "Nombre del municipio" is
// read as a location rather than an actor.
var DefaultColumnRules = []ColumnRule{
	{Tag: TagParty, Patterns: partyPatterns},
	{Tag: TagMunicipality, Patterns: []string{"municipio", "municipality", "municipalidad"}},
	{Tag: TagDepartment, Patterns: []string{"departamento", "department", "depto"}},
	{Tag: TagActor, Patterns: []string{
		"alcalde", "alcaldesa", "mayor", "nombre", "name", "diputado", "diputada",
		"gobernador", "candidato", "candidata", "representante", "funcionario",
		"concejal", "sindico", "actor", "responsable", "titular",
	}},
}

// locationTypes are schema types that hold a structured location value.
var locationTypes = map[string]bool{"location": true, "geo": true, "geolocation": true, "address": true}

// ClassifyColumn applies rules to a schema column. A column typed as a
// location is tagged TagLocation unless its name already names a department
// or municipality.
func ClassifyColumn(rules []ColumnRule, name, colType string) ColumnTag {
	key := NormalizeKey(name)
	tag := TagNone
	for _, r := range rules {
		if r.matches(key) {
			tag = r.Tag
			break
		}
	}
	if locationTypes[NormalizeKey(colType)] && tag != TagDepartment && tag != TagMunicipality {
		return TagLocation
	}
	return tag
}

// DataTypeKind is the kind of a non-geographic fact detected on a column.
type DataTypeKind string

const (
	DataActor    DataTypeKind = "actor"
	DataNumeric  DataTypeKind = "numeric"
	DataText     DataTypeKind = "text"
	DataLocation DataTypeKind = "location"
	DataEntity   DataTypeKind = "entity"
	DataMoney    DataTypeKind = "money"
)

var schemaTypeKinds = map[string]DataTypeKind{
	"number":      DataNumeric,
	"numeric":     DataNumeric,
	"integer":     DataNumeric,
	"int":         DataNumeric,
	"float":       DataNumeric,
	"decimal":     DataNumeric,
	"percentage":  DataNumeric,
	"currency":    DataMoney,
	"money":       DataMoney,
	"location":    DataLocation,
	"geo":         DataLocation,
	"geolocation": DataLocation,
	"address":     DataLocation,
	"entity":      DataEntity,
	"relation":    DataEntity,
	"reference":   DataEntity,
}

// detectKind maps a column to the kind reported in DetectedDataType.
func detectKind(tag ColumnTag, colType string) DataTypeKind {
	if tag == TagActor {
		return DataActor
	}
	if k, ok := schemaTypeKinds[NormalizeKey(colType)]; ok {
		return k
	}
	return DataText
}
