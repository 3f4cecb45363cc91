package geocorr

import "testing"

func TestClassifyColumn(t *testing.T) {
	tests := []struct {
		name    string
		colType string
		want    ColumnTag
	}{
		{"Departamento", "text", TagDepartment},
		{"DEPTO", "", TagDepartment},
		{"Municipio", "text", TagMunicipality},
		{"Nombre del municipio", "text", TagMunicipality},
		{"Alcalde", "text", TagActor},
		{"Nombre", "text", TagActor},
		{"Partido", "text", TagParty},
		{"Nombre del partido", "text", TagParty},
		{"Ubicación", "location", TagLocation},
		{"Municipio", "location", TagMunicipality},
		{"Población", "number", TagNone},
	}

	for _, tt := range tests {
		if got := ClassifyColumn(DefaultColumnRules, tt.name, tt.colType); got != tt.want {
			t.Errorf("ClassifyColumn(%q, %q) = %v, want %v", tt.name, tt.colType, got, tt.want)
		}
	}
}

func TestClassifyColumnCustomRules(t *testing.T) {
	rules := append([]ColumnRule{
		{Tag: TagActor, Patterns: []string{"director"}, Exclude: []string{"suplente"}},
	}, DefaultColumnRules...)

	if got := ClassifyColumn(rules, "Director", ""); got != TagActor {
		t.Errorf("ClassifyColumn(Director) = %v, want %v", got, TagActor)
	}
	if got := ClassifyColumn(rules, "Director suplente", ""); got != TagNone {
		t.Errorf("ClassifyColumn(Director suplente) = %v, want %v", got, TagNone)
	}
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		tag     ColumnTag
		colType string
		want    DataTypeKind
	}{
		{TagActor, "text", DataActor},
		{TagNone, "number", DataNumeric},
		{TagNone, "Currency", DataMoney},
		{TagParty, "relation", DataEntity},
		{TagNone, "", DataText},
	}

	for _, tt := range tests {
		if got := detectKind(tt.tag, tt.colType); got != tt.want {
			t.Errorf("detectKind(%v, %q) = %v, want %v", tt.tag, tt.colType, got, tt.want)
		}
	}
}
