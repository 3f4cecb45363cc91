package geocorr

import (
	"sort"
	"time"
)

// DepartmentLevelKey is the reserved sub-key for records that carry no
// municipality.
const DepartmentLevelKey = "_department_level"

// DetectedDataType describes one non-geographic column seen for a location.
type DetectedDataType struct {
	Type        DataTypeKind `json:"type"`
	ColumnName  string       `json:"columnName"`
	DisplayName string       `json:"displayName"`
	Value       any          `json:"value"`
}

// ActorData is a person or office holder found in an actor-bearing column.
type ActorData struct {
	Name          string         `json:"name"`
	Role          string         `json:"role"`
	Party         string         `json:"party,omitempty"`
	PhotoURL      string         `json:"photoUrl,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	SourceDataset string         `json:"sourceDataset"`
}

// GeographicDatasetMatch groups the rows one dataset contributes to one
// location. There is exactly one per (location, dataset) pair.
type GeographicDatasetMatch struct {
	DatasetID   string             `json:"datasetId"`
	DatasetName string             `json:"datasetName"`
	MatchedRows []Record           `json:"matchedRows"`
	DataTypes   []DetectedDataType `json:"dataTypes"`

	seenColumns map[string]bool
}

func (m *GeographicDatasetMatch) addDataType(dt DetectedDataType) {
	if m.seenColumns == nil {
		m.seenColumns = make(map[string]bool)
	}
	if m.seenColumns[dt.ColumnName] {
		return
	}
	m.seenColumns[dt.ColumnName] = true
	m.DataTypes = append(m.DataTypes, dt)
}

// LocationRecord holds everything correlated for one (department,
// municipality) pair.
//
// A record synthesized for a department that only has municipality-level data
// has IsAggregated set, MunicipalityCount and AggregatedFrom filled in, and
// empty Datasets and Actors: municipality rows are never copied up a level.
type LocationRecord struct {
	Departamento      string                    `json:"departamento"`
	Municipio         string                    `json:"municipio,omitempty"`
	Datasets          []*GeographicDatasetMatch `json:"datasets"`
	Actors            []ActorData               `json:"actors"`
	Statistics        map[string]any            `json:"statistics"`
	HasData           bool                      `json:"hasData"`
	IsAggregated      bool                      `json:"isAggregated"`
	MunicipalityCount int                       `json:"municipalityCount,omitempty"`
	AggregatedFrom    []string                  `json:"aggregatedFrom,omitempty"`
}

func (r *LocationRecord) datasetMatch(d *Dataset) *GeographicDatasetMatch {
	for _, m := range r.Datasets {
		if m.DatasetID == d.ID {
			return m
		}
	}
	m := &GeographicDatasetMatch{DatasetID: d.ID, DatasetName: d.Name}
	r.Datasets = append(r.Datasets, m)
	return m
}

func (r *LocationRecord) refreshStatistics() {
	rows := 0
	for _, m := range r.Datasets {
		rows += len(m.MatchedRows)
	}
	r.Statistics = map[string]any{
		"totalRows":    rows,
		"datasetCount": len(r.Datasets),
		"actorCount":   len(r.Actors),
	}
	r.HasData = rows > 0 || len(r.Actors) > 0
}

// GeographicIndex is department key → sub-key → record. Keys are
// NormalizeKey outputs; the sub-key is DepartmentLevelKey for records without
// a municipality.
type GeographicIndex struct {
	Entries      map[string]map[string]*LocationRecord `json:"entries"`
	BuiltAt      time.Time                             `json:"builtAt"`
	DatasetCount int                                   `json:"datasetCount"`
	SkippedCount int                                   `json:"skippedCount"`
}

func newGeographicIndex() *GeographicIndex {
	return &GeographicIndex{Entries: make(map[string]map[string]*LocationRecord)}
}

// Len returns the number of location records.
func (idx *GeographicIndex) Len() int {
	if idx == nil {
		return 0
	}
	n := 0
	for _, b := range idx.Entries {
		n += len(b)
	}
	return n
}

// Departments returns the department keys present in the index, sorted.
func (idx *GeographicIndex) Departments() []string {
	if idx == nil {
		return nil
	}
	keys := make([]string, 0, len(idx.Entries))
	for k := range idx.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the record stored at exactly (deptKey, subKey).
func (idx *GeographicIndex) Lookup(deptKey, subKey string) *LocationRecord {
	if idx == nil {
		return nil
	}
	return idx.Entries[deptKey][subKey]
}

func (idx *GeographicIndex) getOrCreate(deptKey, subKey, dept, muni string) *LocationRecord {
	bucket, ok := idx.Entries[deptKey]
	if !ok {
		bucket = make(map[string]*LocationRecord)
		idx.Entries[deptKey] = bucket
	}
	rec, ok := bucket[subKey]
	if !ok {
		rec = &LocationRecord{
			Departamento: dept,
			Municipio:    muni,
			Datasets:     []*GeographicDatasetMatch{},
			Actors:       []ActorData{},
		}
		bucket[subKey] = rec
	}
	return rec
}
