package geocorr

import (
	"strconv"
	"strings"
	"sync"
)

// AdminDivision is one of Guatemala's first-level administrative divisions.
type AdminDivision struct {
	Code  string // INE / ISO 3166-2 numeric code, e.g. "19"
	Alpha string // former ISO 3166-2 letter code, e.g. "ZA"
	Name  string // canonical name, e.g. "Zacapa"
}

// Departments lists the 22 departments in INE code order.
var Departments = []AdminDivision{
	{"01", "GU", "Guatemala"},
	{"02", "PR", "El Progreso"},
	{"03", "SA", "Sacatepéquez"},
	{"04", "CM", "Chimaltenango"},
	{"05", "ES", "Escuintla"},
	{"06", "SR", "Santa Rosa"},
	{"07", "SO", "Sololá"},
	{"08", "TO", "Totonicapán"},
	{"09", "QZ", "Quetzaltenango"},
	{"10", "SU", "Suchitepéquez"},
	{"11", "RE", "Retalhuleu"},
	{"12", "SM", "San Marcos"},
	{"13", "HU", "Huehuetenango"},
	{"14", "QC", "Quiché"},
	{"15", "BV", "Baja Verapaz"},
	{"16", "AV", "Alta Verapaz"},
	{"17", "PE", "Petén"},
	{"18", "IZ", "Izabal"},
	{"19", "ZA", "Zacapa"},
	{"20", "CQ", "Chiquimula"},
	{"21", "JA", "Jalapa"},
	{"22", "JU", "Jutiapa"},
}

// departmentAliases are alternate names seen in published datasets.
var departmentAliases = map[string]string{
	"el quiche": "14",
	"progreso":  "02",
	"el peten":  "17",
}

// departmentLookup maps normalized names, aliases and codes to divisions.
var departmentLookup map[string]AdminDivision
var departmentLookupOnce sync.Once

func loadDepartmentLookup() {
	departmentLookupOnce.Do(func() {
		departmentLookup = make(map[string]AdminDivision, len(Departments)*6)
		byCode := make(map[string]AdminDivision, len(Departments))
		for _, d := range Departments {
			byCode[d.Code] = d
			n, _ := strconv.Atoi(d.Code)
			for _, k := range []string{
				NormalizeKey(d.Name),
				d.Code,
				strconv.Itoa(n),
				"gt-" + d.Code,
				strings.ToLower(d.Alpha),
				"gt-" + strings.ToLower(d.Alpha),
			} {
				departmentLookup[k] = d
			}
		}
		for alias, code := range departmentAliases {
			departmentLookup[alias] = byCode[code]
		}
	})
}

// LookupDepartment resolves a department name, alias or code ("Zacapa",
// "El Quiché", "19", "GT-19", "GT-ZA") to its division.
func LookupDepartment(s string) (AdminDivision, bool) {
	loadDepartmentLookup()
	d, ok := departmentLookup[NormalizeKey(s)]
	return d, ok
}

// canonicalDepartment returns the canonical name for a known department and
// s unchanged otherwise. Only unambiguous code forms are rewritten: "GT-"
// prefixed codes, two-digit INE codes and letter codes written as exactly
// two uppercase letters. Cells like "1" or "es" are left alone.
func canonicalDepartment(s string) string {
	d, ok := LookupDepartment(s)
	if !ok || NormalizeKey(d.Name) == NormalizeKey(s) || !strictCode(s, d) {
		return s
	}
	return d.Name
}

func strictCode(s string, d AdminDivision) bool {
	t := strings.TrimSpace(s)
	switch key := NormalizeKey(t); {
	case strings.HasPrefix(key, "gt-"), key == d.Code:
		return true
	case key == strings.ToLower(d.Alpha):
		return t == d.Alpha
	default:
		_, err := strconv.Atoi(key)
		return err != nil
	}
}
