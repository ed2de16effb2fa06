package features

import (
	"sort"
	"strings"

	"github.com/lox/clima/internal/models"
)

// UnknownSkyCode is assigned to any condition missing from the table.
const UnknownSkyCode = 0

// cptecLegend is the CPTEC weather condition legend in its published order.
// Codes are assigned by position starting at 1, so entries must only ever be
// appended.
var cptecLegend = []string{
	"ec",  // encoberto com chuvas isoladas
	"ci",  // chuvas isoladas
	"c",   // chuva
	"in",  // instável
	"pp",  // possibilidade de pancadas de chuva
	"cm",  // chuva pela manhã
	"cn",  // chuva a noite
	"pt",  // pancadas de chuva a tarde
	"pm",  // pancadas de chuva pela manhã
	"np",  // nublado e pancadas de chuva
	"pc",  // pancadas de chuva
	"pn",  // parcialmente nublado
	"cv",  // chuvisco
	"ch",  // chuvoso
	"t",   // tempestade
	"ps",  // predomínio de sol
	"e",   // encoberto
	"n",   // nublado
	"cl",  // céu claro
	"nv",  // nevoeiro
	"g",   // geada
	"ne",  // neve
	"nd",  // não definido
	"pnt", // pancadas de chuva a noite
	"psc", // possibilidade de chuva
	"pcm", // possibilidade de chuva pela manhã
	"pct", // possibilidade de chuva a tarde
	"pcn", // possibilidade de chuva a noite
	"npt", // nublado com pancadas a tarde
	"npn", // nublado com pancadas a noite
	"ncn", // nublado com possibilidade de chuva a noite
	"nct", // nublado com possibilidade de chuva a tarde
	"ncm", // nublado com possibilidade de chuva pela manhã
	"npm", // nublado com pancadas pela manhã
	"npp", // nublado com possibilidade de chuva
	"vn",  // variação de nebulosidade
	"ct",  // chuva a tarde
	"ppn", // possibilidade de pancadas de chuva a noite
	"ppt", // possibilidade de pancadas de chuva a tarde
	"ppm", // possibilidade de pancadas de chuva pela manhã
}

// CodeEntry is one persisted row of a CodeTable.
type CodeEntry struct {
	Condition string
	Code      int
	Version   int
}

// CodeTable maps CPTEC condition strings to stable integers. A table is
// immutable; Extend returns a new one.
type CodeTable struct {
	version int
	codes   map[string]int
	order   []string
}

// DefaultCodeTable returns version 1 of the table, built from the CPTEC legend.
func DefaultCodeTable() *CodeTable {
	return NewCodeTable(1, cptecLegend)
}

// NewCodeTable builds a table assigning codes 1..n in the order given.
// Duplicates keep their first code.
func NewCodeTable(version int, conditions []string) *CodeTable {
	t := &CodeTable{version: version, codes: make(map[string]int, len(conditions))}
	for _, c := range conditions {
		c = normalizeCondition(c)
		if c == "" {
			continue
		}
		if _, ok := t.codes[c]; ok {
			continue
		}
		t.order = append(t.order, c)
		t.codes[c] = len(t.order)
	}
	return t
}

// CodeTableFromEntries rebuilds a table from persisted entries. The table
// version is the highest entry version.
func CodeTableFromEntries(entries []CodeEntry) *CodeTable {
	sorted := append([]CodeEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	t := &CodeTable{codes: make(map[string]int, len(sorted))}
	for _, e := range sorted {
		c := normalizeCondition(e.Condition)
		t.order = append(t.order, c)
		t.codes[c] = e.Code
		if e.Version > t.version {
			t.version = e.Version
		}
	}
	return t
}

func (t *CodeTable) Version() int { return t.version }

func (t *CodeTable) Len() int { return len(t.order) }

// Code returns the integer for a condition, or UnknownSkyCode.
func (t *CodeTable) Code(condition string) int {
	if code, ok := t.codes[normalizeCondition(condition)]; ok {
		return code
	}
	return UnknownSkyCode
}

// Extend appends conditions not yet in the table. It returns the receiver
// unchanged when nothing is new, otherwise a copy with the version bumped.
// Existing codes are never renumbered.
func (t *CodeTable) Extend(conditions ...string) (*CodeTable, bool) {
	var added []string
	seen := make(map[string]bool)
	for _, c := range conditions {
		c = normalizeCondition(c)
		if c == "" || seen[c] {
			continue
		}
		if _, ok := t.codes[c]; ok {
			continue
		}
		seen[c] = true
		added = append(added, c)
	}
	if len(added) == 0 {
		return t, false
	}

	next := &CodeTable{
		version: t.version + 1,
		codes:   make(map[string]int, len(t.codes)+len(added)),
		order:   append(append([]string(nil), t.order...), added...),
	}
	maxCode := 0
	for c, code := range t.codes {
		next.codes[c] = code
		if code > maxCode {
			maxCode = code
		}
	}
	for i, c := range added {
		next.codes[c] = maxCode + i + 1
	}
	return next, true
}

// ExtendWith is Extend over the sky conditions of obs.
func (t *CodeTable) ExtendWith(obs []models.Observation) (*CodeTable, bool) {
	conditions := make([]string, len(obs))
	for i, o := range obs {
		conditions[i] = o.SkyCondition
	}
	return t.Extend(conditions...)
}

// Entries returns the table rows ordered by code.
func (t *CodeTable) Entries() []CodeEntry {
	entries := make([]CodeEntry, 0, len(t.order))
	for _, c := range t.order {
		entries = append(entries, CodeEntry{Condition: c, Code: t.codes[c], Version: t.version})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Code < entries[j].Code })
	return entries
}

func normalizeCondition(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
