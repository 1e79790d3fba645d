package wikidata

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/supplychain-graph/internal/model"
)

// DefaultBasePermID is where synthetic permid allocation starts. Wikidata
// entities carry no Refinitiv identifier, so the pipeline assigns
// sequential ids from this base; the range is far above any real permid in
// the dataset.
const DefaultBasePermID = 5000000000

// Entity is one company row from the SPARQL result set. Fields hold raw
// binding values; empty string means the optional property was absent.
type Entity struct {
	WikidataID   string
	Label        string
	Description  string
	Industry     string
	Country      string
	Founded      string
	Headquarters string
	Revenue      string
	Employees    string
	Website      string
	StockSymbol  string
}

// MatchScore grades data completeness. A bare label scores 0.5; each
// populated property adds its weight; the result caps at 1.0.
func (e Entity) MatchScore() float64 {
	score := 0.5
	if e.Description != "" {
		score += 0.1
	}
	if e.Industry != "" {
		score += 0.1
	}
	if e.Country != "" {
		score += 0.1
	}
	if e.Founded != "" {
		score += 0.05
	}
	if e.Headquarters != "" {
		score += 0.05
	}
	if e.Revenue != "" {
		score += 0.1
	}
	if e.Employees != "" {
		score += 0.05
	}
	if e.Website != "" {
		score += 0.05
	}
	if e.StockSymbol != "" {
		score += 0.05
	}
	return math.Min(score, 1.0)
}

// finalAssemblerKeywords mark companies that ship finished devices rather
// than components. Matched over the lowercased description and industry.
var finalAssemblerKeywords = []string{
	"smartphone",
	"mobile phone",
	"electronics manufacturer",
	"consumer electronics",
	"device manufacturer",
}

// IsFinalAssembler reports whether the description or industry text marks
// the company as a finished-device maker.
func (e Entity) IsFinalAssembler() bool {
	text := strings.ToLower(e.Description) + " " + strings.ToLower(e.Industry)
	for _, kw := range finalAssemblerKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Company converts the entity to a graph entity under the given permid.
// Market cap stays zero: Wikidata does not expose it directly.
func (e Entity) Company(permid int64) model.CompanyEntity {
	return model.CompanyEntity{
		PermID:           permid,
		Name:             e.Label,
		IsFinalAssembler: e.IsFinalAssembler(),
		MatchScore:       e.MatchScore(),
		IndustrySector:   e.Industry,
		Country:          e.Country,
		Revenue:          parseRevenue(e.Revenue),
	}
}

// Companies converts entities to graph entities, assigning sequential
// synthetic permids from base.
func Companies(entities []Entity, base int64) []model.CompanyEntity {
	out := make([]model.CompanyEntity, len(entities))
	for i, e := range entities {
		out[i] = e.Company(base + int64(i))
	}
	return out
}

var digitRun = regexp.MustCompile(`\d+`)

// parseRevenue reads the first digit run (thousands separators stripped)
// and scales it to millions, the unit the research workbooks report in.
// Unparseable input reads as zero.
func parseRevenue(raw string) float64 {
	m := digitRun.FindString(strings.ReplaceAll(raw, ",", ""))
	if m == "" {
		return 0
	}
	n, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0
	}
	return float64(n) * 1e6
}

// DedupeByLabel drops entities whose folded label was already seen,
// keeping the first occurrence. Entities with empty labels are dropped
// entirely; an unnamed company cannot enter the graph.
func DedupeByLabel(entities []Entity) []Entity {
	seen := make(map[string]bool, len(entities))
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		key := foldLabel(e.Label)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// foldLabel canonicalizes a label for de-duplication: NFKC collapses width
// and compatibility variants, case folding makes the comparison
// case-insensitive. A fresh Caser per call because Caser is not safe for
// concurrent use.
func foldLabel(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}
