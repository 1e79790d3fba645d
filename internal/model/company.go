package model

import (
	"math"
	"strings"
)

// CreatedBy is the provenance marker stamped on every node and relationship
// this pipeline creates. Stored in the created_by / relationship_source
// properties so mixed-source graphs stay auditable.
const CreatedBy = "supplychain-graph"

// CompanyEntity is a technology-sector company keyed by its Refinitiv permid.
// PermID, Name, IsFinalAssembler and MatchScore are always present; the
// remaining fields are optional and omitted from the property map when zero.
type CompanyEntity struct {
	PermID           int64   `json:"permid" yaml:"permid"`
	Name             string  `json:"name" yaml:"name"`
	IsFinalAssembler bool    `json:"is_final_assembler" yaml:"is_final_assembler"`
	MatchScore       float64 `json:"match_score" yaml:"match_score"`

	IndustrySector string  `json:"industry_sector,omitempty" yaml:"industry_sector,omitempty"`
	Country        string  `json:"country,omitempty" yaml:"country,omitempty"`
	MarketCap      float64 `json:"market_cap,omitempty" yaml:"market_cap,omitempty"`
	Revenue        float64 `json:"revenue,omitempty" yaml:"revenue,omitempty"`
}

// Validate checks the entity against the ingestion rules. It returns a
// *ValidationError naming the first offending field, or nil. No store I/O
// happens for an entity that fails here.
func (c CompanyEntity) Validate() error {
	if c.PermID <= 0 {
		return NewValidationError("permid", "must be a positive integer")
	}
	if strings.TrimSpace(c.Name) == "" {
		return NewValidationError("name", "must be non-empty")
	}
	if math.IsNaN(c.MatchScore) || c.MatchScore < 0 || c.MatchScore > 1 {
		return NewValidationError("match_score", "must be in [0, 1]")
	}
	if c.MarketCap < 0 || math.IsNaN(c.MarketCap) {
		return NewValidationError("market_cap", "must be non-negative")
	}
	if c.Revenue < 0 || math.IsNaN(c.Revenue) {
		return NewValidationError("revenue", "must be non-negative")
	}
	return nil
}

// Properties flattens the entity into a graph property map. Optional fields
// are omitted when unset (zero means absent for the monetary fields, empty
// string for the categorical ones). Audit properties (ingestion_date,
// created_by, last_updated) are set store-side and never appear here.
func (c CompanyEntity) Properties() map[string]any {
	props := map[string]any{
		"permid":             c.PermID,
		"name":               c.Name,
		"is_final_assembler": c.IsFinalAssembler,
		"match_score":        c.MatchScore,
	}
	if c.IndustrySector != "" {
		props["industry_sector"] = c.IndustrySector
	}
	if c.Country != "" {
		props["country"] = c.Country
	}
	if c.MarketCap > 0 {
		props["market_cap"] = c.MarketCap
	}
	if c.Revenue > 0 {
		props["revenue"] = c.Revenue
	}
	return props
}

// DedupeByPermID collapses a batch to one candidate per permid, keeping the
// entity with the highest match score. When scores tie, the later element
// wins. Relative order of surviving permids follows first appearance so
// batch output is deterministic.
func DedupeByPermID(entities []CompanyEntity) []CompanyEntity {
	if len(entities) < 2 {
		return entities
	}

	best := make(map[int64]int, len(entities))
	order := make([]int64, 0, len(entities))
	for i, e := range entities {
		prev, seen := best[e.PermID]
		if !seen {
			best[e.PermID] = i
			order = append(order, e.PermID)
			continue
		}
		if e.MatchScore >= entities[prev].MatchScore {
			best[e.PermID] = i
		}
	}

	out := make([]CompanyEntity, 0, len(order))
	for _, id := range order {
		out = append(out, entities[best[id]])
	}
	return out
}
