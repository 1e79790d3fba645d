// Package seed ships the hand-maintained technology supply-chain dataset
// embedded in the binary. It is the bootstrap ingestion source: eight
// companies with real permids plus the supply, competition and partnership
// edges between them, parsed and validated before any graph I/O.
package seed

import (
	_ "embed"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/supplychain-graph/internal/model"
)

//go:embed dataset.yaml
var rawDataset []byte

// document is the YAML shape of the embedded file.
type document struct {
	Companies     []model.CompanyEntity `yaml:"companies"`
	SupplyPairs   []model.SupplyPair    `yaml:"supply_pairs"`
	Relationships []model.Relationship  `yaml:"relationships"`
}

// Dataset is the parsed, validated seed data. Accessors return copies so
// callers can reorder or trim batches without touching the embedded set.
type Dataset struct {
	companies     []model.CompanyEntity
	supplyPairs   []model.SupplyPair
	relationships []model.Relationship
}

// Load parses and validates the embedded dataset. Every company must pass
// entity validation, permids must be unique, and every edge endpoint must
// reference a seeded company so the relationship phase never needs an
// entity the upsert phase did not create.
func Load() (*Dataset, error) {
	var doc document
	if err := yaml.Unmarshal(rawDataset, &doc); err != nil {
		return nil, eris.Wrap(err, "seed: parse embedded dataset")
	}

	seen := make(map[int64]bool, len(doc.Companies))
	for _, c := range doc.Companies {
		if err := c.Validate(); err != nil {
			return nil, eris.Wrapf(err, "seed: company %q", c.Name)
		}
		if seen[c.PermID] {
			return nil, eris.Errorf("seed: duplicate permid %d", c.PermID)
		}
		seen[c.PermID] = true
	}

	for i, p := range doc.SupplyPairs {
		if err := p.Validate(); err != nil {
			return nil, eris.Wrapf(err, "seed: supply pair %d", i)
		}
		if !seen[p.SupplierPermID] || !seen[p.AssemblerPermID] {
			return nil, eris.Errorf("seed: supply pair %d references a permid outside the dataset", i)
		}
	}

	for i, r := range doc.Relationships {
		if err := r.Validate(); err != nil {
			return nil, eris.Wrapf(err, "seed: relationship %d", i)
		}
		if !seen[r.SourcePermID] || !seen[r.TargetPermID] {
			return nil, eris.Errorf("seed: relationship %d references a permid outside the dataset", i)
		}
	}

	return &Dataset{
		companies:     doc.Companies,
		supplyPairs:   doc.SupplyPairs,
		relationships: doc.Relationships,
	}, nil
}

// Entities returns the seeded companies.
func (d *Dataset) Entities() []model.CompanyEntity {
	out := make([]model.CompanyEntity, len(d.companies))
	copy(out, d.companies)
	return out
}

// SupplyPairs returns the (supplier, assembler) edge candidates.
func (d *Dataset) SupplyPairs() []model.SupplyPair {
	out := make([]model.SupplyPair, len(d.supplyPairs))
	copy(out, d.supplyPairs)
	return out
}

// Relationships returns the typed edges: competition, manufacturing and
// partnership. Property bags are copied too, so annotating a returned edge
// does not leak into later calls.
func (d *Dataset) Relationships() []model.Relationship {
	out := make([]model.Relationship, len(d.relationships))
	for i, r := range d.relationships {
		if len(r.Props) > 0 {
			props := make(map[string]model.PropertyValue, len(r.Props))
			for k, v := range r.Props {
				props[k] = v
			}
			r.Props = props
		}
		out[i] = r
	}
	return out
}
