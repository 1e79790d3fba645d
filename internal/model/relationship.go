package model

// RelType is a typed edge label. The set is closed: edge labels are
// interpolated into Cypher (the store cannot parameterize them), so the
// whitelist below doubles as injection protection.
type RelType string

const (
	RelSupplyComponents       RelType = "SUPPLY_COMPONENTS"
	RelCompetesWith           RelType = "COMPETES_WITH"
	RelManufacturesDesignsFor RelType = "MANUFACTURES_DESIGNS_FOR"
	RelPartnerWith            RelType = "PARTNER_WITH"
)

var relTypes = map[RelType]struct{}{
	RelSupplyComponents:       {},
	RelCompetesWith:           {},
	RelManufacturesDesignsFor: {},
	RelPartnerWith:            {},
}

// Valid reports whether t is one of the known edge labels.
func (t RelType) Valid() bool {
	_, ok := relTypes[t]
	return ok
}

// Relationship is a typed edge between two companies. Its identity is the
// (source, target, type) triple: merging the same triple twice updates the
// property bag on the existing edge, it never duplicates it.
type Relationship struct {
	SourcePermID int64                    `json:"source_permid" yaml:"source_permid"`
	TargetPermID int64                    `json:"target_permid" yaml:"target_permid"`
	Type         RelType                  `json:"type" yaml:"type"`
	Props        map[string]PropertyValue `json:"props,omitempty" yaml:"props,omitempty"`
}

// Validate checks edge identity fields. Endpoint existence is a store-side
// concern (EndpointNotFoundError); this only rejects malformed input.
func (r Relationship) Validate() error {
	if r.SourcePermID <= 0 {
		return NewValidationError("source_permid", "must be a positive integer")
	}
	if r.TargetPermID <= 0 {
		return NewValidationError("target_permid", "must be a positive integer")
	}
	if !r.Type.Valid() {
		return NewValidationError("type", "unknown relationship type "+string(r.Type))
	}
	return nil
}

// PropsNative converts the typed property bag to the driver representation.
func (r Relationship) PropsNative() map[string]any {
	if len(r.Props) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(r.Props))
	for k, v := range r.Props {
		out[k] = v.Native()
	}
	return out
}

// SupplyPair is an ordered (supplier, assembler) edge candidate used by the
// bulk supply-chain loader. Each pair becomes a SUPPLY_COMPONENTS edge with
// the default provenance properties.
type SupplyPair struct {
	SupplierPermID  int64 `json:"supplier_permid" yaml:"supplier_permid"`
	AssemblerPermID int64 `json:"assembler_permid" yaml:"assembler_permid"`
}

// Validate rejects malformed pairs before any store I/O.
func (p SupplyPair) Validate() error {
	if p.SupplierPermID <= 0 {
		return NewValidationError("supplier_permid", "must be a positive integer")
	}
	if p.AssemblerPermID <= 0 {
		return NewValidationError("assembler_permid", "must be a positive integer")
	}
	return nil
}
