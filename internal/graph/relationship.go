package graph

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplychain-graph/internal/model"
)

// defaultSupplyConfidence is stamped on bulk supply chain edges that carry
// no explicit confidence.
const defaultSupplyConfidence = 0.9

// RelResult reports a single relationship merge.
type RelResult struct {
	SourcePermID int64         `json:"source_permid"`
	TargetPermID int64         `json:"target_permid"`
	Type         model.RelType `json:"type"`
	Created      bool          `json:"created"`
}

// SupplyChainMode selects how pairs with missing endpoints are handled.
type SupplyChainMode int

const (
	// Strict fails the whole transaction on the first missing endpoint;
	// nothing is written.
	Strict SupplyChainMode = iota
	// Lenient skips pairs with missing endpoints and reports them alongside
	// the merged count.
	Lenient
)

func (m SupplyChainMode) String() string {
	if m == Lenient {
		return "lenient"
	}
	return "strict"
}

// SupplyChainResult reports a bulk supply chain merge.
type SupplyChainResult struct {
	Requested int                `json:"requested"`
	Merged    int                `json:"merged"`
	Created   int                `json:"created"`
	Skipped   []model.SupplyPair `json:"skipped,omitempty"` // lenient mode only
}

// Relationship merges MATCH both endpoints: an edge can never invent a
// company. The property bag is replaced wholesale, so keys dropped from the
// input disappear from the edge; only created_date survives, captured before
// the replacing SET. The %s slot takes the edge label, which Cypher cannot
// parameterize; callers interpolate only whitelisted types.
const mergeRelationshipCypher = `
MATCH (src:Company {permid: $source_permid})
MATCH (tgt:Company {permid: $target_permid})
MERGE (src)-[r:%s]->(tgt)
WITH r, r.created_date AS created
SET r = $props,
    r.created_date = coalesce(created, datetime()),
    r.last_updated = datetime()
RETURN count(r) AS merged`

// Defaults are stamped on first creation only: re-merging a pair never
// touches confidence or provenance, so a higher confidence set elsewhere
// survives re-ingestion.
const supplyChainCypher = `
UNWIND $pairs AS pair
MATCH (s:Company {permid: pair.supplier})
MATCH (a:Company {permid: pair.assembler})
MERGE (s)-[r:SUPPLY_COMPONENTS]->(a)
ON CREATE SET
    r.confidence = $confidence,
    r.relationship_source = $source,
    r.created_date = datetime()
ON MATCH SET
    r.last_updated = datetime()
RETURN count(r) AS merged`

// CreateRelationship merges one typed edge between two existing companies.
// Merging the same (source, target, type) triple twice replaces the property
// bag with the new set. Missing endpoints return EndpointNotFoundError naming
// the absent side(s); no edge and no node is written.
func (c *Client) CreateRelationship(ctx context.Context, rel model.Relationship) (*RelResult, error) {
	if err := rel.Validate(); err != nil {
		return nil, err
	}

	res, err := writeTx(ctx, c, "create relationship", func(ctx context.Context, tx runner) (*RelResult, error) {
		return createRelationshipIn(ctx, tx, rel)
	})
	if err != nil {
		return nil, err
	}
	if res.Created {
		c.metrics.recordEdgesCreated(1)
	}

	zap.L().Debug("graph: relationship merged",
		zap.Int64("source", res.SourcePermID),
		zap.Int64("target", res.TargetPermID),
		zap.String("type", string(res.Type)),
		zap.Bool("created", res.Created),
	)
	return res, nil
}

// CreateSupplyChain merges ordered (supplier, assembler) pairs as
// SUPPLY_COMPONENTS edges with the default provenance properties. The whole
// pair set runs in one write transaction: in Strict mode any missing
// endpoint aborts and rolls back everything; in Lenient mode affected pairs
// are skipped and reported while the rest commit together.
func (c *Client) CreateSupplyChain(ctx context.Context, pairs []model.SupplyPair, mode SupplyChainMode) (*SupplyChainResult, error) {
	for i, p := range pairs {
		if err := p.Validate(); err != nil {
			return nil, eris.Wrapf(err, "graph: supply pair %d", i)
		}
	}
	if len(pairs) == 0 {
		return &SupplyChainResult{}, nil
	}

	res, err := writeTx(ctx, c, "create supply chain", func(ctx context.Context, tx runner) (*SupplyChainResult, error) {
		return createSupplyChainIn(ctx, tx, pairs, mode)
	})
	if err != nil {
		return nil, err
	}
	c.metrics.recordEdgesCreated(res.Created)

	zap.L().Info("graph: supply chain merged",
		zap.Int("requested", res.Requested),
		zap.Int("merged", res.Merged),
		zap.Int("created", res.Created),
		zap.Int("skipped", len(res.Skipped)),
		zap.String("mode", mode.String()),
	)
	return res, nil
}

// createRelationshipIn runs the endpoint check and edge merge on an open
// transaction. Callers have already validated the relationship.
func createRelationshipIn(ctx context.Context, tx runner, rel model.Relationship) (*RelResult, error) {
	present, err := companiesPresentIn(ctx, tx, []int64{rel.SourcePermID, rel.TargetPermID})
	if err != nil {
		return nil, err
	}
	if !present[rel.SourcePermID] || !present[rel.TargetPermID] {
		return nil, &model.EndpointNotFoundError{
			SourcePermID:  rel.SourcePermID,
			TargetPermID:  rel.TargetPermID,
			MissingSource: !present[rel.SourcePermID],
			MissingTarget: !present[rel.TargetPermID],
		}
	}

	cypher := fmt.Sprintf(mergeRelationshipCypher, rel.Type)
	result, err := tx.Run(ctx, cypher, map[string]any{
		"source_permid": rel.SourcePermID,
		"target_permid": rel.TargetPermID,
		"props":         rel.PropsNative(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := result.Single(ctx); err != nil {
		return nil, err
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return nil, err
	}

	return &RelResult{
		SourcePermID: rel.SourcePermID,
		TargetPermID: rel.TargetPermID,
		Type:         rel.Type,
		Created:      summary.Counters().RelationshipsCreated() > 0,
	}, nil
}

// createSupplyChainIn checks every endpoint once, then merges the surviving
// pairs with a single UNWIND statement.
func createSupplyChainIn(ctx context.Context, tx runner, pairs []model.SupplyPair, mode SupplyChainMode) (*SupplyChainResult, error) {
	permids := make([]int64, 0, len(pairs)*2)
	seen := make(map[int64]struct{}, len(pairs)*2)
	for _, p := range pairs {
		for _, id := range []int64{p.SupplierPermID, p.AssemblerPermID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				permids = append(permids, id)
			}
		}
	}

	present, err := companiesPresentIn(ctx, tx, permids)
	if err != nil {
		return nil, err
	}

	mergeable := make([]map[string]any, 0, len(pairs))
	var skipped []model.SupplyPair
	for _, p := range pairs {
		missingSupplier := !present[p.SupplierPermID]
		missingAssembler := !present[p.AssemblerPermID]
		if missingSupplier || missingAssembler {
			if mode == Strict {
				return nil, &model.EndpointNotFoundError{
					SourcePermID:  p.SupplierPermID,
					TargetPermID:  p.AssemblerPermID,
					MissingSource: missingSupplier,
					MissingTarget: missingAssembler,
				}
			}
			skipped = append(skipped, p)
			continue
		}
		mergeable = append(mergeable, map[string]any{
			"supplier":  p.SupplierPermID,
			"assembler": p.AssemblerPermID,
		})
	}

	out := &SupplyChainResult{Requested: len(pairs), Skipped: skipped}
	if len(mergeable) == 0 {
		return out, nil
	}

	result, err := tx.Run(ctx, supplyChainCypher, map[string]any{
		"pairs":      mergeable,
		"confidence": defaultSupplyConfidence,
		"source":     model.CreatedBy,
	})
	if err != nil {
		return nil, err
	}
	record, err := result.Single(ctx)
	if err != nil {
		return nil, err
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return nil, err
	}

	if v, ok := record.Get("merged"); ok {
		if n, ok := v.(int64); ok {
			out.Merged = int(n)
		}
	}
	out.Created = summary.Counters().RelationshipsCreated()
	return out, nil
}

// companiesPresentIn reports, per permid, whether a company node exists.
// Runs inside the caller's transaction so the check and the merge that
// follows see the same graph.
func companiesPresentIn(ctx context.Context, tx runner, permids []int64) (map[int64]bool, error) {
	result, err := tx.Run(ctx, `
UNWIND $permids AS pid
OPTIONAL MATCH (c:Company {permid: pid})
RETURN pid, c IS NOT NULL AS present`,
		map[string]any{"permids": permids})
	if err != nil {
		return nil, err
	}

	out := make(map[int64]bool, len(permids))
	for result.Next(ctx) {
		record := result.Record()
		pid, ok1 := record.Get("pid")
		present, ok2 := record.Get("present")
		if !ok1 || !ok2 {
			continue
		}
		id, ok1 := pid.(int64)
		p, ok2 := present.(bool)
		if ok1 && ok2 {
			out[id] = p
		}
	}
	return out, result.Err()
}
