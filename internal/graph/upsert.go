package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplychain-graph/internal/model"
)

// UpsertResult reports the outcome of a single company merge.
type UpsertResult struct {
	PermID  int64 `json:"permid"`
	Created bool  `json:"created"`

	// MatchScore is the stored, post-merge score. It only moves upward:
	// an incoming lower score leaves the stored value in place.
	MatchScore float64 `json:"match_score"`
}

// BatchResult reports the outcome of a batch merge.
type BatchResult struct {
	Submitted    int `json:"submitted"`     // entities received, before dedup
	Unique       int `json:"unique"`        // candidates sent after per-permid dedup
	Ingested     int `json:"ingested"`      // rows the store reports merged
	NodesCreated int `json:"nodes_created"` // subset of Ingested that were new nodes
}

// All company writes share one MERGE shape. ON CREATE stamps the audit
// fields; ON MATCH overwrites descriptive properties unconditionally and
// moves match_score only when the incoming score is higher. The asymmetry
// is deliberate: descriptive data follows the latest source, confidence
// never regresses.
const upsertCompanyCypher = `
MERGE (c:Company {permid: $permid})
ON CREATE SET
    c += $props,
    c.match_score = $match_score,
    c.ingestion_date = datetime(),
    c.created_by = $created_by
ON MATCH SET
    c += $props,
    c.match_score = CASE WHEN $match_score > c.match_score THEN $match_score ELSE c.match_score END,
    c.last_updated = datetime()
RETURN c.match_score AS match_score`

const upsertCompaniesCypher = `
UNWIND $entities AS entity
MERGE (c:Company {permid: entity.permid})
ON CREATE SET
    c += entity.props,
    c.match_score = entity.match_score,
    c.ingestion_date = datetime(),
    c.created_by = $created_by
ON MATCH SET
    c += entity.props,
    c.match_score = CASE WHEN entity.match_score > c.match_score THEN entity.match_score ELSE c.match_score END,
    c.last_updated = datetime()
RETURN count(c) AS ingested`

// entityParams shapes one entity for the merge statements. match_score is
// carried separately from the property bag because it has its own ON MATCH
// rule.
func entityParams(e model.CompanyEntity) map[string]any {
	props := e.Properties()
	delete(props, "match_score")
	return map[string]any{
		"permid":      e.PermID,
		"match_score": e.MatchScore,
		"props":       props,
	}
}

// UpsertCompany merges one company node by permid. Replaying the same entity
// is a no-op; a higher-confidence duplicate raises the stored score.
func (c *Client) UpsertCompany(ctx context.Context, entity model.CompanyEntity) (*UpsertResult, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}

	res, err := writeTx(ctx, c, "upsert company", func(ctx context.Context, tx runner) (*UpsertResult, error) {
		return upsertCompanyIn(ctx, tx, entity)
	})
	if err != nil {
		return nil, err
	}
	if res.Created {
		c.metrics.recordNodesCreated(1)
	}

	zap.L().Debug("graph: company merged",
		zap.Int64("permid", res.PermID),
		zap.Bool("created", res.Created),
		zap.Float64("match_score", res.MatchScore),
	)
	return res, nil
}

// UpsertCompanies merges a batch of companies in one write transaction:
// either every row commits or none does. Invalid entities fail the whole
// batch before any store I/O. Duplicated permids within the batch collapse
// client-side to the highest-score candidate.
func (c *Client) UpsertCompanies(ctx context.Context, entities []model.CompanyEntity) (*BatchResult, error) {
	for i, e := range entities {
		if err := e.Validate(); err != nil {
			return nil, eris.Wrapf(err, "graph: batch entity %d (permid %d)", i, e.PermID)
		}
	}
	if len(entities) == 0 {
		return &BatchResult{}, nil
	}

	batch := model.DedupeByPermID(entities)

	type batchOut struct {
		ingested int
		created  int
	}
	out, err := writeTx(ctx, c, "upsert companies", func(ctx context.Context, tx runner) (batchOut, error) {
		ingested, created, err := upsertCompaniesIn(ctx, tx, batch)
		return batchOut{ingested: ingested, created: created}, err
	})
	if err != nil {
		return nil, err
	}
	c.metrics.recordNodesCreated(out.created)

	zap.L().Info("graph: batch merged",
		zap.Int("submitted", len(entities)),
		zap.Int("unique", len(batch)),
		zap.Int("ingested", out.ingested),
		zap.Int("created", out.created),
	)
	return &BatchResult{
		Submitted:    len(entities),
		Unique:       len(batch),
		Ingested:     out.ingested,
		NodesCreated: out.created,
	}, nil
}

// upsertCompanyIn runs the single-company merge on an open transaction.
// Callers have already validated the entity.
func upsertCompanyIn(ctx context.Context, tx runner, entity model.CompanyEntity) (*UpsertResult, error) {
	params := entityParams(entity)
	params["created_by"] = model.CreatedBy

	result, err := tx.Run(ctx, upsertCompanyCypher, params)
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

	stored := entity.MatchScore
	if v, ok := record.Get("match_score"); ok {
		if f, ok := v.(float64); ok {
			stored = f
		}
	}
	return &UpsertResult{
		PermID:     entity.PermID,
		Created:    summary.Counters().NodesCreated() > 0,
		MatchScore: stored,
	}, nil
}

// upsertCompaniesIn runs the UNWIND merge on an open transaction and returns
// the store-reported row count plus the number of newly created nodes.
func upsertCompaniesIn(ctx context.Context, tx runner, batch []model.CompanyEntity) (int, int, error) {
	rows := make([]map[string]any, len(batch))
	for i, e := range batch {
		rows[i] = entityParams(e)
	}

	result, err := tx.Run(ctx, upsertCompaniesCypher, map[string]any{
		"entities":   rows,
		"created_by": model.CreatedBy,
	})
	if err != nil {
		return 0, 0, err
	}
	record, err := result.Single(ctx)
	if err != nil {
		return 0, 0, err
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return 0, 0, err
	}

	var ingested int64
	if v, ok := record.Get("ingested"); ok {
		if n, ok := v.(int64); ok {
			ingested = n
		}
	}
	return int(ingested), summary.Counters().NodesCreated(), nil
}

// FindCompanyByPermID looks a company up by its key. Returns nil without an
// error when no node exists.
func (c *Client) FindCompanyByPermID(ctx context.Context, permid int64) (*model.CompanyEntity, error) {
	return readTx(ctx, c, "find company by permid", func(ctx context.Context, tx runner) (*model.CompanyEntity, error) {
		result, err := tx.Run(ctx, `
MATCH (c:Company {permid: $permid})
RETURN properties(c) AS props`,
			map[string]any{"permid": permid})
		if err != nil {
			return nil, err
		}
		return collectOneCompany(ctx, result)
	})
}

// FindCompanyByName looks a company up by exact name. Returns nil without an
// error when no node matches.
func (c *Client) FindCompanyByName(ctx context.Context, name string) (*model.CompanyEntity, error) {
	return readTx(ctx, c, "find company by name", func(ctx context.Context, tx runner) (*model.CompanyEntity, error) {
		result, err := tx.Run(ctx, `
MATCH (c:Company {name: $name})
RETURN properties(c) AS props
LIMIT 1`,
			map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		return collectOneCompany(ctx, result)
	})
}

// HighConfidenceCompanies lists companies at or above the score threshold,
// highest first.
func (c *Client) HighConfidenceCompanies(ctx context.Context, minScore float64) ([]model.CompanyEntity, error) {
	return readTx(ctx, c, "high confidence companies", func(ctx context.Context, tx runner) ([]model.CompanyEntity, error) {
		result, err := tx.Run(ctx, `
MATCH (c:Company)
WHERE c.match_score >= $min_score
RETURN properties(c) AS props
ORDER BY c.match_score DESC`,
			map[string]any{"min_score": minScore})
		if err != nil {
			return nil, err
		}

		var companies []model.CompanyEntity
		for result.Next(ctx) {
			if props, ok := recordProps(result.Record()); ok {
				companies = append(companies, companyFromProps(props))
			}
		}
		return companies, result.Err()
	})
}

// UpdateCompanyProperties patches properties on an existing node. The permid
// key is immutable; patching a node that does not exist returns
// EndpointNotFoundError.
func (c *Client) UpdateCompanyProperties(ctx context.Context, permid int64, props map[string]model.PropertyValue) error {
	if len(props) == 0 {
		return model.NewValidationError("props", "must not be empty")
	}
	if _, ok := props["permid"]; ok {
		return model.NewValidationError("props", "permid is immutable")
	}

	native := make(map[string]any, len(props))
	for k, v := range props {
		native[k] = v.Native()
	}

	_, err := writeTx(ctx, c, "update company properties", func(ctx context.Context, tx runner) (struct{}, error) {
		result, err := tx.Run(ctx, `
MATCH (c:Company {permid: $permid})
SET c += $props, c.last_updated = datetime()
RETURN count(c) AS updated`,
			map[string]any{"permid": permid, "props": native})
		if err != nil {
			return struct{}{}, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if n, ok := record.Get("updated"); ok {
			if count, ok := n.(int64); ok && count == 0 {
				return struct{}{}, &model.EndpointNotFoundError{SourcePermID: permid, MissingSource: true}
			}
		}
		return struct{}{}, nil
	})
	return err
}

// RemoveCompany detaches and deletes a company node. Reports whether a node
// was actually removed; removing an absent permid is not an error.
func (c *Client) RemoveCompany(ctx context.Context, permid int64) (bool, error) {
	removed, err := writeTx(ctx, c, "remove company", func(ctx context.Context, tx runner) (bool, error) {
		result, err := tx.Run(ctx, `
MATCH (c:Company {permid: $permid})
DETACH DELETE c
RETURN count(c) AS removed`,
			map[string]any{"permid": permid})
		if err != nil {
			return false, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return false, err
		}
		if v, ok := record.Get("removed"); ok {
			if n, ok := v.(int64); ok {
				return n > 0, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		c.metrics.recordNodesDeleted(1)
		zap.L().Info("graph: company removed", zap.Int64("permid", permid))
	}
	return removed, nil
}

// schemaStatements bootstrap the uniqueness model: MERGE keeps single-writer
// ingestion idempotent, the constraint closes the concurrent-writer race.
var schemaStatements = []string{
	`CREATE CONSTRAINT company_permid_unique IF NOT EXISTS FOR (c:Company) REQUIRE c.permid IS UNIQUE`,
	`CREATE INDEX company_name_idx IF NOT EXISTS FOR (c:Company) ON (c.name)`,
	`CREATE INDEX company_match_score_idx IF NOT EXISTS FOR (c:Company) ON (c.match_score)`,
}

// EnsureSchema creates the permid uniqueness constraint and lookup indexes.
// Safe to run repeatedly. Schema commands run in their own auto-commit
// statements; Neo4j does not allow them inside data transactions.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	for _, stmt := range schemaStatements {
		result, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = result.Consume(ctx)
		}
		if err != nil {
			return mapError("ensure schema", err)
		}
	}
	zap.L().Info("graph: schema ensured", zap.Int("statements", len(schemaStatements)))
	return nil
}

// recordProps pulls the props column out of a record.
func recordProps(record *neo4j.Record) (map[string]any, bool) {
	v, ok := record.Get("props")
	if !ok || v == nil {
		return nil, false
	}
	props, ok := v.(map[string]any)
	return props, ok
}

// collectOneCompany reads at most one props row, mapping absence to nil.
func collectOneCompany(ctx context.Context, result neo4j.ResultWithContext) (*model.CompanyEntity, error) {
	if !result.Next(ctx) {
		return nil, result.Err()
	}
	props, ok := recordProps(result.Record())
	if !ok {
		return nil, nil
	}
	entity := companyFromProps(props)
	return &entity, nil
}

// companyFromProps maps a stored property bag back onto the entity shape.
// Numeric properties written by other tooling may come back as integers;
// both widths are tolerated.
func companyFromProps(props map[string]any) model.CompanyEntity {
	e := model.CompanyEntity{}
	if v, ok := props["permid"].(int64); ok {
		e.PermID = v
	}
	if v, ok := props["name"].(string); ok {
		e.Name = v
	}
	if v, ok := props["is_final_assembler"].(bool); ok {
		e.IsFinalAssembler = v
	}
	if v, ok := props["industry_sector"].(string); ok {
		e.IndustrySector = v
	}
	if v, ok := props["country"].(string); ok {
		e.Country = v
	}
	e.MatchScore = floatProp(props, "match_score")
	e.MarketCap = floatProp(props, "market_cap")
	e.Revenue = floatProp(props, "revenue")
	return e
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}
