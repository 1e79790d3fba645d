package graph

import (
	"context"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplychain-graph/internal/model"
)

func testEntity() model.CompanyEntity {
	return model.CompanyEntity{
		PermID:           4295905573,
		Name:             "Apple Inc",
		IsFinalAssembler: true,
		MatchScore:       0.95,
		IndustrySector:   "Consumer Electronics",
		Country:          "United States",
		MarketCap:        3.4e12,
	}
}

func TestEntityParams(t *testing.T) {
	params := entityParams(testEntity())

	assert.Equal(t, int64(4295905573), params["permid"])
	assert.Equal(t, 0.95, params["match_score"])

	props, ok := params["props"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Apple Inc", props["name"])
	assert.Equal(t, true, props["is_final_assembler"])
	assert.Equal(t, "Consumer Electronics", props["industry_sector"])

	_, hasScore := props["match_score"]
	assert.False(t, hasScore, "match_score has its own merge rule and stays out of the bag")
}

func TestEntityParamsOmitsUnsetOptionals(t *testing.T) {
	params := entityParams(model.CompanyEntity{PermID: 1, Name: "Acme", MatchScore: 0.5})

	props, ok := params["props"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"industry_sector", "country", "market_cap", "revenue"} {
		_, present := props[key]
		assert.False(t, present, key)
	}
}

func TestUpsertCompanyIn(t *testing.T) {
	r := &fakeRunner{results: []neo4j.ResultWithContext{
		singleRowResult(newRecord([]string{"match_score"}, []any{0.95}), 1, 0),
	}}

	res, err := upsertCompanyIn(context.Background(), r, testEntity())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, int64(4295905573), res.PermID)
	assert.Equal(t, 0.95, res.MatchScore)

	require.Len(t, r.calls, 1)
	call := r.calls[0]
	assert.Contains(t, call.cypher, "MERGE (c:Company {permid: $permid})")
	assert.Contains(t, call.cypher, "CASE WHEN $match_score > c.match_score")
	assert.Contains(t, call.cypher, "c.ingestion_date = datetime()")
	assert.Equal(t, model.CreatedBy, call.params["created_by"])
}

func TestUpsertCompanyInKeepsStoredScore(t *testing.T) {
	// Replaying with a lower score: the store reports the retained 0.9.
	r := &fakeRunner{results: []neo4j.ResultWithContext{
		singleRowResult(newRecord([]string{"match_score"}, []any{0.9}), 0, 0),
	}}

	entity := testEntity()
	entity.MatchScore = 0.5
	res, err := upsertCompanyIn(context.Background(), r, entity)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 0.9, res.MatchScore)
}

func TestUpsertCompaniesIn(t *testing.T) {
	r := &fakeRunner{results: []neo4j.ResultWithContext{
		singleRowResult(newRecord([]string{"ingested"}, []any{int64(2)}), 1, 0),
	}}

	batch := []model.CompanyEntity{
		{PermID: 1, Name: "Acme", MatchScore: 0.6},
		{PermID: 2, Name: "Globex", MatchScore: 0.7},
	}
	ingested, created, err := upsertCompaniesIn(context.Background(), r, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, ingested)
	assert.Equal(t, 1, created)

	require.Len(t, r.calls, 1)
	assert.Contains(t, r.calls[0].cypher, "UNWIND $entities AS entity")
	entities, ok := r.calls[0].params["entities"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, entities, 2)
	assert.Equal(t, model.CreatedBy, r.calls[0].params["created_by"])
}

func TestUpsertCompanyRejectsInvalidEntity(t *testing.T) {
	c := &Client{metrics: &Metrics{}}
	_, err := c.UpsertCompany(context.Background(), model.CompanyEntity{
		PermID: -1, Name: "Acme", MatchScore: 0.5,
	})

	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "permid", verr.Field)
}

func TestUpsertCompaniesEmptyBatch(t *testing.T) {
	c := &Client{metrics: &Metrics{}}
	res, err := c.UpsertCompanies(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, &BatchResult{}, res)
}

func TestUpsertCompaniesRejectsInvalidElement(t *testing.T) {
	c := &Client{metrics: &Metrics{}}
	_, err := c.UpsertCompanies(context.Background(), []model.CompanyEntity{
		{PermID: 1, Name: "Acme", MatchScore: 0.5},
		{PermID: 2, Name: "", MatchScore: 0.5},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch entity 1 (permid 2)")

	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestUpdateCompanyPropertiesValidation(t *testing.T) {
	c := &Client{metrics: &Metrics{}}

	var verr *model.ValidationError
	err := c.UpdateCompanyProperties(context.Background(), 1, nil)
	require.ErrorAs(t, err, &verr)

	err = c.UpdateCompanyProperties(context.Background(), 1, map[string]model.PropertyValue{
		"permid": model.IntValue(2),
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "immutable")
}

func TestCollectOneCompanyEmpty(t *testing.T) {
	entity, err := collectOneCompany(context.Background(), &fakeResult{})
	require.NoError(t, err)
	assert.Nil(t, entity)
}

func TestCollectOneCompany(t *testing.T) {
	props := map[string]any{
		"permid":             int64(7),
		"name":               "Acme",
		"is_final_assembler": false,
		"match_score":        0.8,
		"market_cap":         int64(100),
	}
	result := &fakeResult{records: []*neo4j.Record{
		newRecord([]string{"props"}, []any{props}),
	}}

	entity, err := collectOneCompany(context.Background(), result)
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, int64(7), entity.PermID)
	assert.Equal(t, "Acme", entity.Name)
	assert.Equal(t, 0.8, entity.MatchScore)
	assert.Equal(t, 100.0, entity.MarketCap, "integer-typed store values widen to float")
}

func TestCompanyFromPropsMissingKeys(t *testing.T) {
	entity := companyFromProps(map[string]any{"name": "Acme"})
	assert.Equal(t, "Acme", entity.Name)
	assert.Zero(t, entity.PermID)
	assert.Zero(t, entity.MatchScore)
	assert.Zero(t, entity.Revenue)
}

func TestSchemaStatements(t *testing.T) {
	require.Len(t, schemaStatements, 3)
	assert.Contains(t, schemaStatements[0], "REQUIRE c.permid IS UNIQUE")
	for _, stmt := range schemaStatements {
		assert.Contains(t, stmt, "IF NOT EXISTS", "schema bootstrap must be re-runnable")
	}
}
