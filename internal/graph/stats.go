package graph

import (
	"context"
)

// IngestionStats summarizes the stored graph plus this client's counters.
type IngestionStats struct {
	CompanyCount      int64   `json:"company_count"`
	RelationshipCount int64   `json:"relationship_count"`
	AvgMatchScore     float64 `json:"avg_match_score"`
	MinMatchScore     float64 `json:"min_match_score"`
	MaxMatchScore     float64 `json:"max_match_score"`

	// AvgRelationships is the mean company degree, counting each edge from
	// both ends.
	AvgRelationships float64 `json:"avg_relationships_per_company"`

	Client MetricsSnapshot `json:"client"`
}

// ConsistencyCheck is one named structural check with its offender count.
type ConsistencyCheck struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// ConsistencyReport carries the five structural checks over the stored
// graph. A zero count means the check passed.
type ConsistencyReport struct {
	CompaniesWithoutPermID    int64 `json:"companies_without_permid"`
	CompaniesWithoutNames     int64 `json:"companies_without_names"`
	DuplicatePermIDs          int64 `json:"duplicate_permids"`
	OrphanedCompanies         int64 `json:"orphaned_companies"`
	RelationshipsWithoutDates int64 `json:"relationships_without_dates"`
}

// Healthy reports whether every check came back clean.
func (r ConsistencyReport) Healthy() bool {
	return r.CompaniesWithoutPermID == 0 &&
		r.CompaniesWithoutNames == 0 &&
		r.DuplicatePermIDs == 0 &&
		r.OrphanedCompanies == 0 &&
		r.RelationshipsWithoutDates == 0
}

// Checks returns the report rows in stable display order.
func (r ConsistencyReport) Checks() []ConsistencyCheck {
	return []ConsistencyCheck{
		{Name: "companies_without_permid", Count: r.CompaniesWithoutPermID},
		{Name: "companies_without_names", Count: r.CompaniesWithoutNames},
		{Name: "duplicate_permids", Count: r.DuplicatePermIDs},
		{Name: "orphaned_companies", Count: r.OrphanedCompanies},
		{Name: "relationships_without_dates", Count: r.RelationshipsWithoutDates},
	}
}

// IngestionStatistics computes graph-wide counts and score aggregates. The
// three statements run in one read transaction so they see a single
// snapshot.
func (c *Client) IngestionStatistics(ctx context.Context) (*IngestionStats, error) {
	stats, err := readTx(ctx, c, "ingestion statistics", ingestionStatisticsIn)
	if err != nil {
		return nil, err
	}
	stats.Client = c.metrics.Snapshot()
	return stats, nil
}

func ingestionStatisticsIn(ctx context.Context, tx runner) (*IngestionStats, error) {
	out := &IngestionStats{}

	result, err := tx.Run(ctx, `
MATCH (c:Company)
RETURN count(c) AS companies,
       avg(c.match_score) AS avg_score,
       min(c.match_score) AS min_score,
       max(c.match_score) AS max_score`, nil)
	if err != nil {
		return nil, err
	}
	record, err := result.Single(ctx)
	if err != nil {
		return nil, err
	}
	out.CompanyCount = intField(record.Get("companies"))
	out.AvgMatchScore = floatField(record.Get("avg_score"))
	out.MinMatchScore = floatField(record.Get("min_score"))
	out.MaxMatchScore = floatField(record.Get("max_score"))

	result, err = tx.Run(ctx, `
MATCH ()-[r]->()
RETURN count(r) AS relationships`, nil)
	if err != nil {
		return nil, err
	}
	record, err = result.Single(ctx)
	if err != nil {
		return nil, err
	}
	out.RelationshipCount = intField(record.Get("relationships"))

	result, err = tx.Run(ctx, `
MATCH (c:Company)
OPTIONAL MATCH (c)-[r]-()
WITH c, count(r) AS degree
RETURN avg(degree) AS avg_degree`, nil)
	if err != nil {
		return nil, err
	}
	record, err = result.Single(ctx)
	if err != nil {
		return nil, err
	}
	out.AvgRelationships = floatField(record.Get("avg_degree"))

	return out, nil
}

// consistencyQueries maps each check to its count query. All five run in
// one read transaction.
var consistencyQueries = []struct {
	name   string
	cypher string
}{
	{"companies_without_permid", `MATCH (c:Company) WHERE c.permid IS NULL RETURN count(c) AS n`},
	{"companies_without_names", `MATCH (c:Company) WHERE c.name IS NULL OR c.name = '' RETURN count(c) AS n`},
	{"duplicate_permids", `MATCH (c:Company) WITH c.permid AS permid, count(*) AS occurrences WHERE occurrences > 1 RETURN count(permid) AS n`},
	{"orphaned_companies", `MATCH (c:Company) WHERE NOT (c)--() RETURN count(c) AS n`},
	{"relationships_without_dates", `MATCH ()-[r]->() WHERE r.created_date IS NULL RETURN count(r) AS n`},
}

// ValidateConsistency runs the structural checks and returns their counts.
func (c *Client) ValidateConsistency(ctx context.Context) (*ConsistencyReport, error) {
	return readTx(ctx, c, "validate consistency", validateConsistencyIn)
}

func validateConsistencyIn(ctx context.Context, tx runner) (*ConsistencyReport, error) {
	report := &ConsistencyReport{}
	for _, q := range consistencyQueries {
		result, err := tx.Run(ctx, q.cypher, nil)
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		n := intField(record.Get("n"))

		switch q.name {
		case "companies_without_permid":
			report.CompaniesWithoutPermID = n
		case "companies_without_names":
			report.CompaniesWithoutNames = n
		case "duplicate_permids":
			report.DuplicatePermIDs = n
		case "orphaned_companies":
			report.OrphanedCompanies = n
		case "relationships_without_dates":
			report.RelationshipsWithoutDates = n
		}
	}
	return report, nil
}

// intField and floatField tolerate the null and integer/float ambiguity of
// aggregate results.
func intField(v any, ok bool) int64 {
	if !ok || v == nil {
		return 0
	}
	if n, isInt := v.(int64); isInt {
		return n
	}
	return 0
}

func floatField(v any, ok bool) float64 {
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
