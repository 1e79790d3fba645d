// Package wikidata extracts technology-sector companies from the public
// Wikidata SPARQL endpoint. Queries are throttled to one request per
// second per the Wikimedia usage policy, retried on transient faults with
// exponential backoff, and guarded by a circuit breaker so a struggling
// endpoint is left alone instead of hammered.
package wikidata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/supplychain-graph/internal/resilience"
)

// DefaultEndpoint is the public Wikidata query service.
const DefaultEndpoint = "https://query.wikidata.org/sparql"

const (
	defaultUserAgent = "supplychain-graph/1.0 (https://github.com/sells-group/supplychain-graph)"
	acceptSPARQL     = "application/sparql-results+json"
)

// DefaultSupplyChainNames are the handset supply-chain companies tracked
// by name, used when a search run is not given an explicit list.
var DefaultSupplyChainNames = []string{
	"Apple Inc", "Samsung Electronics", "Qualcomm", "ARM Holdings",
	"MediaTek", "Broadcom", "Intel", "TSMC", "Foxconn", "Xiaomi",
}

// Client defines the Wikidata extraction operations.
type Client interface {
	// SearchTechnologyCompanies finds companies in the technology industry
	// classes relevant to the handset supply chain, up to limit results.
	SearchTechnologyCompanies(ctx context.Context, limit int) ([]Entity, error)
	// SearchCompaniesByName looks companies up one name at a time with a
	// case-insensitive label match. A failed name is logged and skipped;
	// the remaining names still run.
	SearchCompaniesByName(ctx context.Context, names []string) ([]Entity, error)
}

// Option configures the Wikidata client.
type Option func(*httpClient)

// WithEndpoint sets a custom SPARQL endpoint (for testing).
func WithEndpoint(url string) Option {
	return func(c *httpClient) {
		c.endpoint = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithUserAgent overrides the User-Agent header. Wikimedia policy wants a
// contact URL in it.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

// WithRateLimiter replaces the default one-request-per-second throttle.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *httpClient) {
		c.breaker = b
	}
}

type httpClient struct {
	endpoint  string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	retry     resilience.Policy
	breaker   *resilience.Breaker
}

// NewClient creates a Wikidata SPARQL client with the standard throttle,
// retry and breaker settings.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		endpoint:  DefaultEndpoint,
		userAgent: defaultUserAgent,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		retry: resilience.Policy{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			Multiplier:  2,
			OnRetry:     resilience.RetryLogger("wikidata query"),
		},
		breaker: resilience.NewBreaker(resilience.BreakerConfig{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// searchTechCompaniesQuery finds business enterprises in the technology
// industry classes and narrows to the supply-chain names the research
// tracks. %d is the result limit.
const searchTechCompaniesQuery = `
SELECT DISTINCT ?company ?companyLabel ?description ?industryLabel
                ?countryLabel ?founded ?headquartersLabel
                ?revenue ?employees ?website ?stockSymbol WHERE {
  ?company wdt:P31/wdt:P279* wd:Q4830453 .  # business enterprise
  ?company wdt:P452 ?industry .

  # Electronics, IT, semiconductors, software, telecom, consumer electronics.
  FILTER(?industry IN (wd:Q11650, wd:Q18633, wd:Q178038, wd:Q7397, wd:Q28738, wd:Q818575))

  OPTIONAL { ?company wdt:P17 ?country . }
  OPTIONAL { ?company wdt:P571 ?founded . }
  OPTIONAL { ?company wdt:P159 ?headquarters . }
  OPTIONAL { ?company wdt:P2139 ?revenue . }
  OPTIONAL { ?company wdt:P1128 ?employees . }
  OPTIONAL { ?company wdt:P856 ?website . }
  OPTIONAL { ?company wdt:P414 ?stockSymbol . }

  SERVICE wikibase:label {
    bd:serviceParam wikibase:language "en" .
    ?company rdfs:label ?companyLabel .
    ?company schema:description ?description .
    ?industry rdfs:label ?industryLabel .
    ?country rdfs:label ?countryLabel .
    ?headquarters rdfs:label ?headquartersLabel .
  }

  FILTER(REGEX(?companyLabel, "(Apple|Samsung|Qualcomm|ARM|MediaTek|Broadcom|Intel|TSMC|Foxconn|Xiaomi|Nokia|Ericsson)", "i"))
}
ORDER BY ?companyLabel
LIMIT %d
`

// searchByNameQuery looks one company up by label. %s is the escaped name.
const searchByNameQuery = `
SELECT DISTINCT ?company ?companyLabel ?description ?industryLabel
                ?countryLabel ?founded ?headquartersLabel
                ?revenue ?employees ?website ?stockSymbol WHERE {
  ?company wdt:P31/wdt:P279* wd:Q4830453 .
  ?company rdfs:label ?companyLabel .

  FILTER(REGEX(?companyLabel, "%s", "i"))

  OPTIONAL { ?company wdt:P452 ?industry . }
  OPTIONAL { ?company wdt:P17 ?country . }
  OPTIONAL { ?company wdt:P571 ?founded . }
  OPTIONAL { ?company wdt:P159 ?headquarters . }
  OPTIONAL { ?company wdt:P2139 ?revenue . }
  OPTIONAL { ?company wdt:P1128 ?employees . }
  OPTIONAL { ?company wdt:P856 ?website . }
  OPTIONAL { ?company wdt:P414 ?stockSymbol . }

  SERVICE wikibase:label {
    bd:serviceParam wikibase:language "en" .
    ?company rdfs:label ?companyLabel .
    ?company schema:description ?description .
    ?industry rdfs:label ?industryLabel .
    ?country rdfs:label ?countryLabel .
    ?headquarters rdfs:label ?headquartersLabel .
  }
}
LIMIT 5
`

func (c *httpClient) SearchTechnologyCompanies(ctx context.Context, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 100
	}

	bindings, err := c.execute(ctx, fmt.Sprintf(searchTechCompaniesQuery, limit))
	if err != nil {
		return nil, err
	}

	entities := collectEntities(bindings)
	zap.L().Info("wikidata: technology company search complete",
		zap.Int("entities", len(entities)))
	return entities, nil
}

func (c *httpClient) SearchCompaniesByName(ctx context.Context, names []string) ([]Entity, error) {
	var entities []Entity
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return entities, eris.Wrap(err, "wikidata: name search cancelled")
		}

		query := fmt.Sprintf(searchByNameQuery, sparqlRegexLiteral(name))
		bindings, err := c.execute(ctx, query)
		if err != nil {
			if errors.Is(err, resilience.ErrBreakerOpen) {
				return entities, err
			}
			zap.L().Warn("wikidata: name lookup failed",
				zap.String("name", name),
				zap.Error(err))
			continue
		}
		entities = append(entities, collectEntities(bindings)...)
	}

	zap.L().Info("wikidata: name search complete",
		zap.Int("names", len(names)),
		zap.Int("entities", len(entities)))
	return entities, nil
}

// execute runs one SPARQL query with the throttle, bounded retry and the
// host breaker applied. Each attempt passes through the breaker so a
// tripped circuit fails the remaining attempts without touching the wire.
func (c *httpClient) execute(ctx context.Context, query string) ([]map[string]sparqlValue, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]map[string]sparqlValue, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]map[string]sparqlValue, error) {
			return c.query(ctx, query)
		})
	})
}

func (c *httpClient) query(ctx context.Context, query string) ([]map[string]sparqlValue, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "wikidata: throttle wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "wikidata: create request")
	}
	q := req.URL.Query()
	q.Set("query", query)
	q.Set("format", "json")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", acceptSPARQL)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "wikidata: execute query"), 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "wikidata: read response"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("wikidata: status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	var parsed sparqlResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "wikidata: unmarshal response")
	}
	return parsed.Results.Bindings, nil
}

// sparqlResponse is the SPARQL 1.1 JSON results envelope.
type sparqlResponse struct {
	Results struct {
		Bindings []map[string]sparqlValue `json:"bindings"`
	} `json:"results"`
}

type sparqlValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// collectEntities maps bindings to entities, dropping rows without labels.
func collectEntities(bindings []map[string]sparqlValue) []Entity {
	entities := make([]Entity, 0, len(bindings))
	for _, b := range bindings {
		e := entityFromBinding(b)
		if e.Label == "" {
			continue
		}
		entities = append(entities, e)
	}
	return entities
}

func entityFromBinding(b map[string]sparqlValue) Entity {
	return Entity{
		WikidataID:   wikidataID(b["company"].Value),
		Label:        b["companyLabel"].Value,
		Description:  b["description"].Value,
		Industry:     b["industryLabel"].Value,
		Country:      b["countryLabel"].Value,
		Founded:      b["founded"].Value,
		Headquarters: b["headquartersLabel"].Value,
		Revenue:      b["revenue"].Value,
		Employees:    b["employees"].Value,
		Website:      b["website"].Value,
		StockSymbol:  b["stockSymbol"].Value,
	}
}

// wikidataID extracts the Q-identifier from an entity URI.
func wikidataID(uri string) string {
	if !strings.Contains(uri, "wikidata.org/entity/") {
		return ""
	}
	return uri[strings.LastIndex(uri, "/")+1:]
}

// sparqlRegexLiteral escapes a name for embedding inside a quoted REGEX
// pattern: regex metacharacters first, then the string-literal escapes.
func sparqlRegexLiteral(name string) string {
	escaped := regexp.QuoteMeta(name)
	escaped = strings.ReplaceAll(escaped, `\`, `\\`)
	return strings.ReplaceAll(escaped, `"`, `\"`)
}
