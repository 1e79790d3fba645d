package wikidata

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/supplychain-graph/internal/resilience"
)

// sparqlJSON builds a SPARQL results envelope from label->value rows. The
// company key is emitted as a uri binding, everything else as a literal.
func sparqlJSON(t *testing.T, rows ...map[string]string) string {
	t.Helper()

	type value struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	bindings := make([]map[string]value, 0, len(rows))
	for _, row := range rows {
		b := map[string]value{}
		for k, v := range row {
			typ := "literal"
			if k == "company" {
				typ = "uri"
			}
			b[k] = value{Type: typ, Value: v}
		}
		bindings = append(bindings, b)
	}

	data, err := json.Marshal(map[string]any{
		"head":    map[string]any{"vars": []string{"company", "companyLabel"}},
		"results": map[string]any{"bindings": bindings},
	})
	require.NoError(t, err)
	return string(data)
}

func appleRow() map[string]string {
	return map[string]string{
		"company":           "http://www.wikidata.org/entity/Q312",
		"companyLabel":      "Apple Inc.",
		"description":       "American consumer electronics company",
		"industryLabel":     "consumer electronics",
		"countryLabel":      "United States of America",
		"founded":           "1976-04-01T00:00:00Z",
		"headquartersLabel": "Cupertino",
		"revenue":           "394328",
		"employees":         "164000",
		"website":           "https://www.apple.com/",
		"stockSymbol":       "AAPL",
	}
}

// newTestClient disables the throttle and shrinks backoff so failure paths
// run in milliseconds.
func newTestClient(srvURL string, extra ...Option) Client {
	opts := append([]Option{
		WithEndpoint(srvURL),
		WithRateLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetryPolicy(resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}),
	}, extra...)
	return NewClient(opts...)
}

func TestSearchTechnologyCompanies_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, acceptSPARQL, r.Header.Get("Accept"))
		assert.Contains(t, r.Header.Get("User-Agent"), "supplychain-graph")
		assert.Equal(t, "json", r.URL.Query().Get("format"))

		query := r.URL.Query().Get("query")
		assert.Contains(t, query, "wd:Q4830453")
		assert.Contains(t, query, "LIMIT 25")

		w.Header().Set("Content-Type", acceptSPARQL)
		io.WriteString(w, sparqlJSON(t, appleRow(), map[string]string{
			"company": "http://www.wikidata.org/entity/Q999",
		}))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	entities, err := client.SearchTechnologyCompanies(context.Background(), 25)

	require.NoError(t, err)
	require.Len(t, entities, 1, "rows without labels are dropped")

	e := entities[0]
	assert.Equal(t, "Q312", e.WikidataID)
	assert.Equal(t, "Apple Inc.", e.Label)
	assert.Equal(t, "consumer electronics", e.Industry)
	assert.Equal(t, "United States of America", e.Country)
	assert.Equal(t, "Cupertino", e.Headquarters)
	assert.Equal(t, "164000", e.Employees)
	assert.Equal(t, "AAPL", e.StockSymbol)
}

func TestSearchTechnologyCompanies_DefaultLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("query"), "LIMIT 100")
		io.WriteString(w, sparqlJSON(t))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	entities, err := client.SearchTechnologyCompanies(context.Background(), 0)

	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestSearchTechnologyCompanies_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, sparqlJSON(t, appleRow()))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	entities, err := client.SearchTechnologyCompanies(context.Background(), 10)

	require.NoError(t, err)
	assert.Len(t, entities, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSearchTechnologyCompanies_ClientErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "malformed query")
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.SearchTechnologyCompanies(context.Background(), 10)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestSearchTechnologyCompanies_ExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.SearchTechnologyCompanies(context.Background(), 10)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry budget exhausted")
	assert.Equal(t, int32(3), calls.Load())
}

func TestSearchTechnologyCompanies_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	})
	client := newTestClient(srv.URL,
		WithBreaker(breaker),
		WithRetryPolicy(resilience.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}),
	)

	_, err := client.SearchTechnologyCompanies(context.Background(), 5)
	require.Error(t, err)
	_, err = client.SearchTechnologyCompanies(context.Background(), 5)
	require.Error(t, err)

	_, err = client.SearchTechnologyCompanies(context.Background(), 5)
	require.ErrorIs(t, err, resilience.ErrBreakerOpen)
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not touch the endpoint")
}

func TestSearchCompaniesByName(t *testing.T) {
	var mu sync.Mutex
	var queries []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		mu.Lock()
		queries = append(queries, query)
		mu.Unlock()

		switch {
		case strings.Contains(query, "Apple"):
			io.WriteString(w, sparqlJSON(t, appleRow()))
		case strings.Contains(query, "TSMC"):
			io.WriteString(w, sparqlJSON(t, map[string]string{
				"company":      "http://www.wikidata.org/entity/Q713418",
				"companyLabel": "TSMC",
			}))
		default:
			io.WriteString(w, sparqlJSON(t))
		}
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	entities, err := client.SearchCompaniesByName(context.Background(), []string{"Apple Inc", "TSMC"})

	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "Apple Inc.", entities[0].Label)
	assert.Equal(t, "TSMC", entities[1].Label)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "Apple Inc")
	assert.Contains(t, queries[0], "LIMIT 5")
}

func TestSearchCompaniesByName_SkipsFailedName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Query().Get("query"), "Broken") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		io.WriteString(w, sparqlJSON(t, appleRow()))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	entities, err := client.SearchCompaniesByName(context.Background(), []string{"Broken Co", "Apple Inc"})

	require.NoError(t, err, "a failed name is skipped, not fatal")
	require.Len(t, entities, 1)
	assert.Equal(t, "Apple Inc.", entities[0].Label)
}

func TestSearchCompaniesByName_EscapesRegexMetacharacters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("query"), `ARM \\(Holdings\\)`)
		io.WriteString(w, sparqlJSON(t))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.SearchCompaniesByName(context.Background(), []string{"ARM (Holdings)"})
	require.NoError(t, err)
}

func TestSearchCompaniesByName_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient("http://127.0.0.1:1")
	_, err := client.SearchCompaniesByName(ctx, []string{"Apple Inc"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestSparqlRegexLiteral(t *testing.T) {
	assert.Equal(t, "Apple Inc", sparqlRegexLiteral("Apple Inc"))
	assert.Equal(t, `ARM \\(Holdings\\)`, sparqlRegexLiteral("ARM (Holdings)"))
	assert.Equal(t, `Say \"Hi\"`, sparqlRegexLiteral(`Say "Hi"`))
}

func TestWikidataID(t *testing.T) {
	assert.Equal(t, "Q312", wikidataID("http://www.wikidata.org/entity/Q312"))
	assert.Equal(t, "", wikidataID("http://example.com/entity/Q312"))
	assert.Equal(t, "", wikidataID(""))
}
