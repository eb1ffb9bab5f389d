package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/partsearch/internal/domain"
)

func newESServer(t *testing.T, handler http.HandlerFunc) *Elasticsearch {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	es, err := NewElasticsearch(ElasticsearchConfig{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return es
}

func TestElasticsearchBulkLookupOneRoundTrip(t *testing.T) {
	var calls atomic.Int32
	es := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/_msearch"), r.URL.Path)

		var queries []map[string]any
		sc := bufio.NewScanner(r.Body)
		sc.Buffer(make([]byte, 1<<20), 1<<20)
		for line := 0; sc.Scan(); line++ {
			if line%2 == 1 {
				var q map[string]any
				assert.NoError(t, json.Unmarshal(sc.Bytes(), &q))
				queries = append(queries, q)
			}
		}
		assert.Len(t, queries, 3)

		w.Write([]byte(`{"responses":[
			{"status":200,"hits":{"hits":[{"_id":"S1:1","_score":12.5,"_source":{"scope_id":"S1","row_id":1,"part_number":"R536446","unit_price":813.54,"quantity":5}}]}},
			{"status":200,"hits":{"hits":[{"_id":"S1:2","_score":6.1,"_source":{"scope_id":"S1","row_id":2,"part_number":"R536444-XL","unit_price":120,"quantity":2}}]}},
			{"status":200,"hits":{"hits":[]}}
		]}`))
	})

	batch := domain.Batch{Keys: domain.KeySet{"R536446", "R536444", "UNKNOWN1"}}
	res, err := es.BulkLookup(context.Background(), batch, domain.Query{Scope: "S1", Mode: domain.ModeHybrid})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	require.Len(t, res, 3)
	exact := res["R536446"]
	require.Equal(t, domain.StatusFound, exact.Status)
	assert.Equal(t, domain.MatchExact, exact.Records[0].MatchType)
	assert.Equal(t, 813.54, exact.Records[0].UnitPrice)
	assert.Equal(t, NameElasticsearch, exact.Records[0].Engine)

	prefix := res["R536444"]
	require.Equal(t, domain.StatusFound, prefix.Status)
	assert.Equal(t, domain.MatchPrefix, prefix.Records[0].MatchType)

	assert.Equal(t, domain.StatusNotFound, res["UNKNOWN1"].Status)
}

func TestElasticsearchQueryShapeFollowsMode(t *testing.T) {
	q := keyQuery("AB-100", domain.Query{Scope: "S9", Mode: domain.ModeExact}, 10)
	raw, err := json.Marshal(q)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, `"part_number.keyword"`)
	assert.Contains(t, body, `"scope_id":"S9"`)
	assert.NotContains(t, body, `"prefix"`)
	assert.NotContains(t, body, `"fuzziness"`)

	raw, err = json.Marshal(keyQuery("AB-100", domain.Query{Scope: "S9", Mode: domain.ModeHybrid}, 10))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"prefix"`)
	assert.Contains(t, string(raw), `"fuzziness"`)
}

func TestElasticsearchClassifiesByScoreWhenScorerRejects(t *testing.T) {
	high, low := 9.0, 1.0
	q := domain.Query{Mode: domain.ModeHybrid}

	rec := classifyHit("AB100", domain.Row{PartNumber: "ZZ"}, &high, q)
	assert.Equal(t, domain.MatchExact, rec.MatchType)

	rec = classifyHit("AB100", domain.Row{PartNumber: "ZZ"}, &low, q)
	assert.Equal(t, domain.MatchFuzzy, rec.MatchType)
}

func TestElasticsearchStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusServiceUnavailable, ErrUnavailable},
		{http.StatusGatewayTimeout, ErrTimeout},
		{http.StatusBadRequest, ErrQueryError},
	}
	for _, tc := range cases {
		es := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error":"boom"}`))
		})
		_, err := es.BulkLookup(context.Background(), domain.Batch{Keys: domain.KeySet{"AB100"}}, domain.Query{Scope: "S1"})
		require.Error(t, err, "status %d", tc.status)
		assert.True(t, errors.Is(err, tc.want), "status %d: got %v", tc.status, err)
	}
}

func TestElasticsearchUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	es, err := NewElasticsearch(ElasticsearchConfig{Addresses: []string{addr}})
	require.NoError(t, err)
	_, err = es.BulkLookup(context.Background(), domain.Batch{Keys: domain.KeySet{"AB100"}}, domain.Query{Scope: "S1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestElasticsearchItemErrorIsQueryError(t *testing.T) {
	es := newESServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"responses":[{"status":400,"error":{"type":"parsing_exception"}}]}`))
	})
	_, err := es.BulkLookup(context.Background(), domain.Batch{Keys: domain.KeySet{"AB100"}}, domain.Query{Scope: "S1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueryError))
}
