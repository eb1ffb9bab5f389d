package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/logging"
)

// ElasticsearchConfig holds Elasticsearch connection settings.
type ElasticsearchConfig struct {
	Addresses []string      `json:"addresses" yaml:"addresses"`
	Index     string        `json:"index" yaml:"index"`
	Username  string        `json:"username" yaml:"username"`
	Password  string        `json:"password" yaml:"password"`
	APIKey    string        `json:"api_key" yaml:"api_key"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultElasticsearchIndex is used when no index is configured.
const DefaultElasticsearchIndex = "partsearch-rows"

const (
	// esDefaultSize is the hit cap per key when the query has no limit.
	esDefaultSize = 100
	esBulkChunk   = 1000

	// Hit classification thresholds on the raw relevance score.
	esExactScore  = 8.0
	esPrefixScore = 4.0
)

// esMapping keeps part_number searchable as text and filterable as a
// keyword; part_key holds the alphanumeric canonical form.
const esMapping = `{
  "mappings": {
    "properties": {
      "scope_id":                {"type": "keyword"},
      "row_id":                  {"type": "long"},
      "part_number":             {"type": "text", "fields": {"keyword": {"type": "keyword"}}},
      "part_key":                {"type": "keyword"},
      "item_description":        {"type": "text"},
      "company_name":            {"type": "text", "fields": {"keyword": {"type": "keyword"}}},
      "contact_details":         {"type": "keyword"},
      "email":                   {"type": "keyword"},
      "uqc":                     {"type": "keyword"},
      "secondary_buyer":         {"type": "keyword"},
      "secondary_buyer_contact": {"type": "keyword"},
      "secondary_buyer_email":   {"type": "keyword"},
      "quantity":                {"type": "long"},
      "unit_price":              {"type": "double"}
    }
  }
}`

// Elasticsearch is the full-text engine. Each batch costs one _msearch
// round trip holding one bool query per key.
type Elasticsearch struct {
	client *elasticsearch.Client
	index  string
}

// esDoc is the indexed document shape.
type esDoc struct {
	ScopeID string `json:"scope_id"`
	PartKey string `json:"part_key"`
	domain.Row
}

// NewElasticsearch creates a client. No request is made until first use.
func NewElasticsearch(cfg ElasticsearchConfig) (*Elasticsearch, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("elasticsearch: no addresses configured")
	}
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	}
	if cfg.Timeout > 0 {
		esCfg.Transport = &http.Transport{
			ResponseHeaderTimeout: cfg.Timeout,
			DialContext:           (&net.Dialer{Timeout: cfg.Timeout}).DialContext,
		}
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	index := cfg.Index
	if index == "" {
		index = DefaultElasticsearchIndex
	}
	return &Elasticsearch{client: client, index: index}, nil
}

func (e *Elasticsearch) Name() string { return NameElasticsearch }

func (e *Elasticsearch) BulkLookup(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
	if len(batch.Keys) == 0 {
		return domain.BulkResult{}, nil
	}
	body, err := buildMsearch(batch.Keys, q)
	if err != nil {
		return nil, QueryFailed(NameElasticsearch, err)
	}

	res, err := e.client.Msearch(bytes.NewReader(body),
		e.client.Msearch.WithContext(ctx),
		e.client.Msearch.WithIndex(e.index),
	)
	if err != nil {
		return nil, e.transportError(ctx, err)
	}
	defer res.Body.Close()
	if err := e.statusError(res); err != nil {
		return nil, err
	}

	var parsed msearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		if terr := classifyContext(ctx, NameElasticsearch, err); terr != nil {
			return nil, terr
		}
		return nil, QueryFailed(NameElasticsearch, fmt.Errorf("decode msearch: %w", err))
	}
	if len(parsed.Responses) != len(batch.Keys) {
		return nil, QueryFailed(NameElasticsearch,
			fmt.Errorf("msearch returned %d responses for %d keys", len(parsed.Responses), len(batch.Keys)))
	}

	out := make(domain.BulkResult, len(batch.Keys))
	for i, key := range batch.Keys {
		item := parsed.Responses[i]
		if len(item.Error) > 0 && string(item.Error) != "null" {
			return nil, QueryFailed(NameElasticsearch, fmt.Errorf("key %q: %s", key, item.Error))
		}
		records := make([]domain.MatchRecord, 0, len(item.Hits.Hits))
		for _, hit := range item.Hits.Hits {
			records = append(records, classifyHit(key, hit.Source.Row, hit.Score, q))
		}
		kr := domain.Found(key, records, NameElasticsearch)
		kr.Finalize(q.Limit)
		out[key] = kr
	}
	return out, nil
}

type msearchResponse struct {
	Responses []struct {
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
		Hits   struct {
			Hits []struct {
				ID     string   `json:"_id"`
				Score  *float64 `json:"_score"`
				Source esDoc    `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	} `json:"responses"`
}

// buildMsearch renders the NDJSON body: an empty header line followed by
// the query for each key, in batch order.
func buildMsearch(keys domain.KeySet, q domain.Query) ([]byte, error) {
	size := q.Limit
	if size <= 0 {
		size = esDefaultSize
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, key := range keys {
		buf.WriteString("{}\n")
		if err := enc.Encode(keyQuery(key, q, size)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func keyQuery(key domain.SearchKey, q domain.Query, size int) map[string]any {
	should := []any{
		map[string]any{"term": map[string]any{"part_number.keyword": map[string]any{"value": string(key), "boost": 10}}},
		map[string]any{"term": map[string]any{"part_key": map[string]any{"value": key.IndexKey(), "boost": 10}}},
	}
	if q.Mode == domain.ModeHybrid {
		should = append(should,
			map[string]any{"prefix": map[string]any{"part_key": map[string]any{"value": key.IndexKey(), "boost": 5}}})
	}
	if q.Mode != domain.ModeExact {
		should = append(should,
			map[string]any{"match": map[string]any{"part_number": map[string]any{"query": string(key), "fuzziness": 1, "boost": 2}}},
			map[string]any{"fuzzy": map[string]any{"part_key": map[string]any{"value": key.IndexKey(), "fuzziness": "AUTO", "boost": 2}}},
		)
	}
	return map[string]any{
		"size":         size,
		"track_scores": true,
		"query": map[string]any{
			"bool": map[string]any{
				"filter":               []any{map[string]any{"term": map[string]any{"scope_id": q.Scope}}},
				"should":               should,
				"minimum_should_match": 1,
			},
		},
		"sort": []any{
			map[string]any{"_score": "desc"},
			map[string]any{"unit_price": "asc"},
		},
	}
}

// classifyHit scores the hit the same way every engine does; hits the
// shared scorer rejects are classified from the engine's relevance score.
func classifyHit(key domain.SearchKey, row domain.Row, score *float64, q domain.Query) domain.MatchRecord {
	if rec, ok := domain.NewMatchRecord(key, row, q.Mode, q.MinSimilarity, NameElasticsearch); ok {
		return rec
	}
	rec := domain.MatchRecord{Row: row, Engine: NameElasticsearch}
	s := 0.0
	if score != nil {
		s = *score
	}
	switch {
	case s > esExactScore:
		rec.MatchType, rec.Confidence = domain.MatchExact, domain.ScoreAlnumExact
	case s > esPrefixScore:
		rec.MatchType, rec.Confidence = domain.MatchPrefix, domain.ScorePrefix
	default:
		rec.MatchType, rec.Confidence = domain.MatchFuzzy, domain.FuzzyScore(domain.DefaultMinSimilarity)
	}
	return rec
}

// Load replaces the scope's documents: delete by scope, then bulk index.
func (e *Elasticsearch) Load(ctx context.Context, scope string, rows []domain.Row) error {
	if err := e.ensureIndex(ctx); err != nil {
		return err
	}
	if err := e.deleteScope(ctx, scope); err != nil {
		return err
	}
	for start := 0; start < len(rows); start += esBulkChunk {
		end := min(start+esBulkChunk, len(rows))
		if err := e.bulkIndex(ctx, scope, rows[start:end], end == len(rows)); err != nil {
			return err
		}
	}
	logging.Op().Info("elasticsearch scope loaded", "scope", scope, "rows", len(rows), "index", e.index)
	return nil
}

func (e *Elasticsearch) ensureIndex(ctx context.Context) error {
	res, err := e.client.Indices.Exists([]string{e.index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return e.transportError(ctx, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	res, err = e.client.Indices.Create(e.index,
		e.client.Indices.Create.WithContext(ctx),
		e.client.Indices.Create.WithBody(strings.NewReader(esMapping)),
	)
	if err != nil {
		return e.transportError(ctx, err)
	}
	defer res.Body.Close()
	if res.IsError() && !strings.Contains(readSnippet(res.Body), "resource_already_exists_exception") {
		return QueryFailed(NameElasticsearch, fmt.Errorf("create index %s: %s", e.index, res.Status()))
	}
	return nil
}

func (e *Elasticsearch) deleteScope(ctx context.Context, scope string) error {
	body, _ := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"scope_id": scope}},
	})
	res, err := e.client.DeleteByQuery([]string{e.index}, bytes.NewReader(body),
		e.client.DeleteByQuery.WithContext(ctx),
		e.client.DeleteByQuery.WithRefresh(true),
		e.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return e.transportError(ctx, err)
	}
	defer res.Body.Close()
	return e.statusError(res)
}

func (e *Elasticsearch) bulkIndex(ctx context.Context, scope string, rows []domain.Row, refresh bool) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		meta := map[string]any{"index": map[string]any{"_id": scope + ":" + strconv.FormatInt(row.ID, 10)}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(esDoc{ScopeID: scope, PartKey: domain.Alnum(row.PartNumber), Row: row}); err != nil {
			return err
		}
	}
	opts := []func(*esapi.BulkRequest){
		e.client.Bulk.WithContext(ctx),
		e.client.Bulk.WithIndex(e.index),
	}
	if refresh {
		opts = append(opts, e.client.Bulk.WithRefresh("true"))
	}
	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()), opts...)
	if err != nil {
		return e.transportError(ctx, err)
	}
	defer res.Body.Close()
	if err := e.statusError(res); err != nil {
		return err
	}
	var parsed struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return QueryFailed(NameElasticsearch, fmt.Errorf("decode bulk: %w", err))
	}
	if parsed.Errors {
		return QueryFailed(NameElasticsearch, fmt.Errorf("bulk index reported item errors for scope %q", scope))
	}
	return nil
}

// HasScope reports whether any document carries the scope.
func (e *Elasticsearch) HasScope(ctx context.Context, scope string) (bool, error) {
	body, _ := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"scope_id": scope}},
	})
	res, err := e.client.Count(
		e.client.Count.WithContext(ctx),
		e.client.Count.WithIndex(e.index),
		e.client.Count.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return false, e.transportError(ctx, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := e.statusError(res); err != nil {
		return false, err
	}
	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return false, QueryFailed(NameElasticsearch, err)
	}
	return parsed.Count > 0, nil
}

func (e *Elasticsearch) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return e.transportError(ctx, err)
	}
	defer res.Body.Close()
	return e.statusError(res)
}

func (e *Elasticsearch) Close() error { return nil }

// transportError classifies a failure to get any response.
func (e *Elasticsearch) transportError(ctx context.Context, err error) error {
	if terr := classifyContext(ctx, NameElasticsearch, err); terr != nil {
		return terr
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Timeout(NameElasticsearch, err)
	}
	return Unavailable(NameElasticsearch, err)
}

// statusError classifies an HTTP error status.
func (e *Elasticsearch) statusError(res *esapi.Response) error {
	if !res.IsError() {
		return nil
	}
	err := fmt.Errorf("%s: %s", res.Status(), readSnippet(res.Body))
	switch res.StatusCode {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return Timeout(NameElasticsearch, err)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return Unavailable(NameElasticsearch, err)
	default:
		return QueryFailed(NameElasticsearch, err)
	}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
