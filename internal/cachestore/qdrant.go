package cachestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QdrantIndex implements VectorIndex against a Qdrant collection over its
// REST API. Points are keyed by a UUIDv5 of (project, fingerprint) so
// re-inserting the same entry overwrites rather than duplicates; the cache
// scope travels in the point payload and is matched with a must-filter.
type QdrantIndex struct {
	baseURL    string
	collection string
	apiKey     string
	hc         *http.Client
}

// qdrantNamespace seeds point-ID derivation.
var qdrantNamespace = uuid.MustParse("9b1dcf10-4f5e-4c47-9a2f-3b8c7f1e6d02")

// NewQdrantIndex builds an index client. The collection must exist with
// cosine distance and the embedding dimensionality used by the proxy.
func NewQdrantIndex(baseURL, collection, apiKey string) *QdrantIndex {
	return &QdrantIndex{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		apiKey:     apiKey,
		hc:         &http.Client{Timeout: 5 * time.Second},
	}
}

func (q *QdrantIndex) pointID(meta VectorMeta) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(meta.ProjectID+":"+meta.Fingerprint)).String()
}

// Upsert writes the vector and its scope payload.
func (q *QdrantIndex) Upsert(ctx context.Context, meta VectorMeta, vec []float32) error {
	body := map[string]any{
		"points": []map[string]any{{
			"id":     q.pointID(meta),
			"vector": vec,
			"payload": map[string]any{
				"project_id":  meta.ProjectID,
				"endpoint":    meta.Endpoint,
				"model":       meta.Model,
				"fingerprint": meta.Fingerprint,
				"expires_at":  meta.ExpiresAt.Unix(),
			},
		}},
	}

	var resp struct {
		Status any `json:"status"`
	}
	if err := q.do(ctx, http.MethodPut, "/points?wait=false", body, &resp); err != nil {
		return fmt.Errorf("qdrant: upsert: %w", err)
	}
	return nil
}

// Search runs a filtered nearest-neighbor query. Qdrant applies the score
// threshold server-side; expired points are filtered here since Qdrant has
// no TTL of its own.
func (q *QdrantIndex) Search(ctx context.Context, query SemanticQuery, limit int) ([]VectorRef, error) {
	body := map[string]any{
		"vector":          query.Vector,
		"limit":           limit,
		"score_threshold": query.Threshold,
		"with_payload":    true,
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "project_id", "match": map[string]any{"value": query.ProjectID}},
				{"key": "endpoint", "match": map[string]any{"value": query.Endpoint}},
				{"key": "model", "match": map[string]any{"value": query.Model}},
			},
		},
	}

	var resp struct {
		Result []struct {
			Score   float64 `json:"score"`
			Payload struct {
				Fingerprint string `json:"fingerprint"`
				ExpiresAt   int64  `json:"expires_at"`
			} `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/points/search", body, &resp); err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}

	now := time.Now().Unix()
	refs := make([]VectorRef, 0, len(resp.Result))
	for _, r := range resp.Result {
		if r.Payload.Fingerprint == "" {
			continue
		}
		if r.Payload.ExpiresAt > 0 && now > r.Payload.ExpiresAt {
			continue
		}
		refs = append(refs, VectorRef{Fingerprint: r.Payload.Fingerprint, Score: r.Score})
	}
	return refs, nil
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := q.baseURL + "/collections/" + q.collection + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
