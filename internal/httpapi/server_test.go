package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopwatch/prodstore/internal/prodstore"
)

const testEntity = "690123456789"

func newTestServer(t *testing.T) (*Server, *prodstore.Store) {
	t.Helper()
	store, err := prodstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	fetcher := prodstore.NewFetcherWithOptions(store, prodstore.FetcherOptions{
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
	server, err := NewServer(Services{
		Store:      store,
		Monitoring: prodstore.NewMonitoringLog(store),
		Reconciler: prodstore.NewReconciler(store, nil),
		Fetcher:    fetcher,
		Activity:   prodstore.NewActivityLog(),
	})
	if err != nil {
		t.Fatalf("new server failed: %v", err)
	}
	return server, store
}

func doRequest(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body failed: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q failed: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPersistThenReadRecord(t *testing.T) {
	server, _ := newTestServer(t)
	body := map[string]any{
		"record": map[string]any{
			"category": "Wireless Earbuds Pro",
			"skus":     []map[string]any{{"name": "black", "price": "59.90"}},
		},
		"observations": []map[string]any{
			{"timestamp": "2026-03-10T08:30:00", "metrics": map[string]float64{"price": 59.9}},
		},
	}
	rec := doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/persist", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("persist failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, http.MethodGet, "/entities/"+testEntity+"/record", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read record failed: %d %s", rec.Code, rec.Body.String())
	}
	var record prodstore.Record
	decodeBody(t, rec, &record)
	if record.Category != "Wireless Earbuds Pro" {
		t.Fatalf("unexpected record: %+v", record)
	}

	rec = doRequest(t, server, http.MethodGet, "/entities/"+testEntity+"/monitoring", nil)
	var observations []prodstore.Observation
	decodeBody(t, rec, &observations)
	if len(observations) != 1 || observations[0].Metrics["price"] != 59.9 {
		t.Fatalf("expected persisted observation, got %+v", observations)
	}
}

func TestPersistRejectsInvalidID(t *testing.T) {
	server, _ := newTestServer(t)
	body := map[string]any{"record": map[string]any{"category": "x"}}
	rec := doRequest(t, server, http.MethodPost, "/entities/12345/persist", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short id, got %d: %s", rec.Code, rec.Body.String())
	}
	var errBody struct {
		Code          string `json:"code"`
		CorrelationID string `json:"correlationId"`
	}
	decodeBody(t, rec, &errBody)
	if errBody.Code != "invalid_entity_id" {
		t.Fatalf("unexpected error code: %+v", errBody)
	}
	if errBody.CorrelationID == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestPersistRejectsSchemaViolations(t *testing.T) {
	server, _ := newTestServer(t)
	body := map[string]any{
		"record": map[string]any{"skus": []map[string]any{{"price": "59.90"}}},
	}
	rec := doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/persist", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for schema violation, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReadRecordNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/entities/"+testEntity+"/record", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMonitoringAppendAndValidationError(t *testing.T) {
	server, _ := newTestServer(t)
	good := []map[string]any{
		{"timestamp": "2026-03-10T08:30:00", "metrics": map[string]float64{"price": 1}},
	}
	rec := doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/monitoring", good)
	if rec.Code != http.StatusOK {
		t.Fatalf("append failed: %d %s", rec.Code, rec.Body.String())
	}

	bad := []map[string]any{
		{"timestamp": "2026-03-10 08:30:00", "metrics": map[string]float64{"price": 1}},
	}
	rec = doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/monitoring", bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMonitoringReplay(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/monitoring/replay", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 replaying empty log, got %d", rec.Code)
	}

	seed := map[string]any{"timestamp": "2026-03-10T08:30:00", "metrics": map[string]float64{"price": 42}}
	if rec := doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/monitoring", seed); rec.Code != http.StatusOK {
		t.Fatalf("seed append failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/monitoring/replay", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay failed: %d %s", rec.Code, rec.Body.String())
	}
	var clone prodstore.Observation
	decodeBody(t, rec, &clone)
	if clone.Metrics["price"] != 42 {
		t.Fatalf("expected carried-forward metrics, got %+v", clone)
	}
}

func TestMediaDiffAndMergeFlow(t *testing.T) {
	server, _ := newTestServer(t)
	persist := map[string]any{
		"record": map[string]any{"category": "Wireless Earbuds Pro"},
		"manifest": map[string]any{
			"media": []map[string]any{
				{"url": "https://img.example.com/a.jpg", "kind": "image"},
				{"url": "https://img.example.com/b.jpg", "kind": "image"},
			},
		},
	}
	if rec := doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/persist", persist); rec.Code != http.StatusOK {
		t.Fatalf("persist failed: %d %s", rec.Code, rec.Body.String())
	}

	rec := doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/media/diff", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("diff failed: %d %s", rec.Code, rec.Body.String())
	}
	var delta prodstore.Delta
	decodeBody(t, rec, &delta)
	if len(delta.NewURLs) != 2 {
		t.Fatalf("expected 2 new urls, got %+v", delta)
	}

	rec = doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/media/merge", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("merge failed: %d %s", rec.Code, rec.Body.String())
	}
	var result prodstore.MergeResult
	decodeBody(t, rec, &result)
	if result.MergedCount != 2 || result.TotalCount != 2 {
		t.Fatalf("unexpected merge result: %+v", result)
	}

	// Second merge without a fresh provisional manifest conflicts.
	rec = doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/media/merge", map[string]any{})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on re-merge, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMediaFetchUsesDiffWhenNoItemsGiven(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("img"))
	}))
	defer origin.Close()

	server, _ := newTestServer(t)
	persist := map[string]any{
		"record": map[string]any{"category": "Wireless Earbuds Pro"},
		"manifest": map[string]any{
			"media": []map[string]any{{"url": origin.URL + "/a.jpg", "kind": "image"}},
		},
	}
	if rec := doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/persist", persist); rec.Code != http.StatusOK {
		t.Fatalf("persist failed: %d %s", rec.Code, rec.Body.String())
	}

	rec := doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/media/fetch", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []prodstore.DownloadResult `json:"results"`
		Count   int                        `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 1 || len(resp.Results) != 1 || resp.Results[0].URL != origin.URL+"/a.jpg" {
		t.Fatalf("unexpected fetch response: %+v", resp)
	}
}

func TestListEntitiesAndMediaEndpoints(t *testing.T) {
	server, store := newTestServer(t)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("69000000000%d", i)
		if err := store.WriteRecord(id, prodstore.Record{Category: "P" + id}); err != nil {
			t.Fatalf("seed record failed: %v", err)
		}
	}

	rec := doRequest(t, server, http.MethodGet, "/entities", nil)
	var listing struct {
		Entities []string `json:"entities"`
	}
	decodeBody(t, rec, &listing)
	if len(listing.Entities) != 3 {
		t.Fatalf("expected 3 entities, got %+v", listing)
	}

	rec = doRequest(t, server, http.MethodGet, "/entities/690000000000/images", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list images failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, server, http.MethodGet, "/entities/690000000000/attachments", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list attachments failed: %d %s", rec.Code, rec.Body.String())
	}
}

func TestActivityEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	for i := 0; i < 30; i++ {
		server.svc.Activity.Add(prodstore.ActivityRecordUpdated, fmt.Sprintf("Product %d", i), "")
	}

	rec := doRequest(t, server, http.MethodGet, "/activity/recent?limit=5", nil)
	var recent struct {
		Entries []prodstore.ActivityEntry `json:"entries"`
	}
	decodeBody(t, rec, &recent)
	if len(recent.Entries) != 5 || recent.Entries[0].Title != "Product 29" {
		t.Fatalf("unexpected recent activity: %+v", recent.Entries)
	}

	rec = doRequest(t, server, http.MethodGet, "/activity?page=2&limit=10", nil)
	var page struct {
		Entries []prodstore.ActivityEntry `json:"entries"`
		Total   int                       `json:"total"`
	}
	decodeBody(t, rec, &page)
	if page.Total != 30 || len(page.Entries) != 10 || page.Entries[0].Title != "Product 19" {
		t.Fatalf("unexpected activity page: total=%d entries=%+v", page.Total, page.Entries)
	}
}

func TestCorrelationIDEchoedFromHeader(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/entities/"+testEntity+"/record", nil)
	req.Header.Set("X-Correlation-Id", "corr_test_1")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	var errBody struct {
		CorrelationID string `json:"correlationId"`
	}
	decodeBody(t, rec, &errBody)
	if errBody.CorrelationID != "corr_test_1" {
		t.Fatalf("expected correlation id echoed, got %+v", errBody)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	store, err := prodstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	server, err := NewServerWithConfig(Services{
		Store:      store,
		Monitoring: prodstore.NewMonitoringLog(store),
		Reconciler: prodstore.NewReconciler(store, nil),
		Fetcher:    prodstore.NewFetcher(store),
		Activity:   prodstore.NewActivityLog(),
	}, ServerConfig{MaxBodyBytes: 64})
	if err != nil {
		t.Fatalf("new server failed: %v", err)
	}

	oversized := map[string]any{
		"record": map[string]any{"category": string(bytes.Repeat([]byte("x"), 256))},
	}
	rec := doRequest(t, server, http.MethodPost, "/entities/"+testEntity+"/persist", oversized)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
}
