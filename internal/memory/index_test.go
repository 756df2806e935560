package memory

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/microclaw/internal/storage"
)

// fakeEmbeddings maps keywords to fixed axes so similarity is exactly
// predictable: texts sharing a keyword point the same way.
func fakeEmbeddings(t *testing.T) *httptest.Server {
	t.Helper()
	axes := map[string]int{"golang": 0, "espresso": 1, "sailing": 2}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header: %q", got)
		}
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Input) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		vec := make([]float64, 3)
		for word, axis := range axes {
			if strings.Contains(strings.ToLower(req.Input[0]), word) {
				vec[axis] = 1
			}
		}
		var norm float64
		for _, v := range vec {
			norm += v * v
		}
		if norm == 0 {
			vec[0] = 1
			norm = 1
		}
		out := make([]float32, 3)
		for i, v := range vec {
			out[i] = float32(v / math.Sqrt(norm))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": out}},
		})
	}))
}

func semanticService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	srv := fakeEmbeddings(t)
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.EmbeddingProvider = "openai"
	cfg.EmbeddingModel = "test-embed"
	cfg.EmbeddingBaseURL = srv.URL
	cfg.EmbeddingAPIKey = "test-key"
	cfg.EmbeddingDim = 3

	store, err := storage.Open(filepath.Join(cfg.DataDir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc, err := NewService(store, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if !svc.SemanticEnabled() {
		t.Fatal("semantic index not enabled")
	}
	return svc, store
}

func TestSelect_SemanticRanksBySimilarity(t *testing.T) {
	svc, _ := semanticService(t)
	ctx := context.Background()

	mustRemember(t, svc, 1, "Alex writes golang services for work")
	mustRemember(t, svc, 1, "Alex drinks espresso after lunch")

	sel := svc.Select(ctx, 1, "a question about golang generics")
	if len(sel.Items) < 2 {
		t.Fatalf("want both rows as candidates, got %+v", sel.Items)
	}
	if !strings.Contains(sel.Items[0].Content, "golang") {
		t.Errorf("semantic ranking put %q first", sel.Items[0].Content)
	}
	if sel.Items[0].Score <= sel.Items[1].Score {
		t.Errorf("scores not descending: %+v", sel.Items)
	}
}

func TestRemember_StoresEmbeddingBlob(t *testing.T) {
	svc, store := semanticService(t)
	ctx := context.Background()

	mustRemember(t, svc, 2, "Alex goes sailing on weekends")

	rows, err := store.ActiveMemories(ctx, 2, 0)
	if err != nil {
		t.Fatalf("active memories: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	if rows[0].EmbeddingModel != "test-embed" || rows[0].EmbeddingDim != 3 {
		t.Errorf("embedding metadata: %+v", rows[0])
	}
	vec := decodeVector(rows[0].EmbeddingBlob)
	if len(vec) != 3 || vec[2] != 1 {
		t.Errorf("stored vector = %v", vec)
	}
}

func TestForget_RemovesFromIndex(t *testing.T) {
	svc, _ := semanticService(t)
	ctx := context.Background()

	mustRemember(t, svc, 3, "Alex races sailing dinghies in summer")
	if n, err := svc.Forget(ctx, "chat", 3, "sailing"); err != nil || n != 1 {
		t.Fatalf("forget: n=%d err=%v", n, err)
	}
	if sel := svc.Select(ctx, 3, "tell me about sailing"); len(sel.Items) != 0 {
		t.Errorf("archived row still recalled: %+v", sel.Items)
	}
}

func TestVectorRoundtrip(t *testing.T) {
	vec := []float32{0.25, -1, 3.5}
	got := decodeVector(encodeVector(vec))
	if len(got) != len(vec) {
		t.Fatalf("length %d", len(got))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("index %d: %v != %v", i, got[i], vec[i])
		}
	}
	if decodeVector([]byte{1, 2, 3}) != nil {
		t.Error("truncated blob decoded")
	}
	if decodeVector(nil) != nil {
		t.Error("nil blob decoded")
	}
}
