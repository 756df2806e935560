package memory

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbedderConfig configures the embeddings endpoint. BaseURL covers
// OpenAI and self-hosted compatible servers.
type EmbedderConfig struct {
	Model     string
	APIKey    string
	BaseURL   string
	Dim       int // expected dimension; 0 accepts whatever comes back
	CacheSize int
}

// Embedder computes query and memory embeddings over an OpenAI-style
// /embeddings endpoint, with an LRU cache in front so repeated prompt
// selections don't re-pay for the same text.
type Embedder struct {
	cfg    EmbedderConfig
	client *http.Client
	cache  *lru.Cache[string, []float32]
}

func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Embedder{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		cache:  cache,
	}, nil
}

// Embed returns the vector for one text, retrying transient failures
// with exponential backoff.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	var vec []float32
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		vec, err = e.callAPI(ctx, text)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < 2 {
			time.Sleep(time.Duration(math.Pow(2, float64(attempt))) * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("embed after retries: %w", err)
	}
	if e.cfg.Dim > 0 && len(vec) != e.cfg.Dim {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(vec), e.cfg.Dim)
	}
	e.cache.Add(text, vec)
	return vec, nil
}

func (e *Embedder) callAPI(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.cfg.Model,
		"input": []string{text},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings API %d: %s", resp.StatusCode, string(detail))
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(apiResp.Data) == 0 {
		return nil, fmt.Errorf("embeddings API returned no data")
	}
	return apiResp.Data[0].Embedding, nil
}

// encodeVector packs a vector as little-endian float32s for the
// embedding_blob column.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector is the inverse of encodeVector. A blob whose length is
// not a multiple of four is treated as absent.
func decodeVector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
