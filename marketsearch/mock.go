package marketsearch

import (
	"context"
	"fmt"
	"hash/fnv"
)

// MockClient returns deterministic synthetic hits so the matching engine can be
// exercised without network access or real credentials.
type MockClient struct {
	baseURL string
}

func NewMockClient(baseURL string) *MockClient {
	if baseURL == "" {
		baseURL = "https://example-marketplace.invalid"
	}
	return &MockClient{baseURL: baseURL}
}

func (m *MockClient) Search(ctx context.Context, query, credential string) ([]Hit, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if query == "" {
		return nil, nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(query))
	n := h.Sum32()
	out := make([]Hit, 0, 3)
	for i := 0; i < 3; i++ {
		out = append(out, Hit{
			Title: fmt.Sprintf("%s 中古品 %d", query, i+1),
			Price: int64(500 + (n+uint32(i)*997)%8000),
			URL:   fmt.Sprintf("%s/items/%d%04d", m.baseURL, n%100000, i),
			Shop:  fmt.Sprintf("shop-%d", n%50),
		})
	}
	return out, nil
}
