package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"resalearb/domain"
)

// MockClient synthesizes deterministic priced items without network calls.
// Used for demos and as the default adapter when no provider is configured.
type MockClient struct {
	baseURL string
}

func NewMockClient(baseURL string) *MockClient {
	if baseURL == "" {
		baseURL = "https://example-provider.invalid"
	}
	return &MockClient{baseURL: baseURL}
}

func (m *MockClient) Resolve(ctx context.Context, identifiers []string) Result {
	select {
	case <-ctx.Done():
		return Result{Kind: OutcomeFailed, Message: ctx.Err().Error()}
	default:
	}
	items := make([]domain.ResolvedItem, 0, len(identifiers))
	now := time.Now()
	for _, id := range identifiers {
		h := fnv.New32a()
		_, _ = h.Write([]byte(id))
		n := h.Sum32()
		// Roughly one in eight identifiers has no data at the provider.
		if n%8 == 0 {
			continue
		}
		price := int64(1000 + n%9000)
		items = append(items, domain.ResolvedItem{
			ID:              id,
			Title:           fmt.Sprintf("Synthetic product %s", id),
			PriceAmount:     &price,
			Currency:        "JPY",
			DetailURL:       m.baseURL + "/products/" + id,
			MonthlyVelocity: int(n % 40),
			ResolvedAt:      now,
			Status:          domain.ItemStatusResolved,
		})
	}
	return Result{Kind: OutcomeOK, Items: items, QuotaRemaining: 10000}
}
