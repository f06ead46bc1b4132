// Package marketsearch is the secondary-marketplace search collaborator.
package marketsearch

import (
	"context"
	"errors"
)

// ErrRateLimited is returned when the marketplace throttles a credential. Each
// credential carries its own independent rate-limit budget.
var ErrRateLimited = errors.New("marketsearch: rate limited")

type Hit struct {
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	URL      string `json:"url"`
	Shop     string `json:"shop,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Client searches the secondary marketplace with a given credential. An empty
// hit list with a nil error is a valid "no results" outcome.
type Client interface {
	Search(ctx context.Context, query, credential string) ([]Hit, error)
}
