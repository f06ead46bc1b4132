package marketsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to a JSON search API:
//
//	GET {base}/api/search?q=...   (credential via Authorization header)
//	  -> {"hits":[{"title","price","url","shop","imageUrl"}]}  or a bare array
type HTTPClient struct {
	baseURL   string
	client    *http.Client
	userAgent string
}

type HTTPClientOptions struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("marketsearch: BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("marketsearch: invalid BaseURL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 15 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "resalearb/1.0"
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: to},
		userAgent: ua,
	}, nil
}

func (c *HTTPClient) Search(ctx context.Context, query, credential string) ([]Hit, error) {
	u, err := url.Parse(c.baseURL + "/api/search")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", strings.TrimSpace(query))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if strings.TrimSpace(credential) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(credential))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("marketsearch: http %d", resp.StatusCode)
	}

	// Accept both object-wrapped and bare-array payloads.
	var wrapped struct {
		Hits []Hit `json:"hits"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Hits != nil {
		return normalizeHits(wrapped.Hits), nil
	}
	var arr []Hit
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, fmt.Errorf("marketsearch: payload parse: %w", err)
	}
	return normalizeHits(arr), nil
}

func normalizeHits(in []Hit) []Hit {
	out := make([]Hit, 0, len(in))
	for _, h := range in {
		h.Title = strings.TrimSpace(h.Title)
		h.URL = strings.TrimSpace(h.URL)
		h.Shop = strings.TrimSpace(h.Shop)
		if h.Title == "" || h.Price <= 0 {
			continue
		}
		out = append(out, h)
	}
	return out
}
