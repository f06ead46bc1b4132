package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"context"

	"resalearb/domain"
)

// HTTPClient talks to a JSON pricing API:
//
//	POST {base}/api/resolve  {"identifiers":["..."]}
//	  -> {"results":[...], "quotaRemaining":N, "error":{"kind":"...","message":"..."}}
//
// error.kind QUOTA_EXHAUSTED maps to a fatal outcome, RATE_LIMITED to a
// throttled one; HTTP 429/401/402/403 map the same way when the body carries no
// structured error.
type HTTPClient struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	userAgent string
}

type HTTPClientOptions struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("provider: BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("provider: invalid BaseURL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "resalearb/1.0"
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    strings.TrimSpace(opts.APIKey),
		client:    &http.Client{Timeout: to},
		userAgent: ua,
	}, nil
}

type wireItem struct {
	ID              string `json:"id"`
	Title           string `json:"title,omitempty"`
	PriceAmount     *int64 `json:"priceAmount,omitempty"`
	Currency        string `json:"currency,omitempty"`
	Availability    string `json:"availability,omitempty"`
	DetailURL       string `json:"detailUrl,omitempty"`
	SecondaryCode   string `json:"secondaryCode,omitempty"`
	MonthlyVelocity int    `json:"monthlyVelocity,omitempty"`
	Status          string `json:"status,omitempty"`
}

type wireResponse struct {
	Results        []wireItem `json:"results"`
	QuotaRemaining int        `json:"quotaRemaining"`
	Error          *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HTTPClient) Resolve(ctx context.Context, identifiers []string) Result {
	payload, err := json.Marshal(map[string][]string{"identifiers": identifiers})
	if err != nil {
		return Result{Kind: OutcomeFailed, Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/resolve", bytes.NewReader(payload))
	if err != nil {
		return Result{Kind: OutcomeFailed, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and transport errors are isolated-batch failures.
		return Result{Kind: OutcomeFailed, Message: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{Kind: OutcomeRateLimited, Message: "provider rate limited"}
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusPaymentRequired,
		resp.StatusCode == http.StatusForbidden:
		return Result{Kind: OutcomeFatal, Message: fmt.Sprintf("provider auth/quota error (http %d)", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Result{Kind: OutcomeFailed, Message: fmt.Sprintf("provider http %d", resp.StatusCode)}
	}

	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return Result{Kind: OutcomeFailed, Message: fmt.Sprintf("provider payload parse: %v", err)}
	}
	if wr.Error != nil {
		switch strings.ToUpper(strings.TrimSpace(wr.Error.Kind)) {
		case "QUOTA_EXHAUSTED":
			return Result{Kind: OutcomeFatal, QuotaRemaining: wr.QuotaRemaining, Message: wr.Error.Message}
		case "RATE_LIMITED":
			return Result{Kind: OutcomeRateLimited, QuotaRemaining: wr.QuotaRemaining, Message: wr.Error.Message}
		default:
			return Result{Kind: OutcomeFailed, QuotaRemaining: wr.QuotaRemaining, Message: wr.Error.Message}
		}
	}

	items := make([]domain.ResolvedItem, 0, len(wr.Results))
	now := time.Now()
	for _, w := range wr.Results {
		id := strings.TrimSpace(w.ID)
		if id == "" {
			continue
		}
		item := domain.ResolvedItem{
			ID:              id,
			Title:           strings.TrimSpace(w.Title),
			PriceAmount:     w.PriceAmount,
			Currency:        strings.TrimSpace(w.Currency),
			Availability:    strings.TrimSpace(w.Availability),
			DetailURL:       strings.TrimSpace(w.DetailURL),
			SecondaryCode:   strings.TrimSpace(w.SecondaryCode),
			MonthlyVelocity: w.MonthlyVelocity,
			ResolvedAt:      now,
		}
		switch strings.ToUpper(strings.TrimSpace(w.Status)) {
		case "", "RESOLVED":
			if item.PriceAmount != nil {
				item.Status = domain.ItemStatusResolved
			} else {
				item.Status = domain.ItemStatusNoOffer
			}
		case "NO_OFFER":
			item.Status = domain.ItemStatusNoOffer
			item.PriceAmount = nil
		default:
			item.Status = domain.ItemStatusNoOffer
			item.PriceAmount = nil
		}
		items = append(items, item)
	}
	return Result{Kind: OutcomeOK, Items: items, QuotaRemaining: wr.QuotaRemaining}
}
