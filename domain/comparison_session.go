package domain

import "time"

type MatchStatus string

const (
	MatchStatusPending MatchStatus = "PENDING"
	MatchStatusMatched MatchStatus = "MATCHED"
	MatchStatusNoMatch MatchStatus = "NO_MATCH"
	MatchStatusError   MatchStatus = "ERROR"
)

// Candidate is a ranked secondary-marketplace search hit kept for review.
type Candidate struct {
	Title           string  `json:"title"`
	Price           int64   `json:"price"`
	URL             string  `json:"url"`
	Shop            string  `json:"shop,omitempty"`
	SimilarityScore float64 `json:"similarityScore"`
}

// ComparisonItem pairs one resolved primary item with its best secondary match.
//
// Invariant: Status MATCHED implies SecondaryPrice < PrimaryPrice and
// SimilarityScore at or above the configured acceptance threshold.
type ComparisonItem struct {
	ID           string `json:"id"`
	PrimaryTitle string `json:"primaryTitle"`
	PrimaryPrice int64  `json:"primaryPrice"`
	PrimaryURL   string `json:"primaryUrl,omitempty"`

	SecondaryTitle string `json:"secondaryTitle,omitempty"`
	SecondaryPrice *int64 `json:"secondaryPrice,omitempty"`
	SecondaryURL   string `json:"secondaryUrl,omitempty"`
	SecondaryShop  string `json:"secondaryShop,omitempty"`

	MatchCandidates []Candidate `json:"matchCandidates,omitempty"` // <=3, ranked desc

	SimilarityScore float64  `json:"similarityScore"`
	EstimatedFee    int64    `json:"estimatedFee"`
	EstimatedProfit *int64   `json:"estimatedProfit,omitempty"`
	ProfitRate      *float64 `json:"profitRate,omitempty"`

	Status       MatchStatus `json:"status"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	Memo         string      `json:"memo,omitempty"`
	Favorite     bool        `json:"favorite"`
}

type ComparisonStats struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Matched    int `json:"matched"`
	Profitable int `json:"profitable"`
}

// ComparisonSession is one batch job matching a run's priced items against the
// secondary marketplace. RunID is lineage only: deleting the run neither blocks
// nor cascades here.
type ComparisonSession struct {
	ID        string           `json:"comparisonId"`
	RunID     string           `json:"runId"`
	CreatedAt time.Time        `json:"createdAt"`
	Items     []ComparisonItem `json:"items"`
	Logs      []LogEntry       `json:"logs"`
	IsRunning bool             `json:"isRunning"`
	Stats     ComparisonStats  `json:"stats"`
}

func (c *ComparisonSession) AppendLog(message string) {
	if c == nil {
		return
	}
	entry := LogEntry{At: time.Now(), Message: message}
	c.Logs = append([]LogEntry{entry}, c.Logs...)
	if len(c.Logs) > MaxSessionLogs {
		c.Logs = c.Logs[:MaxSessionLogs]
	}
}

func (c *ComparisonSession) ItemByID(id string) *ComparisonItem {
	if c == nil {
		return nil
	}
	for i := range c.Items {
		if c.Items[i].ID == id {
			return &c.Items[i]
		}
	}
	return nil
}
