package domain

import "time"

type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "PENDING"
	ItemStatusResolved  ItemStatus = "RESOLVED"
	ItemStatusNoOffer   ItemStatus = "NO_OFFER"
	ItemStatusNotFound  ItemStatus = "NOT_FOUND"
	ItemStatusThrottled ItemStatus = "THROTTLED"
	ItemStatusAuthError ItemStatus = "AUTH_ERROR"
	ItemStatusError     ItemStatus = "ERROR"
)

// ResolvedItem is one primary-marketplace product after (attempted) resolution
// against the pricing provider. PriceAmount is set only when Status is RESOLVED.
type ResolvedItem struct {
	ID              string     `json:"id"`
	Title           string     `json:"title,omitempty"`
	PriceAmount     *int64     `json:"priceAmount,omitempty"`
	Currency        string     `json:"currency,omitempty"`
	Availability    string     `json:"availability,omitempty"`
	DetailURL       string     `json:"detailUrl,omitempty"`
	SecondaryCode   string     `json:"secondaryCode,omitempty"`
	MonthlyVelocity int        `json:"monthlyVelocity,omitempty"`
	ResolvedAt      time.Time  `json:"resolvedAt"`
	Status          ItemStatus `json:"status"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
}

// Resolved reports whether the item carries a usable price.
func (it *ResolvedItem) Resolved() bool {
	return it != nil && it.Status == ItemStatusResolved && it.PriceAmount != nil
}

type RunStats struct {
	Total     int        `json:"total"`
	Processed int        `json:"processed"`
	Success   int        `json:"success"`
	Failed    int        `json:"failed"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
}

type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// MaxSessionLogs bounds the per-session log ring buffer.
const MaxSessionLogs = 200

// RunSession is one batch job resolving identifiers to priced items.
//
// Items keep the input order and identifiers are unique. Queue holds the
// identifiers still to be fetched; the run is terminal once IsRunning is false.
type RunSession struct {
	ID        string         `json:"runId"`
	CreatedAt time.Time      `json:"createdAt"`
	Items     []ResolvedItem `json:"items"`
	Logs      []LogEntry     `json:"logs"` // most-recent-first, bounded
	IsRunning bool           `json:"isRunning"`
	Queue     []string       `json:"queue"`
	Stats     RunStats       `json:"stats"`
}

// AppendLog prepends an entry, dropping the oldest beyond MaxSessionLogs.
func (r *RunSession) AppendLog(message string) {
	if r == nil {
		return
	}
	entry := LogEntry{At: time.Now(), Message: message}
	r.Logs = append([]LogEntry{entry}, r.Logs...)
	if len(r.Logs) > MaxSessionLogs {
		r.Logs = r.Logs[:MaxSessionLogs]
	}
}

// ItemByID returns a pointer into Items; callers must hold the session
// exclusively (store Update closure) while mutating through it.
func (r *RunSession) ItemByID(id string) *ResolvedItem {
	if r == nil {
		return nil
	}
	for i := range r.Items {
		if r.Items[i].ID == id {
			return &r.Items[i]
		}
	}
	return nil
}
