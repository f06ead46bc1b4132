// Package provider is the pricing-provider collaborator: it resolves primary
// marketplace identifiers to priced items. Outcomes are a tagged result type
// rather than error values, so the fetch pipeline classifies by kind instead of
// sniffing error strings.
package provider

import (
	"context"

	"resalearb/domain"
)

type OutcomeKind string

const (
	// OutcomeOK carries resolved items; identifiers missing from Items had no
	// data at the provider.
	OutcomeOK OutcomeKind = "ok"
	// OutcomeRateLimited means the provider throttled the call; the same batch
	// may be retried after a backoff.
	OutcomeRateLimited OutcomeKind = "rate_limited"
	// OutcomeFatal means the provider cannot currently serve any request
	// (invalid credential, quota/balance exhausted). Retrying wastes calls.
	OutcomeFatal OutcomeKind = "fatal"
	// OutcomeFailed is an isolated failure (bad response, timeout, transport
	// error); it poisons only the current batch.
	OutcomeFailed OutcomeKind = "failed"
)

type Result struct {
	Kind           OutcomeKind
	Items          []domain.ResolvedItem
	QuotaRemaining int
	Message        string
}

// Client resolves a batch of identifiers in a single call.
type Client interface {
	Resolve(ctx context.Context, identifiers []string) Result
}
