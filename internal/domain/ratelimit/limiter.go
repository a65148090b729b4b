package ratelimit

import "context"

// Limiter is the interface for per-identity rate limiting.
//
// Implementations keep one token bucket per identity and evict buckets whose
// last access is older than an idle TTL. The interface is storage-agnostic,
// allowing implementations backed by in-memory state or shared stores.
type Limiter interface {
	// Allow checks whether a request from the given identity is admitted.
	// customRPS > 0 overrides the default rate for this identity; the
	// override comes from the identity's credential configuration.
	//
	// Allow consumes one token when admitted. When denied, RetryAfter in
	// the decision indicates when the next request will be allowed.
	Allow(ctx context.Context, identityID string, customRPS float64) (Decision, error)

	// AwaitReady blocks until a token is available for the identity or the
	// context is cancelled. Request handlers must not call this; they
	// return a prompt rejection instead.
	AwaitReady(ctx context.Context, identityID string, customRPS float64) error

	// Clear removes the identity's bucket.
	Clear(identityID string)

	// TrackedIdentities returns the number of live buckets.
	TrackedIdentities() int
}
