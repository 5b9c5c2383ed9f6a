package models

import "errors"

// Settlement error taxonomy. These are the only errors callers branch on;
// everything else is wrapped transport or store failure.
var (
	// ErrSignatureInvalid rejects an event before any state is read. The
	// gateway sees a non-success response for these.
	ErrSignatureInvalid = errors.New("gateway signature invalid")

	// ErrMalformedEvent marks a notification whose shape could not be
	// classified. Logged and rejected; gateway retries are its own concern.
	ErrMalformedEvent = errors.New("malformed gateway event")

	// ErrStaleEvent marks a success notification arriving after the order
	// reached a terminal payment status. Not an error to the gateway:
	// responding success stops futile retries.
	ErrStaleEvent = errors.New("stale event for terminal order")

	// ErrInsufficientBalance is the ledger's hard invariant: appending the
	// entry would take the running balance negative. Should be unreachable
	// after checkout validation; treated as a critical integrity alert.
	ErrInsufficientBalance = errors.New("insufficient coin balance")

	// ErrOrderNotFound means the event referenced no known order by either
	// internal transaction id or gateway order id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrStatusUnresolved means the gateway's authoritative status could not
	// be obtained (timeout or transport failure). The order stays pending;
	// a later poll or webhook resolves it.
	ErrStatusUnresolved = errors.New("gateway status unresolved")
)
