// Package errs defines the error taxonomy from spec.md §7. Kinds are
// sentinel errors, not error types, so call sites can use errors.Is
// after wrapping with fmt.Errorf("...: %w", err) — the teacher's
// wrapping idiom throughout internal/config and internal/storage/redis.
package errs

import "errors"

var (
	// TransportUnavailable: C1/C2. Retried by the circuit breaker;
	// counted; does not advance state.
	TransportUnavailable = errors.New("transport unavailable")

	// AuthSetupRequired: C3. Fatal to the producer; exit code 2.
	AuthSetupRequired = errors.New("auth setup required")

	// TokenRefreshFailed: C3. Retried once; then the producer stops
	// polling and /ready fails.
	TokenRefreshFailed = errors.New("token refresh failed")

	// TokenRevoked: C3.
	TokenRevoked = errors.New("token revoked")

	// ImapTransport: C4. Retried by breaker; session discarded.
	ImapTransport = errors.New("imap transport error")

	// ImapAuth: C4. Treated as TokenRefreshFailed after one forced
	// refresh.
	ImapAuth = errors.New("imap auth error")

	// ImapProtocol: C4. Batch aborted; next cycle.
	ImapProtocol = errors.New("imap protocol error")

	// CircuitOpen: C5. Caller-visible; loops pause and re-attempt after
	// recovery.
	CircuitOpen = errors.New("circuit open")

	// InvariantViolation: C14. Non-retryable; direct DLQ route.
	InvariantViolation = errors.New("invariant violation")

	// ProcessingTransient: C14. Retried with exponential backoff up to
	// max_retries, then DLQ.
	ProcessingTransient = errors.New("processing transient error")

	// ExcessiveRedelivery: C15. Direct DLQ; no further claim.
	ExcessiveRedelivery = errors.New("excessive redelivery")

	// NotFound: C1/C2.
	NotFound = errors.New("not found")

	// Invalid: C1/C2.
	Invalid = errors.New("invalid")

	// AlreadyExists: swallowed by ensure_group (BUSYGROUP case).
	AlreadyExists = errors.New("already exists")
)
