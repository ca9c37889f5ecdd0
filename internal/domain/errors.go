package domain

import "errors"

// Stable error kinds surfaced to callers. Services wrap these with
// github.com/pkg/errors to attach detail; callers branch with errors.Is.
var (
	// ErrUnauthenticated means the user has no broker ssid on file.
	ErrUnauthenticated = errors.New("user is not linked to the broker")
	// ErrSessionInvalid means the broker rejected the stored ssid.
	ErrSessionInvalid = errors.New("broker session is invalid or expired")
	// ErrUpstreamUnavailable means the broker or vision transport could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream is unavailable")
	// ErrInvalidArgument means the caller supplied malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	ErrInstrumentNotFound    = errors.New("no instrument available")
	ErrInstrumentUnavailable = errors.New("instrument cannot be bought now")
	ErrNoExpirationAvailable = errors.New("no expiration time available")
	ErrNoBalanceAvailable    = errors.New("no balance available")

	// ErrUnsupportedCapability means the current broker connection does not
	// offer the requested instrument kind.
	ErrUnsupportedCapability = errors.New("capability not supported by broker connection")

	// ErrNoDecisionExtracted means the vision response carried no structured content.
	ErrNoDecisionExtracted = errors.New("no decision could be extracted from vision response")
)
