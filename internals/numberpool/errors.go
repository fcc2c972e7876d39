package numberpool

import "errors"

// Error kinds surfaced by the engine. Handlers map these onto the API's
// {status: "error", msg: ...} response shapes.
var (
	// ErrPoolUnavailable means the store is down or the pool lock could not
	// be acquired within its wait timeout
	ErrPoolUnavailable = errors.New("pool unavailable")

	// ErrPoolEmpty means the free set is empty and no taken number has
	// expired
	ErrPoolEmpty = errors.New("pool empty")

	// ErrSessionNumberUnavailable means a session-pinned lease could not
	// produce a number
	ErrSessionNumberUnavailable = errors.New("session number unavailable")

	// ErrNumberNotFound means a targeted number is not in the pool
	ErrNumberNotFound = errors.New("number not found")

	// ErrMaxRenewalExceeded means the number has been continuously renewed
	// past the maximum renewal age
	ErrMaxRenewalExceeded = errors.New("maximum renewal exceeded")

	// ErrSessionKeyMismatch means a renewal was attempted by a session that
	// does not own the number. The lease driver demotes this to a fresh
	// random lease; it is never surfaced to callers.
	ErrSessionKeyMismatch = errors.New("session key mismatch")

	// ErrPoolConfig means the pool's catalog properties are unusable, e.g.
	// an area-code pool without a fallback area code
	ErrPoolConfig = errors.New("pool configuration error")
)
