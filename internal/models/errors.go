package models

import "errors"

// Sentinel errors shared by the engine components. Components wrap them with
// context; callers match with errors.Is.
var (
	// ErrInvalidParameter reports a non-positive limit, window, capacity,
	// rate, concurrency or timeout, or a missing key. Parameters are never clamped.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrStorageUnavailable reports a failed read or write of the durable store.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnknownPlan reports a plan tier missing from the catalog.
	ErrUnknownPlan = errors.New("unknown plan")
)
