// Package common defines shared constants and sentinel errors used across
// the offline engine's layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Storage faults. ErrStorageUnavailable is fatal: the engine refuses
	// to start and the UI must report that offline capture is unavailable.
	// ErrQuotaExceeded is recoverable: purge already-synced photos and retry.
	ErrStorageUnavailable = errors.New("offline capture unavailable: local storage cannot be opened")
	ErrQuotaExceeded      = errors.New("local storage quota exceeded")

	// Record-level invariant violations.
	ErrBlobImmutable = errors.New("photo blob is immutable after capture")
)
