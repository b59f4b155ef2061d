// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/dump layers.
var (
	// ErrInvalidRange indicates caller-supplied time bounds are malformed (from >= to).
	ErrInvalidRange = errors.New("invalid time range")

	// ErrValidation indicates a submitted payload was rejected before reaching the store.
	ErrValidation = errors.New("validation failed")

	// ErrEncodingRejected indicates the store refused a batch because a payload
	// contained characters it cannot persist. The whole batch is rolled back.
	ErrEncodingRejected = errors.New("payload encoding rejected by store")

	// ErrSchemaMismatch indicates a dump stream's schema version marker is
	// missing or does not match the expected version.
	ErrSchemaMismatch = errors.New("dump schema mismatch")
)
