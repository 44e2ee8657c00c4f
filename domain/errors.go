package domain

import "errors"

var (
	// ErrMalformedBatch is returned when raw batch bytes cannot be decoded
	ErrMalformedBatch = errors.New("malformed batch")
	// ErrUnauthenticatedBatch is returned when a batch's attestation cannot be verified
	ErrUnauthenticatedBatch = errors.New("unauthenticated batch")
	// ErrInsufficientFee is returned when the tendered payment is below the update fee
	ErrInsufficientFee = errors.New("insufficient fee")
	// ErrPriceUnavailable is returned when a feed has no recorded observation
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrStalePrice is returned when the stored price is older than the caller accepts
	ErrStalePrice = errors.New("stale price")
)
