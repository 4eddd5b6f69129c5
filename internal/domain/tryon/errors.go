package tryon

import "errors"

var (
	ErrInvalidCategory = errors.New("invalid garment category")
	ErrInvalidImage    = errors.New("invalid image")
	ErrInvalidRequest  = errors.New("invalid request id")

	// ErrRequestConflict is returned when the request id was already used by another user
	ErrRequestConflict = errors.New("request id already in use")

	// ErrAlreadyCompleted is returned when the request id was already rendered and charged
	ErrAlreadyCompleted = errors.New("request already completed")

	// ErrContentRejected is returned when the generator refused the inputs
	ErrContentRejected = errors.New("content rejected")

	// ErrRenderFailed covers generator and storage failures. The hold stays
	// in place so the same request id can be retried without a second charge.
	ErrRenderFailed = errors.New("render failed")
)
