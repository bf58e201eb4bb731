package engine

import "errors"

// Sentinel failure classes for inference. Job error messages wrap these
// so callers can distinguish bad input from backend trouble.
var (
	// ErrInvalidImage marks payloads that cannot be decoded as an image.
	ErrInvalidImage = errors.New("invalid image")
	// ErrModelUnavailable marks an unreachable or unconfigured model server.
	ErrModelUnavailable = errors.New("model server unavailable")
	// ErrInferenceFailed marks a model request the server rejected or
	// answered with an unusable body.
	ErrInferenceFailed = errors.New("inference failed")
)
