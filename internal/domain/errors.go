package domain

import "errors"

var (
	// ErrConfigurationMissing means no sender identity could be resolved.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrTransport wraps failures returned by an email/SMS transport.
	ErrTransport = errors.New("transport failure")
	// ErrPersistence means tracking state could not be saved after a confirmed send.
	ErrPersistence = errors.New("persistence failure")
	// ErrEvaluation means the subject record is malformed.
	ErrEvaluation = errors.New("evaluation error")
	// ErrNotFound is returned by stores for unknown records.
	ErrNotFound = errors.New("not found")
)
