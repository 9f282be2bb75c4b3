package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrDuplicate            = errors.New("record already exists")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrChannelNotConfigured = errors.New("channel not configured")
	ErrQuotaExceeded        = errors.New("quota exhausted")
	ErrNotCancellable       = errors.New("message not found or already sent")
	ErrInvalidPayload       = errors.New("invalid message payload")
	ErrStatusUnsupported    = errors.New("status lookup not supported by provider")
	ErrUnknownContact       = errors.New("unknown contact")
)

// ChannelError is returned by channel adapters. Transient errors are worth
// retrying later, permanent ones are not.
type ChannelError struct {
	Provider  string
	Code      string
	Message   string
	Transient bool
	Err       error
}

func (e *ChannelError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s error %s: %s", e.Provider, kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s error: %s", e.Provider, kind, e.Message)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func Transient(provider, code, msg string, err error) *ChannelError {
	return &ChannelError{Provider: provider, Code: code, Message: msg, Transient: true, Err: err}
}

func Permanent(provider, code, msg string, err error) *ChannelError {
	return &ChannelError{Provider: provider, Code: code, Message: msg, Err: err}
}

// IsTransient reports whether err should be retried. Timeouts and errors
// that were never classified by an adapter count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	if errors.Is(err, ErrChannelNotConfigured) || errors.Is(err, ErrInvalidPayload) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, context.Canceled)
}
