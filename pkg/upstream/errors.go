package upstream

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindContentPolicy   Kind = "content_policy"
	KindRateLimited     Kind = "rate_limited"
	KindTimeout         Kind = "timeout"
	KindRejected        Kind = "rejected"
	KindUnavailable     Kind = "unavailable"
	KindInvalidResponse Kind = "invalid_response"
)

// Sentinel errors matched by errors.Is against an *Error of the same kind.
var (
	ErrContentPolicy   = errors.New("content policy violation")
	ErrRateLimited     = errors.New("rate limited")
	ErrTimeout         = errors.New("upstream timeout")
	ErrRejected        = errors.New("request rejected")
	ErrUnavailable     = errors.New("upstream unavailable")
	ErrInvalidResponse = errors.New("invalid upstream response")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindContentPolicy:
		return ErrContentPolicy
	case KindRateLimited:
		return ErrRateLimited
	case KindTimeout:
		return ErrTimeout
	case KindRejected:
		return ErrRejected
	case KindUnavailable:
		return ErrUnavailable
	case KindInvalidResponse:
		return ErrInvalidResponse
	default:
		return nil
	}
}

// Error wraps a failed upstream call with its classification.
type Error struct {
	// Op is the operation that failed (e.g., "render.submit").
	Op string

	// Provider names the implementation (e.g., "http", "simulated").
	Provider string

	Kind Kind

	// MayHaveCharged is true when the provider may have billed for the call
	// even though it failed.
	MayHaveCharged bool

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	charged := ""
	if e.MayHaveCharged {
		charged = " (may have charged)"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s%s: %v", e.Provider, e.Op, e.Kind, charged, e.Err)
	}
	return fmt.Sprintf("%s %s: %s%s", e.Provider, e.Op, e.Kind, charged)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s := sentinelFor(e.Kind)
	return s != nil && target == s
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return "", false
}

// MayHaveCharged reports whether any *Error in err's chain may have been billed.
func MayHaveCharged(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.MayHaveCharged
}

func IsContentPolicy(err error) bool { return errors.Is(err, ErrContentPolicy) }

func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }
