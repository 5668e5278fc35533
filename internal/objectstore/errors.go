package objectstore

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Kind is the error taxonomy from spec section 7: every object-store
// failure is classified into one of these, so callers branch on the tag
// instead of catching broad error classes.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindConflict
	KindGone
	KindNotFound
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindGone:
		return "gone"
	case KindNotFound:
		return "not_found"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error wraps an underlying object-store error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// Classify wraps a raw client-go/apimachinery error with its Kind.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsConflict(err):
		return &Error{Kind: KindConflict, Err: err}
	case apierrors.IsNotFound(err):
		return &Error{Kind: KindNotFound, Err: err}
	case apierrors.IsResourceExpired(err), apierrors.IsGone(err):
		return &Error{Kind: KindGone, Err: err}
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err), apierrors.IsInvalid(err):
		return &Error{Kind: KindPermanent, Err: err}
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err), apierrors.IsServiceUnavailable(err):
		return &Error{Kind: KindTransient, Err: err}
	default:
		return &Error{Kind: KindTransient, Err: err}
	}
}
