// Package errs holds the error taxonomy shared by the proxy components.
//
// Every failure the core reports to a caller wraps one of the sentinels below,
// so callers branch with errors.Is and never on message text.
package errs

import (
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

var (
	// ErrNotCached is returned by cache-only resolution when the key is absent.
	ErrNotCached = platformerrors.New(platformerrors.CodeNotFound, "not cached")

	// ErrNetworkUnavailable means a network attempt failed and no fallback was usable.
	ErrNetworkUnavailable = platformerrors.New(platformerrors.CodeNetwork, "network unavailable")

	// ErrUnavailable means both the network and the store were exhausted.
	ErrUnavailable = platformerrors.New(platformerrors.CodeUnavailable, "unavailable")

	// ErrQuotaExceeded means a store write was rejected even after purging.
	ErrQuotaExceeded = platformerrors.WithClassification(
		platformerrors.New(platformerrors.CodeRateLimit, "storage quota exceeded"),
		platformerrors.ClassificationPermanent,
	)

	// ErrExpired marks a retry entry dropped for exceeding its retention time.
	ErrExpired = platformerrors.New(platformerrors.CodeTimeout, "retry entry expired")

	// ErrInstallFailed marks a worker version whose precache step failed.
	ErrInstallFailed = platformerrors.New(platformerrors.CodeExecutionFailed, "install failed")

	// ErrRejected is returned when an unmatched request hits a rejecting default handler.
	ErrRejected = platformerrors.New(platformerrors.CodeForbidden, "rejected by default handler")

	// ErrNoActiveVersion is returned when dispatch happens before any version activated.
	ErrNoActiveVersion = platformerrors.New(platformerrors.CodeUnavailable, "no active version")

	// ErrInvalidTransition is a lifecycle logic defect.
	ErrInvalidTransition = platformerrors.New(platformerrors.CodeInternal, "invalid lifecycle transition")
)

// Wrap attaches context to err while keeping sentinel first in the chain
// so that errors.Is(result, sentinel) holds. cause may be nil.
func Wrap(sentinel error, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%s: %w", msg, sentinel)
	}
	return fmt.Errorf("%s: %w: %w", msg, sentinel, cause)
}

// IsMiss reports whether err is one of the outcomes for which a caller is
// expected to supply an offline substitute.
func IsMiss(err error) bool {
	return errors.Is(err, ErrNotCached) ||
		errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, ErrUnavailable)
}
