package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Callers classify results
// with errors.Is rather than string matching.
var (
	// ErrAuthorization indicates the caller lacks permission for the requested
	// mutation: wrong room password, non-owner terminate, non-author edit/delete.
	// Never retried automatically.
	ErrAuthorization = errors.New("not authorized")

	// ErrNotFound indicates the referenced room, message or participant no
	// longer exists in the backing store. Receivers should evict any stale
	// local copy of the entity.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an optimistic write's precondition no longer holds,
	// such as terminating a room that is already terminated. Callers usually
	// treat this as a success no-op.
	ErrConflict = errors.New("conflict")

	// ErrTransport indicates a change-feed or request failure. Recoverable; the
	// engine retries with backoff before escalating.
	ErrTransport = errors.New("transport failure")

	// ErrStaleSubscription is surfaced after repeated transport failures leave
	// the local view potentially behind the store. The embedding UI should
	// prompt a manual refresh.
	ErrStaleSubscription = errors.New("subscription stale")
)

// Authorization wraps ErrAuthorization with operation context.
func Authorization(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrAuthorization)...)
}

// NotFound wraps ErrNotFound with the entity kind and id.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}

// Conflict wraps ErrConflict with operation context.
func Conflict(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Transport wraps an underlying transport failure so it classifies as ErrTransport.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
