package governance

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("caller identity could not be resolved")
	ErrUnauthorized    = errors.New("not allowed")
	ErrLastOwner       = errors.New("cannot remove the last owner")
	ErrDuplicateAdmin  = errors.New("user is already an admin")
	ErrUnknownAdmin    = errors.New("user is not an admin")
	ErrInvalidRole     = errors.New("role must be owner or admin")
	ErrInvalidEntry    = errors.New("invalid entry")
	ErrDuplicateEntry  = errors.New("entry id already exists")
	ErrNoChannel       = errors.New("no target chat configured, use /link in the group first")
	ErrPastInstant     = errors.New("that time has already passed")
)

// Error is a rejected governance operation. Nothing was written.
type Error struct {
	Op     string
	Reason error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Reason, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Reason
}

func reject(op string, reason error, detail string) error {
	return &Error{Op: op, Reason: reason, Detail: detail}
}

// IsRejection reports whether err is a governance rejection rather than a
// store or infrastructure failure.
func IsRejection(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}
