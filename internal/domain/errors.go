package domain

import "errors"

var (
	ErrUnreachable       = errors.New("gitlab unreachable")
	ErrUnauthorized      = errors.New("gitlab unauthorized")
	ErrNotFound          = errors.New("gitlab: not found")
	ErrMalformedResponse = errors.New("gitlab: malformed response")
)

// KeepsState reports whether an error leaves tracked state intact instead of
// dropping the connection.
func KeepsState(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}
