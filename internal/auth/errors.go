package auth

import "fmt"

// Kind tells apart the reasons a request failed authorization. Callers only
// ever see 401; the kind is for logs and metrics.
type Kind string

const (
	KindMissing   Kind = "missing"
	KindExpired   Kind = "expired"
	KindInvalid   Kind = "invalid"
	KindForbidden Kind = "forbidden"
)

// Error is returned by the gate for every rejected request.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: %s", e.Kind)
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: KindExpired}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Err == nil
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
