package debit

import "fmt"

// Kind classifies a debit failure.
type Kind string

const (
	// KindInsufficientBalance means the debit would drive the balance negative.
	KindInsufficientBalance Kind = "insufficient_balance"
	// KindUnknownUser means the backend has no balance for the user.
	KindUnknownUser Kind = "unknown_user"
	// KindInvalidRequest means the request failed validation before reaching the backend.
	KindInvalidRequest Kind = "invalid_request"
	// KindBackend covers transport and unexpected backend failures.
	KindBackend Kind = "backend"
)

// Error is returned by every Debiter.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("debit %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("debit %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Client reports whether the failure is caused by the caller rather than the backend.
func (e *Error) Client() bool {
	return e.Kind != KindBackend
}

var (
	// ErrInsufficientBalance matches debits rejected for lack of tokens.
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance, Message: "insufficient token balance"}

	// ErrUnknownUser matches debits for users with no balance record.
	ErrUnknownUser = &Error{Kind: KindUnknownUser, Message: "unknown user"}
)

func newInvalidRequestError(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg}
}

func newBackendError(msg string, err error) *Error {
	return &Error{Kind: KindBackend, Message: msg, Err: err}
}
