package gmp

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Kind classifies an Error.
type Kind int

const (
	// KindAuth means the credentials or the refresh token were rejected.
	KindAuth Kind = iota + 1
	// KindConnection means a transport failure or a non-auth HTTP error.
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConnection:
		return "connection"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	// ErrAuth matches every Error of KindAuth with errors.Is.
	ErrAuth = errors.New("gmp authentication failed")
	// ErrConnection matches every Error of KindConnection with errors.Is.
	ErrConnection = errors.New("gmp connection failed")
)

// Error is the only error type returned by the client for upstream
// failures. Use errors.As to tell it apart from unrelated failures such as
// context cancellation.
type Error struct {
	Kind Kind
	// StatusCode is the HTTP status that caused the error, 0 for transport
	// failures.
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrAuth) and errors.Is(err, ErrConnection) match.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrConnection:
		return e.Kind == KindConnection
	}
	return false
}

// IsGMPError reports whether err originated from this package.
func IsGMPError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func authError(status int, msg string) *Error {
	return &Error{Kind: KindAuth, StatusCode: status, Message: msg}
}

func connectionError(msg string, err error) *Error {
	return &Error{Kind: KindConnection, Message: msg, Err: err}
}

// maxErrorBody is how many characters of a failed response body are kept.
const maxErrorBody = 500

func statusError(status int, url string, body []byte) *Error {
	return &Error{
		Kind:       KindConnection,
		StatusCode: status,
		Message:    fmt.Sprintf("%d for %s: %s", status, url, truncate(string(body), maxErrorBody)),
	}
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	var i int
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
