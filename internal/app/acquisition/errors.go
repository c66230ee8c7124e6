package acquisition

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a fetch attempt failed. The kind decides how
// the client reacts: retry as is, retry after a credential refresh, or
// give up.
type FailureKind int

const (
	// KindTransient covers transport errors and timeouts. Retried without
	// touching the credential.
	KindTransient FailureKind = iota

	// KindNonOK is a non-200 HTTP status or a business-level failure in the
	// envelope. Retried after a proactive credential refresh.
	KindNonOK

	// KindMalformed is a body that could not be decoded. Treated like NonOK.
	KindMalformed

	// KindAuthExpired is a response carrying the auth-failure signature: an
	// HTML body where JSON was expected, or a known error phrase. The
	// credential is always refreshed before the next attempt.
	KindAuthExpired

	// KindRetriesExhausted wraps the last attempt's failure once the retry
	// budget is spent. It is recoverable at the task level.
	KindRetriesExhausted
)

func (k FailureKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNonOK:
		return "non_ok"
	case KindMalformed:
		return "malformed"
	case KindAuthExpired:
		return "auth_expired"
	case KindRetriesExhausted:
		return "retries_exhausted"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// FetchError is the typed failure returned by the client.
type FetchError struct {
	Kind     FailureKind
	Status   int
	Attempts int
	msg      string
	cause    error
}

func (e *FetchError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *FetchError) Unwrap() error { return e.cause }

// Is matches on kind, so errors.Is(err, ErrAuthExpired) works through
// wrapping.
func (e *FetchError) Is(target error) bool {
	t, ok := target.(*FetchError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrTransient        = &FetchError{Kind: KindTransient}
	ErrNonOK            = &FetchError{Kind: KindNonOK}
	ErrMalformed        = &FetchError{Kind: KindMalformed}
	ErrAuthExpired      = &FetchError{Kind: KindAuthExpired}
	ErrRetriesExhausted = &FetchError{Kind: KindRetriesExhausted}
)

// ErrNoCredentialSource is returned, without retrying, for an authenticated
// request on a client built without a credential cache.
var ErrNoCredentialSource = errors.New("authenticated request without a credential source")

func newFetchError(kind FailureKind, status int, msg string, cause error) *FetchError {
	return &FetchError{Kind: kind, Status: status, msg: msg, cause: cause}
}

// KindOf returns the failure kind of err, or false if err is not a
// FetchError.
func KindOf(err error) (FailureKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// needsRefresh reports whether the credential should be replaced before the
// next attempt.
func (k FailureKind) needsRefresh() bool {
	return k == KindNonOK || k == KindMalformed || k == KindAuthExpired
}
