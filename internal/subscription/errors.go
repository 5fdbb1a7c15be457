package subscription

import (
	"errors"
	"fmt"
)

// Command errors, reported to the invoking user. They never mutate state.
var (
	ErrDuplicateSubscription = errors.New("subscription already exists")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrEmptyFilter           = errors.New("filter text is empty")
	ErrIncompleteSession     = errors.New("subject and request identifiers are required")
)

// Store contract errors. Store implementations return these (possibly wrapped).
var (
	ErrAlreadyExists = errors.New("store: already exists")
	ErrNotFound      = errors.New("store: not found")
)

// Fetch error kinds.
var (
	ErrFetchFailure    = errors.New("fetch failure")
	ErrUnexpectedState = errors.New("unexpected upstream state")
)

type FetchKind int

const (
	KindFetchFailure FetchKind = iota
	KindUnexpectedState
)

func (k FetchKind) String() string {
	switch k {
	case KindUnexpectedState:
		return "unexpected_state"
	default:
		return "fetch_failure"
	}
}

// FetchError is the classified failure of a fetch. errors.Is matches it
// against ErrFetchFailure or ErrUnexpectedState according to Kind.
type FetchError struct {
	Kind FetchKind
	// Stage is the upstream workflow stage, set for KindUnexpectedState.
	Stage string
	Err   error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindUnexpectedState && e.Stage != "":
		return fmt.Sprintf("%s (stage %q)", ErrUnexpectedState, e.Stage)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
	default:
		return e.sentinel().Error()
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == e.sentinel() }

func (e *FetchError) sentinel() error {
	if e.Kind == KindUnexpectedState {
		return ErrUnexpectedState
	}
	return ErrFetchFailure
}

// ClassifyFetchError returns err as a *FetchError. Unclassified errors
// (network, timeouts, decoding) become KindFetchFailure.
func ClassifyFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: KindFetchFailure, Err: err}
}
