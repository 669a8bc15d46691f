package pool

import (
	"errors"
	"fmt"

	"github.com/hsn0918/serptrack/internal/clients/base"
)

var (
	// ErrNoCredentials means the pool is empty for the requested provider.
	ErrNoCredentials = errors.New("pool: no credentials configured")
	// ErrCredentialNotFound means the referenced credential id is unknown.
	ErrCredentialNotFound = errors.New("pool: credential not found")
	// ErrDuplicateSecret means the secret is already pooled.
	ErrDuplicateSecret = errors.New("pool: credential already exists")
)

// TrackError is the terminal error of a lookup after the retry loop gave
// up. Kind carries the dominant failure class, Attempts counts credentials
// tried and CredentialID names the last credential involved.
type TrackError struct {
	Kind         base.Kind
	Attempts     int
	CredentialID string
	Err          error
}

func (e *TrackError) Error() string {
	return fmt.Sprintf("pool: lookup failed after %d attempt(s) (%s): %v", e.Attempts, e.Kind, e.Err)
}

func (e *TrackError) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from any error in a lookup chain.
func KindOf(err error) base.Kind {
	var te *TrackError
	if errors.As(err, &te) {
		return te.Kind
	}
	var ce *base.ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return base.KindUnknown
}
