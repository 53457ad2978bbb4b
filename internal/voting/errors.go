package voting

import (
	"errors"

	"github.com/eigerco/approval-voting/internal/keystore"
)

var (
	ErrKeyUnavailable = keystore.ErrKeyUnavailable
	ErrSigningFailed  = errors.New("signing failed")
	ErrCheckNotPassed = errors.New("local check has not passed")
	ErrInvalidVote    = errors.New("invalid approval signature")
)

// IsSigningFailure reports whether err affects only the local vote of one candidate.
func IsSigningFailure(err error) bool {
	return errors.Is(err, ErrKeyUnavailable) || errors.Is(err, ErrSigningFailed)
}
