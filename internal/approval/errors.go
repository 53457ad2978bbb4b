package approval

import "errors"

// State inconsistencies: the caller referenced data the store never saw or
// already resolved. They are never fatal.
var (
	ErrUnknownCandidate    = errors.New("unknown candidate")
	ErrDuplicateAssignment = errors.New("duplicate assignment")
	ErrUnassignedValidator = errors.New("validator not assigned to candidate")
	ErrUnknownValidator    = errors.New("validator index out of range")
	ErrInvalidTranche      = errors.New("tranche beyond the session's final tranche")
)

var (
	ErrUnknownBlock       = errors.New("unknown block")
	ErrDuplicateBlock     = errors.New("block already imported")
	ErrDuplicateCandidate = errors.New("candidate listed twice in block")
)

// IsStateInconsistency reports whether err belongs to the state-inconsistency class.
func IsStateInconsistency(err error) bool {
	return errors.Is(err, ErrUnknownCandidate) ||
		errors.Is(err, ErrDuplicateAssignment) ||
		errors.Is(err, ErrUnassignedValidator) ||
		errors.Is(err, ErrUnknownValidator) ||
		errors.Is(err, ErrInvalidTranche)
}
