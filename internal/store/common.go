package store

const (
	ErrFailedBatchCommit = "failed to commit batch: %v"
)

// Prefix constants for all store types
const (
	prefixSession byte = iota + 1
	prefixBlock
	prefixCandidate
	prefixWakeup
	prefixCheck
)

// PrefixToString converts a prefix byte to a string
func PrefixToString(p byte) string {
	switch p {
	case prefixSession:
		return "session"
	case prefixBlock:
		return "block"
	case prefixCandidate:
		return "candidate"
	case prefixWakeup:
		return "wakeup"
	case prefixCheck:
		return "check"
	default:
		return "unknown"
	}
}

// makeKey creates a key from a prefix and hash
func makeKey(prefix byte, hash []byte) []byte {
	key := make([]byte, 1+len(hash))
	key[0] = prefix
	copy(key[1:], hash)
	return key
}
