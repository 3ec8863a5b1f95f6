package shared

// Protocol error codes. Codes that corrupt protocol state terminate the
// connection; ErrCodeInvalidIndex is returned in-band and the client may
// retry the selection.
type ErrorCode string

const (
	ErrCodeUnauthorized       ErrorCode = "unauthorized"
	ErrCodeInvalidState       ErrorCode = "invalid_state"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeProofRejected      ErrorCode = "proof_rejected"
	ErrCodeNullifierUsed      ErrorCode = "nullifier_used"
	ErrCodeRoundMismatch      ErrorCode = "round_mismatch"
	ErrCodeInvalidIndex       ErrorCode = "invalid_index"
	ErrCodeAuthFailed         ErrorCode = "auth_failed"
	ErrCodePersistenceFailure ErrorCode = "persistence_failure"
	ErrCodeBadMessage         ErrorCode = "bad_message"
)

// Fatal reports whether an error code must terminate the session.
func (c ErrorCode) Fatal() bool {
	return c != ErrCodeInvalidIndex
}
