package wscutils

const (
	ErrcodeUnknown                 = "unknown"
	ErrcodeInvalidRequest          = "invalid_request"
	ErrcodeInvalidJson             = "invalid_json"
	ErrcodeDatabaseError           = "database_error"
	ErrcodeRequestNotFound         = "request_not_found"
	ErrcodeTerminalState           = "terminal_state"
	ErrcodeNotPending              = "not_pending"
	ErrcodeURLNotAllowed           = "url_not_allowed"
	ErrcodeMissing                 = "missing"
	ErrcodeTokenMissing            = "token_missing"
	ErrcodeTokenVerificationFailed = "token_verification_failed"
	ErrcodeTokenCacheFailed        = "token_cache_failed"
)

// DefaultMsgID is used for validation errors with no table entry.
const DefaultMsgID = 9999
