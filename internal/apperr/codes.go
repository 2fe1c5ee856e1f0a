package apperr

import "net/http"

// Authentication and authorization codes.
const (
	CodeSignatureInvalid          = "SIGNATURE_INVALID"
	CodeInvalidSignatureHeader    = "INVALID_SIGNATURE_HEADER"
	CodeUnsupportedAlgorithm      = "UNSUPPORTED_ALGORITHM"
	CodeDateHeaderRequired        = "DATE_HEADER_REQUIRED"
	CodeInsufficientSignedHeaders = "INSUFFICIENT_SIGNED_HEADERS"
	CodeRequestExpired            = "REQUEST_EXPIRED"
	CodeAPIKeyRequired            = "API_KEY_REQUIRED"
	CodeInvalidAPIKey             = "INVALID_API_KEY"
	CodeMasterKeyRequired         = "MASTER_KEY_REQUIRED"
	CodeEnrollmentTokenUsed       = "ENROLLMENT_TOKEN_USED"
	CodeEnrollmentTokenScope      = "ENROLLMENT_TOKEN_SCOPE"
	CodeRegistrationPending       = "REGISTRATION_PENDING"
	CodeRegistrationRejected      = "REGISTRATION_REJECTED"
	CodeForbidden                 = "FORBIDDEN"
)

// Inbox codes. INVALID_SIGNATURE is the envelope-level failure and is
// distinct from the transport-level SIGNATURE_INVALID above.
const (
	CodeSendFailed        = "SEND_FAILED"
	CodeRecipientNotFound = "RECIPIENT_NOT_FOUND"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeInvalidTimestamp  = "INVALID_TIMESTAMP"
	CodePullFailed        = "PULL_FAILED"
	CodeAckFailed         = "ACK_FAILED"
	CodeNackFailed        = "NACK_FAILED"
	CodeMessageNotFound   = "MESSAGE_NOT_FOUND"
	CodeMessageExpired    = "MESSAGE_EXPIRED"
)

// Group and round-table codes.
const (
	CodeInvalidName          = "INVALID_NAME"
	CodeInvalidNameChars     = "INVALID_NAME_CHARS"
	CodeNameTooLong          = "NAME_TOO_LONG"
	CodeGroupNotFound        = "GROUP_NOT_FOUND"
	CodeBodyTooLarge         = "BODY_TOO_LARGE"
	CodeCreateRoundTable     = "CREATE_ROUND_TABLE_FAILED"
	CodeRoundTableNotFound   = "ROUND_TABLE_NOT_FOUND"
	CodeRoundTableClosed     = "ROUND_TABLE_CLOSED"
	CodeRoundTableThreadFull = "ROUND_TABLE_THREAD_FULL"
)

// Agent and registration codes.
const (
	CodeAgentNotFound  = "AGENT_NOT_FOUND"
	CodeInvalidAgentID = "INVALID_AGENT_ID"
	CodeRegisterFailed = "REGISTER_FAILED"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInternal       = "INTERNAL_ERROR"
)

var statuses = map[string]int{
	CodeSignatureInvalid:          http.StatusUnauthorized,
	CodeInvalidSignatureHeader:    http.StatusBadRequest,
	CodeUnsupportedAlgorithm:      http.StatusBadRequest,
	CodeDateHeaderRequired:        http.StatusBadRequest,
	CodeInsufficientSignedHeaders: http.StatusBadRequest,
	CodeRequestExpired:            http.StatusForbidden,
	CodeAPIKeyRequired:            http.StatusUnauthorized,
	CodeInvalidAPIKey:             http.StatusUnauthorized,
	CodeMasterKeyRequired:         http.StatusUnauthorized,
	CodeEnrollmentTokenUsed:       http.StatusForbidden,
	CodeEnrollmentTokenScope:      http.StatusForbidden,
	CodeRegistrationPending:       http.StatusForbidden,
	CodeRegistrationRejected:      http.StatusForbidden,
	CodeForbidden:                 http.StatusForbidden,

	CodeSendFailed:        http.StatusBadRequest,
	CodeRecipientNotFound: http.StatusNotFound,
	CodeInvalidSignature:  http.StatusForbidden,
	CodeInvalidTimestamp:  http.StatusBadRequest,
	CodePullFailed:        http.StatusBadRequest,
	CodeAckFailed:         http.StatusBadRequest,
	CodeNackFailed:        http.StatusBadRequest,
	CodeMessageNotFound:   http.StatusNotFound,
	CodeMessageExpired:    http.StatusGone,

	CodeInvalidName:          http.StatusBadRequest,
	CodeInvalidNameChars:     http.StatusBadRequest,
	CodeNameTooLong:          http.StatusBadRequest,
	CodeGroupNotFound:        http.StatusNotFound,
	CodeBodyTooLarge:         http.StatusRequestEntityTooLarge,
	CodeCreateRoundTable:     http.StatusBadRequest,
	CodeRoundTableNotFound:   http.StatusNotFound,
	CodeRoundTableClosed:     http.StatusConflict,
	CodeRoundTableThreadFull: http.StatusConflict,

	CodeAgentNotFound:  http.StatusNotFound,
	CodeInvalidAgentID: http.StatusBadRequest,
	CodeRegisterFailed: http.StatusBadRequest,
	CodeInvalidRequest: http.StatusBadRequest,
	CodeInternal:       http.StatusInternalServerError,
}
