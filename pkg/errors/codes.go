package errors

type Code string

const (
	CodeUnknown                Code = "UNKNOWN"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInternal               Code = "INTERNAL"
	CodeNotConnected           Code = "NOT_CONNECTED"
	CodeAuthenticationRejected Code = "AUTHENTICATION_REJECTED"
	CodeMalformedFrame         Code = "MALFORMED_FRAME"
	CodeSendFailed             Code = "SEND_FAILED"
)
