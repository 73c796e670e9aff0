package errors

var (
	ErrNotConnected           = New(CodeNotConnected, "transport session is not connected")
	ErrAuthenticationRejected = New(CodeAuthenticationRejected, "credential rejected by messaging endpoint")
	ErrMalformedFrame         = New(CodeMalformedFrame, "malformed frame")
	ErrSendFailed             = New(CodeSendFailed, "send failed")
	ErrEmptyContent           = InvalidArg("message content cannot be empty")
	ErrUnknownContentType     = InvalidArg("content type must be TEXT, IMAGE or FILE")
	ErrPendingNotFound        = NotFound("no failed send with that client id")
)

func NotConnected(cause error) error {
	return Wrap(CodeNotConnected, "transport session is not connected", cause)
}

func AuthenticationRejected(cause error) error {
	return Wrap(CodeAuthenticationRejected, "credential rejected by messaging endpoint", cause)
}

func MalformedFrame(cause error) error {
	return Wrap(CodeMalformedFrame, "malformed frame", cause)
}

func SendFailed(cause error) error {
	return Wrap(CodeSendFailed, "send failed", cause)
}
