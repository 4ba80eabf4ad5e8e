package session

// ErrorCode categorizes a conversation failure, matching the server's
// error taxonomy.
type ErrorCode string

const (
	CodeASR     ErrorCode = "ASR_ERROR"
	CodeLLM     ErrorCode = "LLM_ERROR"
	CodeTTS     ErrorCode = "TTS_ERROR"
	CodeNetwork ErrorCode = "NETWORK_ERROR"
	CodeUnknown ErrorCode = "UNKNOWN_ERROR"
)

// AppError is the single normalized error value shown to the user. At
// most one is active at a time; a new one overwrites the previous.
type AppError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
}

var fallbackMessages = map[ErrorCode]string{
	CodeASR:     "Speech recognition failed. Please try speaking again.",
	CodeLLM:     "The assistant could not produce a reply. Please try again.",
	CodeTTS:     "Speech synthesis failed. The reply text is still shown.",
	CodeNetwork: "Connection to the server was lost. Retry to reconnect.",
	CodeUnknown: "Something went wrong.",
}

// NewAppError builds the user-facing error for a server or local failure.
// Server-supplied message text wins over the fixed fallback when present.
// Unrecognized codes collapse to UNKNOWN_ERROR, the only non-retryable
// category.
func NewAppError(code ErrorCode, message string) AppError {
	if _, known := fallbackMessages[code]; !known {
		code = CodeUnknown
	}
	if message == "" {
		message = fallbackMessages[code]
	}
	return AppError{
		Code:      code,
		Message:   message,
		Retryable: code != CodeUnknown,
	}
}
