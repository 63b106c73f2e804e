package push

// ErrorKind classifies a failed dispatch. The zero value means no error.
type ErrorKind int

const (
	// KindNone marks a successful dispatch.
	KindNone ErrorKind = iota
	// KindConfig covers "feature disabled" and "no credentials" outcomes;
	// no network call was attempted.
	KindConfig
	// KindAuth covers credential-exchange failures.
	KindAuth
	// KindTransport covers every HTTP-level failure that is not a
	// token-invalidity signal. Never triggers device mutation.
	KindTransport
	// KindTokenInvalid is the single fatal-for-token classification
	// (UNREGISTERED / InvalidRegistration / NotRegistered). The token's
	// device records must be disabled as a side effect.
	KindTokenInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindTokenInvalid:
		return "token_invalid"
	}
	return "unknown"
}

// Result is the normalized outcome of one transport call. Dispatchers always
// return a Result; errors never escape their boundary.
type Result struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"error_code,omitempty"`
	Kind      ErrorKind `json:"-"`
}

// Sent builds a success result carrying the transport's message identifier.
func Sent(messageID string) Result {
	return Result{Success: true, MessageID: messageID}
}

// Failure builds a failed result with a classification, transport-specific
// code and human-readable message.
func Failure(kind ErrorKind, code, message string) Result {
	return Result{Error: message, Code: code, Kind: kind}
}
