// Package outcome defines the closed error taxonomy shared by every
// docpress component. Boundary-crossing surfaces emit these codes
// verbatim and never free-text messages.
package outcome

// Code is an opaque error code from the closed taxonomy.
type Code string

const (
	CodeInputInvalid       Code = "INPUT_INVALID"
	CodeInputUnsupported   Code = "INPUT_UNSUPPORTED"
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"
	CodeBackendRejected    Code = "BACKEND_REJECTED"
	CodeBackendTimeout     Code = "BACKEND_TIMEOUT"
	CodeTransformFailed    Code = "TRANSFORM_FAILED"
	CodeWebhookUnverified  Code = "WEBHOOK_UNVERIFIED"
	CodeStaleAttempt       Code = "STALE_ATTEMPT"
	CodeUnknown            Code = "UNKNOWN"
)

// Valid reports whether c is a member of the taxonomy.
func Valid(c Code) bool {
	switch c {
	case CodeInputInvalid, CodeInputUnsupported, CodeBackendUnavailable,
		CodeBackendRejected, CodeBackendTimeout, CodeTransformFailed,
		CodeWebhookUnverified, CodeStaleAttempt, CodeUnknown:
		return true
	default:
		return false
	}
}

// Normalize maps an arbitrary string to a taxonomy code. Anything outside
// the closed set collapses to UNKNOWN so unclassified failures inherit the
// fail-safe terminal treatment.
func Normalize(s string) Code {
	c := Code(s)
	if Valid(c) {
		return c
	}
	return CodeUnknown
}

func (c Code) String() string { return string(c) }
