package proxy

import "fmt"

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Startup Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"
	ErrCodeInvalidListenAddress = "E1002"
	ErrCodeRlimitQueryFailed    = "E1003"

	// Request Parsing Errors (E2000-E2999)
	ErrCodeHeaderReadFailed   = "E2001"
	ErrCodeHeaderTimeout      = "E2002"
	ErrCodeMalformedRequest   = "E2003"
	ErrCodeBodyReadFailed     = "E2004"
	ErrCodeMissingHost        = "E2005"
	ErrCodeInvalidPort        = "E2006"
	ErrCodeUnsupportedVersion = "E2007"

	// Policy Errors (E3000-E3999)
	ErrCodeBlockedAdDomain = "E3001"
	ErrCodeBlockedPrivate  = "E3002"
	ErrCodeAuthRequired    = "E3003"

	// Upstream Connection Errors (E4000-E4999)
	ErrCodeDialFailed        = "E4001"
	ErrCodeAllAttemptsFailed = "E4002"
	ErrCodeConnectionTimeout = "E4003"
	ErrCodeResolutionFailed  = "E4004"

	// Relay Errors (E5000-E5999)
	ErrCodeRelayFailed         = "E5001"
	ErrCodeResponseWriteFailed = "E5002"
	ErrCodeUpstreamWriteFailed = "E5003"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	// Startup Errors
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidListenAddress: "Invalid listen address",
	ErrCodeRlimitQueryFailed:    "Failed to query file descriptor limit",

	// Request Parsing Errors
	ErrCodeHeaderReadFailed:   "Failed to read request head",
	ErrCodeHeaderTimeout:      "Timed out reading request head",
	ErrCodeMalformedRequest:   "Malformed HTTP request",
	ErrCodeBodyReadFailed:     "Failed to read request body",
	ErrCodeMissingHost:        "Request carries no destination host",
	ErrCodeInvalidPort:        "Invalid destination port",
	ErrCodeUnsupportedVersion: "Unsupported HTTP protocol version",

	// Policy Errors
	ErrCodeBlockedAdDomain: "Host matches the ad blocklist",
	ErrCodeBlockedPrivate:  "Host resolves only to private addresses",
	ErrCodeAuthRequired:    "Proxy authentication required",

	// Upstream Connection Errors
	ErrCodeDialFailed:        "Failed to dial target address",
	ErrCodeAllAttemptsFailed: "All connection attempts failed",
	ErrCodeConnectionTimeout: "Connection attempt timed out",
	ErrCodeResolutionFailed:  "Failed to resolve destination host",

	// Relay Errors
	ErrCodeRelayFailed:         "Relay between client and upstream failed",
	ErrCodeResponseWriteFailed: "Failed to write response to client",
	ErrCodeUpstreamWriteFailed: "Failed to write request to upstream",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsParseError checks if the error is request-parsing-related
func IsParseError(err error) bool {
	return codeInRange(err, "E2000", "E3000")
}

// IsPolicyError checks if the error is access-policy-related
func IsPolicyError(err error) bool {
	return codeInRange(err, "E3000", "E4000")
}

// IsUpstreamError checks if the error is upstream-connection-related
func IsUpstreamError(err error) bool {
	return codeInRange(err, "E4000", "E5000")
}

func codeInRange(err error, lo, hi string) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= lo && proxyErr.Code < hi
	}
	return false
}
