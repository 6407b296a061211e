package license

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// Verification failures. All are recoverable; callers decide the fallback.
var (
	ErrUntrustedKey      = errors.New("license signed by untrusted key")
	ErrInvalidSignature  = errors.New("license signature invalid")
	ErrExpired           = errors.New("license expired")
	ErrDeviceMismatch    = errors.New("license bound to a different device")
	ErrOfflineNotAllowed = errors.New("license does not allow offline validation")
)

// Error codes for license operations
const (
	ErrCodeUntrustedKey      = "UNTRUSTED_KEY"
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeExpired           = "LICENSE_EXPIRED"
	ErrCodeDeviceMismatch    = "DEVICE_MISMATCH"
	ErrCodeOfflineNotAllowed = "OFFLINE_NOT_ALLOWED"
	ErrCodeNetworkError      = "NETWORK_ERROR"
	ErrCodeInvalidFormat     = "INVALID_FORMAT"
)

var errorCodes = map[error]string{
	ErrUntrustedKey:      ErrCodeUntrustedKey,
	ErrInvalidSignature:  ErrCodeInvalidSignature,
	ErrExpired:           ErrCodeExpired,
	ErrDeviceMismatch:    ErrCodeDeviceMismatch,
	ErrOfflineNotAllowed: ErrCodeOfflineNotAllowed,
}

// VerificationError wraps a verification sentinel with its wire code.
type VerificationError struct {
	Code   string
	Err    error
	Detail string
}

func newVerificationError(sentinel error, detail string) *VerificationError {
	return &VerificationError{Code: errorCodes[sentinel], Err: sentinel, Detail: detail}
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// ErrorFromCode maps a wire code back to its sentinel, or nil if unknown.
func ErrorFromCode(code string) error {
	for sentinel, c := range errorCodes {
		if c == code {
			return sentinel
		}
	}
	return nil
}

// ErrResponse implements the render.Renderer interface for API errors
type ErrResponse struct {
	Err            error  `json:"-"`
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	AppCode        string `json:"code,omitempty"`
	ErrorText      string `json:"error,omitempty"`
}

// Render implements the render.Renderer interface
func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// ErrVerification renders a failed verification. Untrusted keys and bad
// signatures are 401, policy failures are 403.
func ErrVerification(err error) *ErrResponse {
	var verr *VerificationError
	if !errors.As(err, &verr) {
		return ErrInternal(err)
	}

	status := http.StatusForbidden
	if errors.Is(err, ErrUntrustedKey) || errors.Is(err, ErrInvalidSignature) {
		status = http.StatusUnauthorized
	}
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: status,
		StatusText:     http.StatusText(status),
		AppCode:        verr.Code,
		ErrorText:      verr.Error(),
	}
}

// ErrInvalidRequest creates a bad request error
func ErrInvalidRequest(message string) *ErrResponse {
	return &ErrResponse{
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     "Invalid request",
		AppCode:        ErrCodeInvalidFormat,
		ErrorText:      message,
	}
}

// ErrInternal creates an internal server error
func ErrInternal(err error) *ErrResponse {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusInternalServerError,
		StatusText:     "Internal server error",
		ErrorText:      "An unexpected error occurred. Please try again later",
	}
}
