package keep

import (
	"errors"
	"fmt"
)

// StoreError is a structured engine error with a stable code. Codes
// group by area: INIT (startup), ENC (encoding), DEC (decoding), IO
// (file operations), SEC (encryption), KEY (key lookup), SYS
// (lifecycle).
type StoreError struct {
	Code    string // stable error code, e.g. "KP-KEY-4040"
	Message string // human-readable message
	Details string // optional additional details
	Cause   error  // underlying error, if any
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is matches two StoreErrors by code, so sentinel comparisons work
// through errors.Is regardless of attached details or cause.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewStoreError creates a StoreError with the given code and message.
func NewStoreError(code, message string) *StoreError {
	return &StoreError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *StoreError) WithDetails(details string) *StoreError {
	return &StoreError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *StoreError) WithCause(cause error) *StoreError {
	return &StoreError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// ErrorCode extracts the code from an error chain, empty when the
// chain holds no StoreError.
func ErrorCode(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

var (
	// ErrInit indicates the store could not start from its directory or
	// its consolidated file was unreadable and reset.
	ErrInit = NewStoreError("KP-INIT-5000", "store initialization failed")

	// ErrEncode indicates a value could not be rendered into wire form.
	ErrEncode = NewStoreError("KP-ENC-4000", "value cannot be encoded")

	// ErrNameTooLong indicates a key or store name over 255 bytes.
	ErrNameTooLong = NewStoreError("KP-ENC-4001", "name exceeds 255 bytes")

	// ErrDecode indicates a stored record could not be interpreted.
	ErrDecode = NewStoreError("KP-DEC-4000", "stored record cannot be decoded")

	// ErrKindMismatch indicates a stored value's shape contradicts the
	// type requested by the reader.
	ErrKindMismatch = NewStoreError("KP-DEC-4001", "stored kind does not match requested type")

	// ErrIO indicates a file operation failed.
	ErrIO = NewStoreError("KP-IO-5000", "file operation failed")

	// ErrCrypto indicates the encrypter rejected a value.
	ErrCrypto = NewStoreError("KP-SEC-4000", "encrypt or decrypt failed")

	// ErrNoEncrypter indicates a secure key on a store opened without
	// an encrypter.
	ErrNoEncrypter = NewStoreError("KP-SEC-4001", "no encrypter configured")

	// ErrNotFound indicates the key has no stored value.
	ErrNotFound = NewStoreError("KP-KEY-4040", "key not found")

	// ErrClosed indicates an operation on a closed store.
	ErrClosed = NewStoreError("KP-SYS-5030", "store is closed")

	// ErrInvalidOptions indicates the store options fail verification.
	ErrInvalidOptions = NewStoreError("KP-ARG-1001", "invalid options")
)
