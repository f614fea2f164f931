package errors

import "fmt"

// AppError represents a custom application error
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Predefined error types. Crypto failures are terminal for the operation and
// their messages never carry key material, plaintext, or raw ciphertext.
var (
	ErrDatabaseConnection = &AppError{Code: "DB_CONNECTION_FAILED", Message: "Failed to connect to database"}
	ErrInvalidCredentials = &AppError{Code: "INVALID_CREDENTIALS", Message: "Invalid credentials"}
	ErrAccountLocked      = &AppError{Code: "ACCOUNT_LOCKED", Message: "Account is locked"}
	ErrUnauthorized       = &AppError{Code: "UNAUTHORIZED", Message: "Unauthorized access"}
	ErrValidationFailed   = &AppError{Code: "VALIDATION_FAILED", Message: "Validation failed"}

	ErrInvalidPublicKey     = &AppError{Code: "INVALID_PUBLIC_KEY", Message: "Public key is not a valid 32-byte X25519 point"}
	ErrRandomUnavailable    = &AppError{Code: "RANDOM_SOURCE_UNAVAILABLE", Message: "Secure random source unavailable"}
	ErrDEKUnsealFailed      = &AppError{Code: "DEK_UNSEAL_FAILED", Message: "Failed to unseal data encryption key"}
	ErrPayloadDecryptFailed = &AppError{Code: "PAYLOAD_DECRYPT_FAILED", Message: "Payload authentication failed"}
	ErrContextBinding       = &AppError{Code: "CONTEXT_BINDING_FAILED", Message: "Envelope context does not match expected identity"}
	ErrRollbackDetected     = &AppError{Code: "ROLLBACK_DETECTED", Message: "Counter is not greater than last acknowledged value"}
	ErrDeviceRevoked        = &AppError{Code: "DEVICE_REVOKED", Message: "Device has been revoked"}
	ErrSchemaVersion        = &AppError{Code: "SCHEMA_VERSION_MISMATCH", Message: "Unsupported envelope schema version"}
	ErrKeyVersion           = &AppError{Code: "KEY_VERSION_MISMATCH", Message: "Envelope key version does not match held key"}
	ErrSerialization        = &AppError{Code: "SERIALIZATION_ERROR", Message: "Failed to serialize payload"}
)

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an error with additional context
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
