package drive

import (
	"errors"
	"fmt"
)

// TransportError is any non-2xx response that is not a 404 or a version
// conflict. The sanitized body is retained for endpoint-context logging.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Err)
	}

	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// VersionConflictError reports an optimistic-concurrency mismatch: the
// versionTag presented by the caller no longer matches the server's.
// Recoverable via an OnVersionConflict callback; never retried with
// stale data.
type VersionConflictError struct {
	FileID string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version tag mismatch on file %s", e.FileID)
}

// IsVersionConflict reports whether err (or anything it wraps) is a
// VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// DecodeError reports malformed wire data: a bad EncryptedKeyHeader
// length, undecodable base64, or JSON content that failed even the
// sanitize-and-reparse pass.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
	}

	return "decode error: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CryptoError reports missing or unusable key material: an absent shared
// secret, or content marked encrypted without a key header. The client
// fails fast rather than treating ciphertext as plaintext.
type CryptoError struct {
	Reason string
	Err    error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crypto error: %s: %v", e.Reason, e.Err)
	}

	return "crypto error: " + e.Reason
}

func (e *CryptoError) Unwrap() error { return e.Err }
