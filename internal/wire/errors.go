package wire

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable class of a remote rejection.
type ErrorCode string

const (
	// CodeStaleReference means the opaque media reference the request carried
	// is no longer valid and must be re-resolved from its parent object.
	CodeStaleReference ErrorCode = "MEDIA_REFERENCE_EXPIRED"
	// CodeTooLarge means the payload exceeds a server-side size limit.
	CodeTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	// CodePermissionDenied means the action is forbidden in this dialog.
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	// CodeRateLimited means the client must slow down.
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	// CodeBadRequest means the request was structurally rejected.
	CodeBadRequest ErrorCode = "BAD_REQUEST"
	// CodeInternal covers any other server-side failure.
	CodeInternal ErrorCode = "INTERNAL"
)

// RemoteError is a typed rejection returned by the remote service.
type RemoteError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsStaleReference reports whether err is a stale media reference rejection.
func IsStaleReference(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == CodeStaleReference
}

// AsRemote extracts the RemoteError from err, if any.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
