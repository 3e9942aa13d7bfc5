package send

import "errors"

var (
	// ErrEmptyAlbum means a group descriptor reached emission with no members.
	ErrEmptyAlbum = errors.New("album has no members")
	// ErrAlbumTooLarge means more members were requested than one group allows.
	ErrAlbumTooLarge = errors.New("album exceeds the group size limit")
	// ErrFileTooLarge is raised locally before any upload is attempted.
	ErrFileTooLarge = errors.New("file exceeds the size limit")
	// ErrFileMissing means the local source file is gone.
	ErrFileMissing = errors.New("local file does not exist")
	// ErrPermissionDenied is the local pre-flight policy rejection.
	ErrPermissionDenied = errors.New("payload kind is forbidden in this dialog")
	// ErrUnknownMessage means no tracked record has the given id.
	ErrUnknownMessage = errors.New("unknown message id")
	// ErrNotRetryable means Retry was called on a record not in the error state.
	ErrNotRetryable = errors.New("message is not in the error state")
	// ErrClosed means the pipeline has shut down.
	ErrClosed = errors.New("send pipeline closed")
)

// Local error codes carried on MessageSendError events alongside remote codes.
const (
	codeTransport = "TRANSPORT"
	codeLocal     = "LOCAL"
)
