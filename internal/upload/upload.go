// Package upload streams local files to the server in fixed-size parts and
// reports completion through a caller-supplied event sink. One operation runs
// per source path; concurrent requests for the same path coalesce onto the
// operation already in flight.
package upload

import (
	"github.com/courierim/courier/internal/wire"
)

// Kind describes what the uploaded bytes are for. It picks the server-side
// processing hints but not the upload mechanics.
type Kind string

const (
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindVoice    Kind = "voice"
	KindThumb    Kind = "thumb"
)

// Job describes a single file to push.
type Job struct {
	Path string
	Kind Kind
	// Small forces the small-file method even past the size threshold.
	Small bool
}

// Events receives operation callbacks. Methods are invoked from the
// operation's own goroutine; implementations must hand off to their own
// scheduling instead of blocking.
type Events interface {
	UploadProgress(path string, loaded, total int64)
	UploadDone(path string, handle wire.FileHandle)
	UploadFailed(path string, err error)
}

// Options bound part and file sizes.
type Options struct {
	// PartBytes is the payload size of a single savePart call.
	PartBytes int
	// BigFileBytes is the threshold above which the big-file method is used.
	BigFileBytes int64
	// MaxFileBytes rejects the job before the first part goes out.
	MaxFileBytes int64
}
