// Package prepare turns local media sources into upload-ready assets: it
// consults the remote-media cache so already-known files skip uploading,
// runs conversions and thumbnail extraction on a bounded worker pool, and
// re-resolves stale remote references from their parent objects.
package prepare

import (
	"context"

	"github.com/courierim/courier/internal/wire"
)

// Kind is the asset class being prepared.
type Kind string

const (
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindVoice    Kind = "voice"
)

// Job is one preparation request. Key is the resource key the requester will
// correlate events by (usually a cache key or the source path itself).
type Job struct {
	Key  string
	Path string
	Kind Kind
	// Convert requests a transcode pass before upload (e.g. video re-encode).
	Convert bool
	// WantThumb requests a thumbnail extracted alongside the main asset.
	WantThumb bool
}

// Result is the outcome of a finished preparation.
type Result struct {
	// Path is the upload-ready file; equals the job path unless converted.
	Path string
	// ThumbPath is the extracted thumbnail, empty when none was requested.
	ThumbPath string
	// Remote is set on a cache hit; no upload is needed at all.
	Remote *wire.RemoteMedia
	// Probe metadata filled during conversion, zero when unknown.
	Width    int
	Height   int
	Duration int
}

// Events receives preparation and resolution callbacks. Methods are invoked
// from worker or transport goroutines; implementations must hand off to their
// own scheduling instead of blocking.
type Events interface {
	PrepareReady(key string, res Result)
	PrepareFailed(key string, err error)
	ResolveReady(key string, media wire.RemoteMedia)
	ResolveFailed(key string, err error)
}

// Converter performs media transcoding. Implementations run external tooling;
// the service bounds their concurrency.
type Converter interface {
	// Convert returns the path of the transcoded file and probed metadata.
	Convert(ctx context.Context, path string, kind Kind) (ConvertResult, error)
	// Thumbnail extracts a preview image for path.
	Thumbnail(ctx context.Context, path string) (string, error)
}

// ConvertResult is the converter's output.
type ConvertResult struct {
	Path     string
	Width    int
	Height   int
	Duration int
}

// Cache looks up media the server is already known to hold, keyed by the
// caller's cache key.
type Cache interface {
	Lookup(ctx context.Context, key string) (*wire.RemoteMedia, error)
	Store(ctx context.Context, key string, remote wire.RemoteMedia) error
}
