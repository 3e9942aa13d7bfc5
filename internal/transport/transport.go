// Package transport delivers wire requests to the remote messaging service
// and routes their asynchronous responses back by request id.
package transport

import (
	"context"
	"errors"

	"github.com/courierim/courier/internal/wire"
)

// Handle identifies one in-flight request for cancellation. Zero is invalid.
type Handle uint64

// ResponseFunc receives the terminal outcome of a request. err is non-nil only
// for transport-level failures (no response obtained); remote rejections
// arrive inside resp.Error. Callbacks run on a transport goroutine and must
// hand off to their own execution context.
type ResponseFunc func(resp wire.Response, err error)

// Transport is the abstract remote-service connection the pipeline depends on.
type Transport interface {
	// Send submits a request. The returned handle stays valid until the
	// callback fires or Cancel is called.
	Send(ctx context.Context, req wire.Request, fn ResponseFunc) Handle
	// Cancel drops the pending request; its callback never fires.
	Cancel(handle Handle)
}

// ErrClosed is reported for requests submitted after the transport shut down.
var ErrClosed = errors.New("transport closed")

// ErrConnectionLost is reported for requests that were in flight when the
// connection dropped.
var ErrConnectionLost = errors.New("transport connection lost")
