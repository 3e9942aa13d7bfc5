// Package wire defines the request/response envelopes and the remote error
// taxonomy exchanged with the messaging service. The remote protocol itself is
// owned by the transport; this package only fixes the shapes this client
// builds and consumes.
package wire

import "encoding/json"

// Method names understood by the remote service.
const (
	MethodSendMessage      = "messages.send"
	MethodSendAlbum        = "messages.sendAlbum"
	MethodEditMedia        = "messages.editMedia"
	MethodUploadPart       = "upload.savePart"
	MethodUploadBigPart    = "upload.saveBigPart"
	MethodResolveReference = "media.resolveReference"
	MethodCancel           = "rpc.cancel"
)

// Request is the client-to-server envelope. ID is assigned by the transport
// and used to correlate the asynchronous response.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Response is the server-to-client envelope. Exactly one of Body and Error is
// meaningful.
type Response struct {
	ID    string          `json:"id"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error *RemoteError    `json:"error,omitempty"`
}

// NewRequest builds a request envelope, marshaling body as JSON.
func NewRequest(method string, body any) (Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: method, Body: raw}, nil
}

// DecodeBody unmarshals the response body into out.
func (r Response) DecodeBody(out any) error {
	return json.Unmarshal(r.Body, out)
}
