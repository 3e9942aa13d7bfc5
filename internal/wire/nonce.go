package wire

import (
	"crypto/rand"
	"encoding/binary"
)

// NewNonce returns a non-zero random 64-bit value, used for client message
// nonces, upload file ids, and album group ids.
func NewNonce() int64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(err)
		}
		v := int64(binary.LittleEndian.Uint64(buf[:]))
		if v != 0 {
			return v
		}
	}
}
