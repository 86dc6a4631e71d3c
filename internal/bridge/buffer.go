package bridge

import (
	"sync"

	"vncproxy/internal/constants"
)

// Each pump loop borrows one buffer for the lifetime of the session. The
// upstream read size bounds the payload of each outgoing frame.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, constants.CopyBufferSize)
		return &buf
	},
}

func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func PutBuffer(buf *[]byte) {
	if cap(*buf) >= constants.CopyBufferSize {
		*buf = (*buf)[:constants.CopyBufferSize]
		bufferPool.Put(buf)
	}
}
